package relay

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced by the registries and the proxy engine. The HTTP
// mapping lives in proxy.go; the control channel maps a subset to close
// reasons.
var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrSessionNotFound       = errors.New("session not found")
	ErrNotConnected          = errors.New("developer not connected")
	ErrDeveloperDisconnected = errors.New("developer disconnected")
	ErrDeveloperReplaced     = errors.New("developer replaced")
	ErrSessionExpired        = errors.New("session expired")
	ErrBackpressure          = errors.New("channel backpressure")
	ErrDuplicateRequestID    = errors.New("duplicate request id")
	ErrCancelled             = errors.New("cancelled")
	ErrChannelClosed         = errors.New("channel closed")
)

// TimeoutError reports that a pending request expired before the
// developer responded.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s", e.RequestID, e.Timeout)
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
