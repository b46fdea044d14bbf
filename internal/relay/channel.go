package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/glamp/wingman-tunnel/internal/logger"
)

const channelWriteTimeout = 10 * time.Second

// ControlChannel is one registered peer socket (developer or pm).
// Outbound frames go through a bounded queue drained by a single writer
// goroutine, so callers never block on the socket and FIFO order per
// channel is preserved.
type ControlChannel struct {
	Role      string
	SessionID string

	conn  *websocket.Conn
	sendq chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason atomic.Value // string

	lastPong   atomic.Int64 // unix millis
	parseFails atomic.Int32 // malformed frames in the current window
}

// NewControlChannel wraps an accepted socket. The writer goroutine runs
// until Close.
func NewControlChannel(conn *websocket.Conn, role, sessionID string, queueSize int) *ControlChannel {
	c := &ControlChannel{
		Role:      role,
		SessionID: sessionID,
		conn:      conn,
		sendq:     make(chan []byte, queueSize),
		closed:    make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixMilli())
	go c.writeLoop()
	return c
}

func (c *ControlChannel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.sendq:
			ctx, cancel := context.WithTimeout(context.Background(), channelWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug("channel write failed", "session", c.SessionID, "role", c.Role, "error", err)
				c.Close("write failed")
				return
			}
		}
	}
}

// Send marshals and enqueues a frame. Returns ErrBackpressure when the
// queue is full and ErrChannelClosed after Close.
func (c *ControlChannel) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.sendq <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close shuts the socket down once, recording the reason. Safe to call
// from any goroutine.
func (c *ControlChannel) Close(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.closed)
		c.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

// Closed returns a channel that is closed once the control channel shuts down.
func (c *ControlChannel) Closed() <-chan struct{} {
	return c.closed
}

// CloseReason returns the reason passed to the first Close call.
func (c *ControlChannel) CloseReason() string {
	if v := c.closeReason.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// MarkPong records heartbeat liveness; any inbound frame counts.
func (c *ControlChannel) MarkPong() {
	c.lastPong.Store(time.Now().UnixMilli())
}

// SincePong returns the time since the peer last showed liveness.
func (c *ControlChannel) SincePong() time.Duration {
	return time.Since(time.UnixMilli(c.lastPong.Load()))
}

// NoteParseFailure counts a malformed frame and reports whether the
// channel should be closed (≥ limit failures since the last reset).
func (c *ControlChannel) NoteParseFailure(limit int32) bool {
	return c.parseFails.Add(1) >= limit
}

// ResetParseFailures clears the malformed-frame counter; called when a
// well-formed frame arrives.
func (c *ControlChannel) ResetParseFailures() {
	c.parseFails.Store(0)
}
