package relay

import (
	"sync"
	"time"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// Result is the single outcome of a pending request: a response payload
// or an error, never both.
type Result struct {
	Payload *ws.ResponsePayload
	Err     error
}

type pendingEntry struct {
	id        string
	sessionID string
	owner     any // channel the request frame was sent on
	createdAt time.Time
	done      chan Result // buffered 1; written exactly once
	timer     *time.Timer
}

// PendingTable correlates request ids with awaiting response sinks and
// enforces the per-request timeout. Completion is idempotent: the entry
// is removed under lock before the result is delivered, so a late
// resolve, a timeout, and a cancellation can race without a double
// delivery.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	timeout time.Duration

	// OnTimeout, if set, runs once per expired request before the
	// rejection is observable by the waiter.
	OnTimeout func(id string, err error)
}

func NewPendingTable(timeout time.Duration) *PendingTable {
	return &PendingTable{
		entries: make(map[string]*pendingEntry),
		timeout: timeout,
	}
}

// Add registers a request id and returns the channel its result will be
// delivered on. owner identifies the control channel the request rides,
// so a replacement wave can cancel only that channel's requests. Fails
// with ErrDuplicateRequestID if the id is present.
func (t *PendingTable) Add(id, sessionID string, owner any) (<-chan Result, error) {
	t.mu.Lock()
	if _, exists := t.entries[id]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateRequestID
	}
	e := &pendingEntry{
		id:        id,
		sessionID: sessionID,
		owner:     owner,
		createdAt: time.Now(),
		done:      make(chan Result, 1),
	}
	t.entries[id] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	return e.done, nil
}

// Resolve completes a request with a response. Unknown ids are dropped.
func (t *PendingTable) Resolve(id string, payload *ws.ResponsePayload) {
	if e := t.take(id); e != nil {
		e.done <- Result{Payload: payload}
	} else {
		logger.Debug("response for unknown request dropped", "request", id)
	}
}

// Reject completes a request with an error. Unknown ids are dropped.
func (t *PendingTable) Reject(id string, err error) {
	if e := t.take(id); e != nil {
		e.done <- Result{Err: err}
	}
}

// Cancel rejects a request with ErrCancelled, reporting whether a
// pending entry existed.
func (t *PendingTable) Cancel(id string) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.done <- Result{Err: ErrCancelled}
	return true
}

// CancelForSession rejects every pending request of one session with the
// given reason. Used when the session itself goes away.
func (t *PendingTable) CancelForSession(sessionID string, reason error) int {
	return t.cancelWhere(func(e *pendingEntry) bool { return e.sessionID == sessionID }, reason)
}

// CancelForChannel rejects every pending request owned by one control
// channel. A request admitted to a replacement channel during the swap
// has a different owner and is left alone.
func (t *PendingTable) CancelForChannel(owner any, reason error) int {
	return t.cancelWhere(func(e *pendingEntry) bool { return e.owner == owner }, reason)
}

func (t *PendingTable) cancelWhere(match func(*pendingEntry) bool, reason error) int {
	t.mu.Lock()
	var taken []*pendingEntry
	for id, e := range t.entries {
		if match(e) {
			delete(t.entries, id)
			if e.timer != nil {
				e.timer.Stop()
			}
			taken = append(taken, e)
		}
	}
	t.mu.Unlock()

	for _, e := range taken {
		e.done <- Result{Err: reason}
	}
	return len(taken)
}

// Count returns the number of in-flight requests.
func (t *PendingTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cleanup rejects every entry with ErrCancelled. Used on shutdown.
func (t *PendingTable) Cleanup() {
	t.mu.Lock()
	taken := make([]*pendingEntry, 0, len(t.entries))
	for id, e := range t.entries {
		delete(t.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		taken = append(taken, e)
	}
	t.mu.Unlock()

	for _, e := range taken {
		e.done <- Result{Err: ErrCancelled}
	}
}

// take removes and returns an entry, stopping its timer. Removal is the
// unified completion point; nil means someone else already completed it.
func (t *PendingTable) take(id string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

func (t *PendingTable) expire(id string) {
	e := t.take(id)
	if e == nil {
		return // resolved or cancelled first
	}
	err := &TimeoutError{RequestID: id, Timeout: t.timeout}
	if t.OnTimeout != nil {
		t.OnTimeout(id, err)
	}
	e.done <- Result{Err: err}
}
