package relay

import (
	"sync"
	"time"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// ConnectionRegistry maps sessions to live control channels: at most one
// developer and at most one PM per session. It owns the channels it
// holds; the session registry is only consulted for status updates.
type ConnectionRegistry struct {
	mu         sync.RWMutex
	developers map[string]*ControlChannel
	pms        map[string]*ControlChannel
	ready      map[string]map[string]bool // sessionID → role → p2p:ready seen

	sessions    *SessionRegistry
	pending     *PendingTable
	settleDelay time.Duration // wait before p2p:initiate so the newcomer settles
}

func NewConnectionRegistry(sessions *SessionRegistry, pending *PendingTable, settleDelay time.Duration) *ConnectionRegistry {
	return &ConnectionRegistry{
		developers:  make(map[string]*ControlChannel),
		pms:         make(map[string]*ControlChannel),
		ready:       make(map[string]map[string]bool),
		sessions:    sessions,
		pending:     pending,
		settleDelay: settleDelay,
	}
}

// RegisterDeveloper binds the developer channel for a session, replacing
// any previous one. The previous channel is closed and its in-flight
// requests are rejected in a single wave.
func (r *ConnectionRegistry) RegisterDeveloper(sessionID string, ch *ControlChannel) {
	r.mu.Lock()
	prev := r.developers[sessionID]
	r.developers[sessionID] = ch
	pmPresent := r.pms[sessionID] != nil
	delete(r.ready, sessionID)
	r.mu.Unlock()

	if prev != nil {
		// Only requests held under the old channel are swept; one
		// admitted to ch during the swap already rides the new channel.
		n := r.pending.CancelForChannel(prev, ErrDeveloperReplaced)
		prev.Close("replaced")
		logger.Info("developer replaced", "session", sessionID, "cancelled", n)
	}

	r.sessions.UpdateSession(sessionID, SessionPatch{Status: StatusActive})
	r.sessions.Touch(sessionID)
	logger.Info("developer registered", "session", sessionID)

	if pmPresent {
		r.scheduleInitiateP2P(sessionID)
	}
}

// UnregisterDeveloper drops the mapping if ch still owns it and cancels
// every pending request held under ch.
func (r *ConnectionRegistry) UnregisterDeveloper(sessionID string, ch *ControlChannel) {
	r.mu.Lock()
	cur := r.developers[sessionID]
	if cur != ch {
		r.mu.Unlock()
		return // already replaced; the replacement wave handled cleanup
	}
	delete(r.developers, sessionID)
	pm := r.pms[sessionID]
	delete(r.ready, sessionID)
	r.mu.Unlock()

	n := r.pending.CancelForChannel(ch, ErrDeveloperDisconnected)
	if n > 0 {
		logger.Info("developer disconnected", "session", sessionID, "cancelled", n)
	}
	if pm != nil {
		pm.Send(ws.Signal{Type: ws.TypeP2PFailed, SessionID: sessionID, Reason: "peer-disconnected"})
	}
}

// RegisterPM binds the PM channel for a session, replacing any previous one.
func (r *ConnectionRegistry) RegisterPM(sessionID string, ch *ControlChannel) {
	r.mu.Lock()
	prev := r.pms[sessionID]
	r.pms[sessionID] = ch
	devPresent := r.developers[sessionID] != nil
	delete(r.ready, sessionID)
	r.mu.Unlock()

	if prev != nil {
		prev.Close("replaced")
	}
	r.sessions.Touch(sessionID)
	logger.Info("pm registered", "session", sessionID)

	if devPresent {
		r.scheduleInitiateP2P(sessionID)
	}
}

// UnregisterPM drops the mapping if ch still owns it.
func (r *ConnectionRegistry) UnregisterPM(sessionID string, ch *ControlChannel) {
	r.mu.Lock()
	cur := r.pms[sessionID]
	if cur != ch {
		r.mu.Unlock()
		return
	}
	delete(r.pms, sessionID)
	dev := r.developers[sessionID]
	delete(r.ready, sessionID)
	r.mu.Unlock()

	if dev != nil {
		dev.Send(ws.Signal{Type: ws.TypeP2PFailed, SessionID: sessionID, Reason: "peer-disconnected"})
	}
}

// Developer returns the live developer channel, or nil.
func (r *ConnectionRegistry) Developer(sessionID string) *ControlChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.developers[sessionID]
}

// PM returns the live PM channel, or nil.
func (r *ConnectionRegistry) PM(sessionID string) *ControlChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pms[sessionID]
}

// IsP2PAvailable reports whether both sides of a session are registered.
func (r *ConnectionRegistry) IsP2PAvailable(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.developers[sessionID] != nil && r.pms[sessionID] != nil
}

// SendToDeveloper enqueues a frame on the developer channel.
func (r *ConnectionRegistry) SendToDeveloper(sessionID string, frame any) error {
	ch := r.Developer(sessionID)
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(frame)
}

// SendToPM enqueues a frame on the PM channel.
func (r *ConnectionRegistry) SendToPM(sessionID string, frame any) error {
	ch := r.PM(sessionID)
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(frame)
}

// scheduleInitiateP2P emits p2p:initiate to both sides after the settle
// window, if both are still connected by then.
func (r *ConnectionRegistry) scheduleInitiateP2P(sessionID string) {
	time.AfterFunc(r.settleDelay, func() { r.InitiateP2P(sessionID) })
}

// InitiateP2P tells each side to begin the WebRTC handshake. A no-op
// unless both sides are registered.
func (r *ConnectionRegistry) InitiateP2P(sessionID string) {
	r.mu.RLock()
	dev := r.developers[sessionID]
	pm := r.pms[sessionID]
	r.mu.RUnlock()
	if dev == nil || pm == nil {
		return
	}
	dev.Send(ws.Signal{Type: ws.TypeP2PInitiate, SessionID: sessionID, Role: ws.RoleDeveloper})
	pm.Send(ws.Signal{Type: ws.TypeP2PInitiate, SessionID: sessionID, Role: ws.RolePM})
	logger.Debug("p2p initiate", "session", sessionID)
}

// MarkP2PReady records a p2p:ready from one role. Returns true once both
// sides have reported ready.
func (r *ConnectionRegistry) MarkP2PReady(sessionID, role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ready[sessionID]
	if m == nil {
		m = make(map[string]bool, 2)
		r.ready[sessionID] = m
	}
	m[role] = true
	return m[ws.RoleDeveloper] && m[ws.RolePM]
}

// ClearP2P drops ready state after a p2p:failed; traffic stays on the relay.
func (r *ConnectionRegistry) ClearP2P(sessionID string) {
	r.mu.Lock()
	delete(r.ready, sessionID)
	r.mu.Unlock()
}

// CloseAll closes every channel with the given reason. Used on shutdown.
func (r *ConnectionRegistry) CloseAll(reason string) {
	r.mu.Lock()
	chans := make([]*ControlChannel, 0, len(r.developers)+len(r.pms))
	for _, ch := range r.developers {
		chans = append(chans, ch)
	}
	for _, ch := range r.pms {
		chans = append(chans, ch)
	}
	r.developers = make(map[string]*ControlChannel)
	r.pms = make(map[string]*ControlChannel)
	r.mu.Unlock()

	for _, ch := range chans {
		ch.Send(ws.ErrorFrame{Type: ws.TypeError, Error: reason})
		ch.Close(reason)
	}
}
