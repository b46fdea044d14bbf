package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/glamp/wingman-tunnel/internal/logger"
)

// Session statuses. Transitions only advance: pending → active →
// (expired|closed). Closed is reachable from any state via delete.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusClosed  = "closed"
)

// Session is a named tunnel binding between a public URL and a
// developer's local port.
type Session struct {
	ID           string         `json:"id"`
	DeveloperID  string         `json:"developerId"`
	TargetPort   int            `json:"targetPort"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	TunnelURL    string         `json:"tunnelUrl"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Permanent reports whether the session is exempt from idle expiry.
func (s *Session) Permanent() bool {
	v, ok := s.Metadata["permanent"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SessionFilter narrows ListSessions results. Zero values match everything.
type SessionFilter struct {
	DeveloperID string
	TargetPort  int
	Status      string
}

// SessionPatch is the set of fields UpdateSession may change. Metadata
// is merged key-by-key, not replaced.
type SessionPatch struct {
	Status       string
	LastActivity *time.Time
	Metadata     map[string]any
}

// SessionRegistry owns session records. All methods are safe for
// concurrent use; critical sections never do I/O.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	baseHost   string // host[:port] under which subdomain ids are issued
	baseScheme string
	idleTTL    time.Duration
	store      *SessionStore // optional durable records

	// onRemoved fires after a session leaves the registry (expiry or
	// delete), outside the registry lock.
	onRemoved func(s *Session, reason error)
}

// NewSessionRegistry creates a registry issuing tunnel URLs under baseURL.
func NewSessionRegistry(baseURL string, idleTTL time.Duration) *SessionRegistry {
	scheme, host := "https", baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		scheme, host = u.Scheme, u.Host
	}
	return &SessionRegistry{
		sessions:   make(map[string]*Session),
		baseHost:   host,
		baseScheme: scheme,
		idleTTL:    idleTTL,
	}
}

// SetStore attaches a durable session store and loads any existing
// records. Absence of records is not an error.
func (r *SessionRegistry) SetStore(store *SessionStore) error {
	loaded, err := store.LoadAll()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, s := range loaded {
		if _, exists := r.sessions[s.ID]; !exists {
			r.sessions[s.ID] = s
		}
	}
	r.store = store
	r.mu.Unlock()
	return nil
}

// OnRemoved registers the removal callback used by cleanup and delete.
func (r *SessionRegistry) OnRemoved(fn func(s *Session, reason error)) {
	r.onRemoved = fn
}

// BaseHost returns the host sessions are issued under (port included if any).
func (r *SessionRegistry) BaseHost() string {
	return r.baseHost
}

// CreateSession validates the port, generates a non-colliding id, and
// stores a pending session.
func (r *SessionRegistry) CreateSession(developerID string, targetPort int, metadata map[string]any) (*Session, error) {
	if targetPort < 1 || targetPort > 65535 {
		return nil, fmt.Errorf("%w: targetPort %d out of range", ErrInvalidArgument, targetPort)
	}
	now := time.Now()

	r.mu.Lock()
	var id string
	for {
		id = newSessionID()
		if _, taken := r.sessions[id]; !taken {
			break
		}
	}
	s := &Session{
		ID:           id,
		DeveloperID:  developerID,
		TargetPort:   targetPort,
		Status:       StatusPending,
		CreatedAt:    now,
		LastActivity: now,
		TunnelURL:    fmt.Sprintf("%s://%s.%s", r.baseScheme, id, r.baseHost),
		Metadata:     metadata,
	}
	r.sessions[id] = s
	cp := s.clone()
	r.mu.Unlock()

	r.persist(cp)
	logger.Info("session created", "session", id, "developer", developerID, "port", targetPort)
	return cp, nil
}

// GetSession returns a copy of the session, or nil if unknown.
func (r *SessionRegistry) GetSession(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.clone()
	}
	return nil
}

// ListSessions returns copies of all sessions matching the filter.
func (r *SessionRegistry) ListSessions(f SessionFilter) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if f.DeveloperID != "" && s.DeveloperID != f.DeveloperID {
			continue
		}
		if f.TargetPort != 0 && s.TargetPort != f.TargetPort {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// UpdateSession applies a patch and returns the updated copy, or nil if
// the session does not exist. Invalid status transitions are rejected.
func (r *SessionRegistry) UpdateSession(id string, patch SessionPatch) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	if patch.Status != "" && patch.Status != s.Status {
		if !validTransition(s.Status, patch.Status) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: status %s → %s", ErrInvalidArgument, s.Status, patch.Status)
		}
		s.Status = patch.Status
	}
	if patch.LastActivity != nil {
		s.LastActivity = *patch.LastActivity
	}
	if len(patch.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			s.Metadata[k] = v
		}
	}
	cp := s.clone()
	r.mu.Unlock()

	r.persist(cp)
	return cp, nil
}

// Touch bumps lastActivity to now.
func (r *SessionRegistry) Touch(id string) {
	now := time.Now()
	r.UpdateSession(id, SessionPatch{LastActivity: &now})
}

// DeleteSession removes a session, marking it closed. Returns whether it
// existed.
func (r *SessionRegistry) DeleteSession(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.Status = StatusClosed
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.unpersist(id)
	if r.onRemoved != nil {
		r.onRemoved(s, ErrCancelled)
	}
	logger.Info("session closed", "session", id)
	return true
}

// CleanupExpiredSessions removes sessions idle longer than idleTTL,
// except permanent ones. Returns the number removed.
func (r *SessionRegistry) CleanupExpiredSessions() int {
	cutoff := time.Now().Add(-r.idleTTL)

	r.mu.Lock()
	var removed []*Session
	for id, s := range r.sessions {
		if s.Permanent() {
			continue
		}
		if s.LastActivity.Before(cutoff) {
			s.Status = StatusExpired
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	for _, s := range removed {
		r.unpersist(s.ID)
		if r.onRemoved != nil {
			r.onRemoved(s, ErrSessionExpired)
		}
		logger.Info("session expired", "session", s.ID, "idle", time.Since(s.LastActivity).Truncate(time.Second).String())
	}
	return len(removed)
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartCleanup runs the expiry scan every interval until ctx is done.
func (r *SessionRegistry) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupExpiredSessions()
			}
		}
	}()
}

func (r *SessionRegistry) persist(s *Session) {
	if r.store != nil {
		if err := r.store.Save(s); err != nil {
			logger.Warn("session store write failed", "session", s.ID, "error", err)
		}
	}
}

func (r *SessionRegistry) unpersist(id string) {
	if r.store != nil {
		if err := r.store.Remove(id); err != nil {
			logger.Warn("session store remove failed", "session", id, "error", err)
		}
	}
}

func validTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusExpired || to == StatusClosed
	case StatusActive:
		return to == StatusExpired || to == StatusClosed
	default:
		return false
	}
}

// stripPort removes an explicit :port suffix from a Host header value.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
