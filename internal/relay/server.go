package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/glamp/wingman-tunnel/internal/config"
	"github.com/glamp/wingman-tunnel/internal/logger"
)

// Server wires the registries, the proxy engine, and the HTTP surface.
// Registries are plain fields so tests can instantiate them directly.
type Server struct {
	Config   *config.Config
	Sessions *SessionRegistry
	Conns    *ConnectionRegistry
	Pending  *PendingTable
	Proxy    *Proxy
	Limiter  *RateLimiter

	mux *http.ServeMux
}

// NewServer builds a server from config. Call Start to run the cleanup
// loop and Shutdown to drain.
func NewServer(cfg *config.Config) (*Server, error) {
	sessions := NewSessionRegistry(cfg.Server.BaseURL, cfg.Tunnel.IdleTTL)
	if cfg.Server.StorageDir != "" {
		store, err := NewSessionStore(cfg.Server.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		if err := sessions.SetStore(store); err != nil {
			return nil, fmt.Errorf("load sessions: %w", err)
		}
	}

	pending := NewPendingTable(cfg.Tunnel.RequestTimeout)
	conns := NewConnectionRegistry(sessions, pending, cfg.Tunnel.P2PSettleDelay)
	proxy := NewProxy(sessions, conns, pending, cfg.Tunnel.MaxRequestBytes, cfg.Tunnel.RequestTimeout)

	s := &Server{
		Config:   cfg,
		Sessions: sessions,
		Conns:    conns,
		Pending:  pending,
		Proxy:    proxy,
		Limiter:  NewRateLimiter(20, 60),
		mux:      http.NewServeMux(),
	}

	// Expired or deleted sessions drop their channels and in-flight work.
	sessions.OnRemoved(func(sess *Session, reason error) {
		pending.CancelForSession(sess.ID, reason)
		proxy.CloseWebSocketsForSession(sess.ID)
		if ch := conns.Developer(sess.ID); ch != nil {
			conns.UnregisterDeveloper(sess.ID, ch)
			ch.Close(closeReasonFor(reason))
		}
		if ch := conns.PM(sess.ID); ch != nil {
			conns.UnregisterPM(sess.ID, ch)
			ch.Close(closeReasonFor(reason))
		}
	})

	pending.OnTimeout = func(id string, err error) {
		logger.Debug("request timed out", "request", id)
	}

	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PUT /api/sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws", s.handleControlWS)

	return s, nil
}

func closeReasonFor(reason error) string {
	if errors.Is(reason, ErrSessionExpired) {
		return "session expired"
	}
	return "session closed"
}

// Start launches the background cleanup loop.
func (s *Server) Start(ctx context.Context) {
	s.Sessions.StartCleanup(ctx, s.Config.Tunnel.CleanupInterval)
}

// Shutdown drains in-flight work and closes every control channel.
func (s *Server) Shutdown() {
	s.Pending.Cleanup()
	s.Conns.CloseAll("server shutting down")
}

// ServeHTTP routes ingress ahead of the API mux: tunnel traffic is
// resolved by Host or path prefix first, then session-shaped hosts that
// did not resolve get the 404 page, and everything else falls through.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m, ok := resolveIngress(r, s.Sessions.BaseHost()); ok {
		s.Proxy.ServeTunnel(w, r, m)
		return
	}
	if looksLikeSessionHost(r.Host, s.Sessions.BaseHost()) {
		writeInvalidSessionPage(w)
		return
	}
	// The rate limiter guards the API only; health probes and control
	// channel dials must never be throttled.
	h := http.Handler(s.mux)
	if strings.HasPrefix(r.URL.Path, "/api/") {
		h = s.Limiter.Middleware(h)
	}
	s.withCORS(h).ServeHTTP(w, r)
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeInvalidSessionPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `<!doctype html>
<html>
<head><title>Invalid Session</title></head>
<body>
<h1>Invalid Session ID</h1>
<p>This address does not point at an active tunnel. Check the share link
or ask the developer for a fresh one.</p>
</body>
</html>
`)
}
