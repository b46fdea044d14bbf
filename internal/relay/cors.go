package relay

import (
	"net/http"
	"strings"
)

// CORS policy for the API surface: browser-extension origins always,
// localhost origins in development, plus configured extras.

const corsMaxAge = "86400" // 24h

func (s *Server) allowOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	switch {
	case strings.HasPrefix(origin, "chrome-extension://"),
		strings.HasPrefix(origin, "moz-extension://"),
		strings.HasPrefix(origin, "extension://"):
		return true
	}
	if s.Config.IsDevelopment() &&
		(strings.HasPrefix(origin, "http://localhost:") || origin == "http://localhost" ||
			strings.HasPrefix(origin, "http://127.0.0.1:") || origin == "http://127.0.0.1") {
		return true
	}
	for _, allowed := range s.Config.CORS.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.allowOrigin(origin) {
				if r.Method == http.MethodOptions {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", "X-Request-Id, X-Preview-Url")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
