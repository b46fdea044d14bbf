package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UnixMilli(),
		"activeSessions": s.Sessions.Count(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeveloperID string         `json:"developerId"`
		TargetPort  int            `json:"targetPort"`
		Metadata    map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", "INVALID_REQUEST")
		return
	}
	if req.DeveloperID == "" {
		writeJSONError(w, http.StatusBadRequest, "developerId is required", "INVALID_REQUEST")
		return
	}

	sess, err := s.Sessions.CreateSession(req.DeveloperID, req.TargetPort, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			writeJSONError(w, http.StatusBadRequest, err.Error(), "INVALID_PORT")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"session":   sess,
		"tunnelUrl": sess.TunnelURL,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.Sessions.GetSession(r.PathValue("id"))
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   sess,
		"tunnelUrl": sess.TunnelURL,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SessionFilter{
		DeveloperID: q.Get("developerId"),
		Status:      q.Get("status"),
	}
	if port := q.Get("targetPort"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid targetPort", "INVALID_REQUEST")
			return
		}
		filter.TargetPort = p
	}

	sessions := s.Sessions.ListSessions(filter)
	if sessions == nil {
		sessions = []*Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status   string         `json:"status,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON", "INVALID_REQUEST")
		return
	}

	sess, err := s.Sessions.UpdateSession(r.PathValue("id"), SessionPatch{
		Status:   req.Status,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.Sessions.DeleteSession(r.PathValue("id")) {
		writeJSONError(w, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
