package relay

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// Hop-by-hop headers (RFC 7230 §6.1) are stripped in both directions.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Proxy serializes inbound public requests onto the developer's control
// channel and writes the correlated responses back.
type Proxy struct {
	sessions    *SessionRegistry
	conns       *ConnectionRegistry
	pending     *PendingTable
	maxBodySize int64
	timeout     time.Duration
	wsTunnels   *wsTunnelRegistry
	newID       func() string
}

func NewProxy(sessions *SessionRegistry, conns *ConnectionRegistry, pending *PendingTable, maxBodySize int64, timeout time.Duration) *Proxy {
	return &Proxy{
		sessions:    sessions,
		conns:       conns,
		pending:     pending,
		maxBodySize: maxBodySize,
		timeout:     timeout,
		wsTunnels:   newWSTunnelRegistry(),
		newID:       func() string { return uuid.New().String() },
	}
}

// ServeTunnel handles one resolved ingress request end to end.
func (p *Proxy) ServeTunnel(w http.ResponseWriter, r *http.Request, m ingressMatch) {
	session := p.sessions.GetSession(m.SessionID)
	if session == nil {
		// Subdomain visitors are humans following a stale share link;
		// they get the page. The path form stays JSON for API callers.
		if m.ViaHost {
			writeInvalidSessionPage(w)
			return
		}
		writeJSONError(w, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND")
		return
	}
	p.sessions.Touch(m.SessionID)

	if isWebSocketUpgrade(r) {
		p.serveWebSocketTunnel(w, r, m)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBodySize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "INVALID_REQUEST")
		return
	}
	if int64(len(body)) > p.maxBodySize {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "OVERSIZE")
		return
	}

	ch := p.conns.Developer(m.SessionID)
	if ch == nil {
		writeJSONError(w, http.StatusBadGateway, "Tunnel not connected", "DEVELOPER_NOT_CONNECTED")
		return
	}

	frame := p.buildRequestFrame(r, m, body)

	// The entry is pinned to ch so a replacement wave cannot sweep
	// requests already routed to the new channel.
	done, err := p.pending.Add(frame.ID, m.SessionID, ch)
	if err != nil {
		// A colliding uuid means correlation state is corrupt; drop the
		// channel so the developer reconnects with a clean table.
		logger.Error("duplicate request id", "request", frame.ID, "session", m.SessionID)
		ch.Close("duplicate request id")
		writeJSONError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}

	if err := ch.Send(frame); err != nil {
		p.pending.Cancel(frame.ID)
		switch {
		case errors.Is(err, ErrBackpressure):
			writeJSONError(w, http.StatusServiceUnavailable, "tunnel backpressure", "BACKPRESSURE")
		default:
			writeJSONError(w, http.StatusBadGateway, "Tunnel not connected", "DEVELOPER_NOT_CONNECTED")
		}
		return
	}

	select {
	case res := <-done:
		if res.Err != nil {
			p.writeProxyError(w, res.Err)
			return
		}
		writeTunnelResponse(w, res.Payload)
	case <-r.Context().Done():
		// Public client went away: reap the entry and advise the
		// developer; a racing response is dropped by the table.
		if p.pending.Cancel(frame.ID) {
			p.conns.SendToDeveloper(m.SessionID, ws.RequestCancel{
				Type:      ws.TypeRequestCancel,
				RequestID: frame.ID,
				SessionID: m.SessionID,
			})
		}
	}
}

func (p *Proxy) buildRequestFrame(r *http.Request, m ingressMatch, body []byte) ws.Request {
	urlStr := m.Path
	if urlStr == "" {
		urlStr = "/"
	}
	if r.URL.RawQuery != "" {
		urlStr += "?" + r.URL.RawQuery
	}

	headers := make(ws.Header, len(r.Header))
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || lk == "host" {
			continue
		}
		headers[lk] = append([]string(nil), vs...)
	}
	// The developer's forwarder restores host for the local target.
	headers["host"] = []string{stripPort(r.Host)}
	headers["x-forwarded-host"] = []string{r.Host}
	headers["x-forwarded-proto"] = []string{schemeOf(r)}

	frame := ws.Request{
		Type:      ws.TypeRequest,
		ID:        p.newID(),
		SessionID: m.SessionID,
		Method:    r.Method,
		URL:       urlStr,
		Headers:   headers,
	}
	if len(body) > 0 {
		if ws.IsBinaryContentType(headers.Get("content-type")) || !utf8.Valid(body) {
			frame.Body = base64.StdEncoding.EncodeToString(body)
			frame.IsBase64 = true
		} else {
			frame.Body = string(body)
		}
	}
	return frame
}

func (p *Proxy) writeProxyError(w http.ResponseWriter, err error) {
	switch {
	case IsTimeout(err):
		writeJSONError(w, http.StatusGatewayTimeout, "tunnel request timed out", "REQUEST_TIMEOUT")
	case errors.Is(err, ErrDeveloperDisconnected), errors.Is(err, ErrDeveloperReplaced),
		errors.Is(err, ErrNotConnected), errors.Is(err, ErrSessionExpired):
		writeJSONError(w, http.StatusBadGateway, "Tunnel not connected", "DEVELOPER_NOT_CONNECTED")
	case errors.Is(err, ErrBackpressure):
		writeJSONError(w, http.StatusServiceUnavailable, "tunnel backpressure", "BACKPRESSURE")
	case errors.Is(err, ErrCancelled):
		writeJSONError(w, http.StatusBadGateway, "tunnel request cancelled", "DEVELOPER_NOT_CONNECTED")
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error(), "DEVELOPER_NOT_CONNECTED")
	}
}

// HandleResponseFrame completes the pending request a response frame
// correlates to. Unknown ids are dropped with no side effects.
func (p *Proxy) HandleResponseFrame(res ws.Response) {
	if res.Error != "" {
		p.pending.Reject(res.RequestID, errors.New(res.Error))
		return
	}
	if res.Response == nil {
		logger.Debug("response frame without payload", "request", res.RequestID)
		p.pending.Reject(res.RequestID, errors.New("empty response frame"))
		return
	}
	p.pending.Resolve(res.RequestID, res.Response)
}

func writeTunnelResponse(w http.ResponseWriter, payload *ws.ResponsePayload) {
	for k, vs := range payload.Headers {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || lk == "content-length" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(lk, v)
		}
	}

	var body []byte
	if payload.IsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "invalid base64 response body", "DEVELOPER_NOT_CONNECTED")
			return
		}
		body = decoded
	} else {
		body = []byte(payload.Body)
	}

	status := payload.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(body)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
