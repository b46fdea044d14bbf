package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

const wsTunnelWriteTimeout = 10 * time.Second

// wsTunnel is one public WebSocket relayed through a developer channel.
type wsTunnel struct {
	connID    string
	sessionID string
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (t *wsTunnel) close(code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		t.conn.Close(code, reason)
	})
}

// wsTunnelRegistry tracks open tunneled WebSockets by connection id.
type wsTunnelRegistry struct {
	mu      sync.RWMutex
	tunnels map[string]*wsTunnel
}

func newWSTunnelRegistry() *wsTunnelRegistry {
	return &wsTunnelRegistry{tunnels: make(map[string]*wsTunnel)}
}

func (r *wsTunnelRegistry) add(t *wsTunnel) {
	r.mu.Lock()
	r.tunnels[t.connID] = t
	r.mu.Unlock()
}

func (r *wsTunnelRegistry) remove(connID string) *wsTunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tunnels[connID]
	delete(r.tunnels, connID)
	return t
}

func (r *wsTunnelRegistry) get(connID string) *wsTunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[connID]
}

func (r *wsTunnelRegistry) removeForSession(sessionID string) []*wsTunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*wsTunnel
	for id, t := range r.tunnels {
		if t.sessionID == sessionID {
			delete(r.tunnels, id)
			out = append(out, t)
		}
	}
	return out
}

// serveWebSocketTunnel accepts a public WebSocket upgrade and relays its
// payloads through the developer channel, ordered per connection id.
func (p *Proxy) serveWebSocketTunnel(w http.ResponseWriter, r *http.Request, m ingressMatch) {
	dev := p.conns.Developer(m.SessionID)
	if dev == nil {
		writeJSONError(w, http.StatusBadGateway, "Tunnel not connected", "DEVELOPER_NOT_CONNECTED")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("tunnel websocket accept failed", "session", m.SessionID, "error", err)
		return
	}
	conn.SetReadLimit(int64(p.maxBodySize))

	urlStr := m.Path
	if r.URL.RawQuery != "" {
		urlStr += "?" + r.URL.RawQuery
	}
	headers := make(ws.Header)
	for k, vs := range r.Header {
		lk := strings.ToLower(k)
		if hopByHopHeaders[lk] || lk == "host" || strings.HasPrefix(lk, "sec-websocket-") {
			continue
		}
		headers[lk] = append([]string(nil), vs...)
	}

	t := &wsTunnel{
		connID:    uuid.New().String(),
		sessionID: m.SessionID,
		conn:      conn,
	}
	p.wsTunnels.add(t)
	defer func() {
		p.wsTunnels.remove(t.connID)
		t.close(websocket.StatusNormalClosure, "")
	}()

	if err := dev.Send(ws.WebSocketConnect{
		Type:         ws.TypeWebSocketConnect,
		ConnectionID: t.connID,
		SessionID:    m.SessionID,
		URL:          urlStr,
		Headers:      headers,
	}); err != nil {
		t.close(websocket.StatusGoingAway, "tunnel unavailable")
		return
	}

	logger.Debug("websocket tunnel opened", "session", m.SessionID, "connection", t.connID)

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			dev.Send(ws.WebSocketClose{
				Type:         ws.TypeWebSocketClose,
				ConnectionID: t.connID,
				SessionID:    m.SessionID,
			})
			return
		}
		msg := ws.WebSocketMessage{
			Type:         ws.TypeWebSocketMessage,
			ConnectionID: t.connID,
			SessionID:    m.SessionID,
		}
		if typ == websocket.MessageBinary {
			msg.Data = base64.StdEncoding.EncodeToString(data)
			msg.IsBase64 = true
		} else {
			msg.Data = string(data)
		}
		if err := dev.Send(msg); err != nil {
			t.close(websocket.StatusGoingAway, "tunnel unavailable")
			return
		}
	}
}

// HandleWebSocketMessage writes a developer-originated payload to the
// public socket. Called from the control-channel read loop, which keeps
// per-connection ordering.
func (p *Proxy) HandleWebSocketMessage(msg ws.WebSocketMessage) {
	t := p.wsTunnels.get(msg.ConnectionID)
	if t == nil {
		logger.Debug("websocket message for unknown connection", "connection", msg.ConnectionID)
		return
	}
	typ := websocket.MessageText
	data := []byte(msg.Data)
	if msg.IsBase64 {
		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			logger.Warn("bad base64 websocket payload", "connection", msg.ConnectionID)
			return
		}
		typ = websocket.MessageBinary
		data = decoded
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsTunnelWriteTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, typ, data); err != nil {
		p.wsTunnels.remove(t.connID)
		t.close(websocket.StatusGoingAway, "write failed")
	}
}

// HandleWebSocketClose closes the public side of a tunneled connection.
func (p *Proxy) HandleWebSocketClose(msg ws.WebSocketClose) {
	t := p.wsTunnels.remove(msg.ConnectionID)
	if t == nil {
		return
	}
	code := websocket.StatusNormalClosure
	if msg.Code != 0 {
		code = websocket.StatusCode(msg.Code)
	}
	t.close(code, msg.Reason)
}

// CloseWebSocketsForSession drops every tunneled WebSocket of a session,
// used when the developer channel goes away.
func (p *Proxy) CloseWebSocketsForSession(sessionID string) {
	for _, t := range p.wsTunnels.removeForSession(sessionID) {
		t.close(websocket.StatusGoingAway, "developer disconnected")
	}
}
