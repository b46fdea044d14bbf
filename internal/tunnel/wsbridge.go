package tunnel

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// localSocket is one tunneled WebSocket connection to the local target.
// It is registered before the local dial completes so relayed payloads
// that race the dial queue up instead of being dropped.
type localSocket struct {
	connID    string
	sessionID string
	msgs      chan ws.WebSocketMessage
	quit      chan struct{}
	closeOnce sync.Once
}

func (l *localSocket) close() {
	l.closeOnce.Do(func() { close(l.quit) })
}

// localSockets tracks tunneled WebSockets by connection id.
type localSockets struct {
	mu      sync.Mutex
	sockets map[string]*localSocket
}

func newLocalSockets() *localSockets {
	return &localSockets{sockets: make(map[string]*localSocket)}
}

// open registers a socket entry for a connection id and returns it. Must
// run on the control-channel read loop, before any message for the id
// can be dispatched.
func (ls *localSockets) open(connID, sessionID string) *localSocket {
	l := &localSocket{
		connID:    connID,
		sessionID: sessionID,
		msgs:      make(chan ws.WebSocketMessage, 256),
		quit:      make(chan struct{}),
	}
	ls.mu.Lock()
	ls.sockets[connID] = l
	ls.mu.Unlock()
	return l
}

func (ls *localSockets) remove(connID string) *localSocket {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	l := ls.sockets[connID]
	delete(ls.sockets, connID)
	return l
}

func (ls *localSockets) get(connID string) *localSocket {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.sockets[connID]
}

func (ls *localSockets) close(connID string) {
	if l := ls.remove(connID); l != nil {
		l.close()
	}
}

func (ls *localSockets) closeAll() {
	ls.mu.Lock()
	all := make([]*localSocket, 0, len(ls.sockets))
	for _, l := range ls.sockets {
		all = append(all, l)
	}
	ls.sockets = make(map[string]*localSocket)
	ls.mu.Unlock()
	for _, l := range all {
		l.close()
	}
}

// deliver queues a relayed payload for the local socket. Called from the
// control-channel read loop, which preserves per-connection ordering.
func (ls *localSockets) deliver(msg ws.WebSocketMessage) {
	l := ls.get(msg.ConnectionID)
	if l == nil {
		return
	}
	select {
	case l.msgs <- msg:
	case <-l.quit:
	}
}

// runLocalSocket dials the local target for a tunneled WebSocket, drains
// queued payloads into it, and pumps local frames back through the relay
// until either side closes.
func (c *Client) runLocalSocket(ctx context.Context, l *localSocket, msg ws.WebSocketConnect, write WriteFunc) {
	defer func() {
		c.locals.remove(l.connID)
		l.close()
	}()

	target := fmt.Sprintf("ws://localhost:%d%s", c.TargetPort, msg.URL)
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Debug("local websocket dial failed", "connection", l.connID, "error", err)
		write(ws.WebSocketClose{
			Type:         ws.TypeWebSocketClose,
			ConnectionID: l.connID,
			SessionID:    l.sessionID,
			Code:         int(websocket.StatusBadGateway),
			Reason:       "local target unavailable",
		})
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sockCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.quit:
			cancel()
		case <-sockCtx.Done():
		}
	}()

	// Relay to local.
	go func() {
		for {
			select {
			case <-sockCtx.Done():
				return
			case m := <-l.msgs:
				typ := websocket.MessageText
				data := []byte(m.Data)
				if m.IsBase64 {
					decoded, err := base64.StdEncoding.DecodeString(m.Data)
					if err != nil {
						logger.Debug("bad base64 websocket payload", "connection", l.connID)
						continue
					}
					typ = websocket.MessageBinary
					data = decoded
				}
				if err := conn.Write(sockCtx, typ, data); err != nil {
					l.close()
					return
				}
			}
		}
	}()

	// Local to relay.
	for {
		typ, data, err := conn.Read(sockCtx)
		if err != nil {
			write(ws.WebSocketClose{
				Type:         ws.TypeWebSocketClose,
				ConnectionID: l.connID,
				SessionID:    l.sessionID,
			})
			return
		}
		out := ws.WebSocketMessage{
			Type:         ws.TypeWebSocketMessage,
			ConnectionID: l.connID,
			SessionID:    l.sessionID,
		}
		if typ == websocket.MessageBinary {
			out.Data = base64.StdEncoding.EncodeToString(data)
			out.IsBase64 = true
		} else {
			out.Data = string(data)
		}
		if err := write(out); err != nil {
			return
		}
	}
}
