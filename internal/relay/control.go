package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

const (
	registerTimeout   = 10 * time.Second
	parseFailureLimit = 5
	// Control frames carry base64 response bodies, so the read limit has
	// to clear maxRequestBytes with base64 overhead.
	controlReadLimit = 64 << 20
)

// handleControlWS runs one control channel: handshake, heartbeats, and
// frame dispatch until the peer goes away.
func (s *Server) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		// Compression stays off; intermediaries have mangled compressed
		// frames before.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("control websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(controlReadLimit)
	defer conn.CloseNow()

	ctx := r.Context()

	greeting, _ := json.Marshal(ws.Connected{Type: ws.TypeConnected, Timestamp: time.Now().UnixMilli()})
	if err := conn.Write(ctx, websocket.MessageText, greeting); err != nil {
		return
	}

	reg, err := s.readRegister(ctx, conn)
	if err != nil {
		logger.Debug("control registration failed", "error", err)
		return
	}

	if s.Sessions.GetSession(reg.SessionID) == nil {
		msg, _ := json.Marshal(ws.ErrorFrame{Type: ws.TypeError, Error: "Session not found"})
		conn.Write(ctx, websocket.MessageText, msg)
		conn.Close(websocket.StatusPolicyViolation, "session not found")
		return
	}

	ch := NewControlChannel(conn, reg.Role, reg.SessionID, s.Config.Tunnel.SendQueueSize)
	switch reg.Role {
	case ws.RoleDeveloper:
		s.Conns.RegisterDeveloper(reg.SessionID, ch)
	case ws.RolePM:
		s.Conns.RegisterPM(reg.SessionID, ch)
	default:
		msg, _ := json.Marshal(ws.ErrorFrame{Type: ws.TypeError, Error: "unknown role"})
		conn.Write(ctx, websocket.MessageText, msg)
		conn.Close(websocket.StatusPolicyViolation, "unknown role")
		return
	}

	defer func() {
		if reg.Role == ws.RoleDeveloper {
			s.Conns.UnregisterDeveloper(reg.SessionID, ch)
			s.Proxy.CloseWebSocketsForSession(reg.SessionID)
		} else {
			s.Conns.UnregisterPM(reg.SessionID, ch)
		}
		ch.Close("peer disconnected")
	}()

	ch.Send(ws.Registered{Type: ws.TypeRegistered, SessionID: reg.SessionID, Role: reg.Role})

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, ch)

	s.readLoop(ctx, ch)
}

// readRegister waits for the register frame that binds the channel.
func (s *Server) readRegister(ctx context.Context, conn *websocket.Conn) (ws.Register, error) {
	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(regCtx)
		if err != nil {
			return ws.Register{}, err
		}
		var reg ws.Register
		if err := json.Unmarshal(data, &reg); err != nil || reg.Type != ws.TypeRegister {
			continue // not registered yet; tolerate stray frames
		}
		return reg, nil
	}
}

// heartbeatLoop pings the peer and closes the channel after two missed
// heartbeats. Any inbound frame counts as liveness.
func (s *Server) heartbeatLoop(ctx context.Context, ch *ControlChannel) {
	interval := s.Config.Tunnel.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.Closed():
			return
		case <-ticker.C:
			if ch.SincePong() > 2*interval {
				logger.Info("heartbeat timeout", "session", ch.SessionID, "role", ch.Role)
				ch.Close("heartbeat timeout")
				return
			}
			ch.Send(ws.Ping{Type: ws.TypePing, Timestamp: time.Now().UnixMilli()})
		}
	}
}

// readLoop dispatches inbound frames until the socket errors. One
// malformed frame is tolerated; repeated ones close the channel.
func (s *Server) readLoop(ctx context.Context, ch *ControlChannel) {
	for {
		_, data, err := ch.conn.Read(ctx)
		if err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			logger.Debug("malformed control frame", "session", ch.SessionID, "error", err)
			if ch.NoteParseFailure(parseFailureLimit) {
				ch.Close("protocol error")
				return
			}
			continue
		}
		ch.ResetParseFailures()
		ch.MarkPong()

		switch env.Type {
		case ws.TypePong:
			// liveness already recorded

		case ws.TypePing:
			ch.Send(ws.Pong{Type: ws.TypePong, Timestamp: time.Now().UnixMilli()})

		case ws.TypeResponse:
			if ch.Role != ws.RoleDeveloper {
				continue
			}
			var res ws.Response
			if err := json.Unmarshal(data, &res); err != nil {
				logger.Debug("bad response frame", "session", ch.SessionID, "error", err)
				continue
			}
			s.Proxy.HandleResponseFrame(res)
			s.Sessions.Touch(ch.SessionID)

		case ws.TypeWebSocketMessage:
			if ch.Role != ws.RoleDeveloper {
				continue
			}
			var msg ws.WebSocketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.Proxy.HandleWebSocketMessage(msg)

		case ws.TypeWebSocketClose:
			if ch.Role != ws.RoleDeveloper {
				continue
			}
			var msg ws.WebSocketClose
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.Proxy.HandleWebSocketClose(msg)

		case ws.TypeRegister:
			// Re-registration on a live channel is a protocol error.
			ch.Send(ws.ErrorFrame{Type: ws.TypeError, Error: "already registered"})

		default:
			if ws.IsSignal(env.Type) {
				s.relaySignal(ch, data)
				continue
			}
			logger.Debug("unknown frame type", "type", env.Type, "session", ch.SessionID)
		}
	}
}

// relaySignal forwards a p2p:* frame to the counterpart channel with
// `from` rewritten to the sender's role. Data passes through unchanged.
func (s *Server) relaySignal(ch *ControlChannel, data []byte) {
	var sig ws.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		logger.Debug("bad signaling frame", "session", ch.SessionID, "error", err)
		return
	}
	sig.SessionID = ch.SessionID
	sig.From = ch.Role

	switch sig.Type {
	case ws.TypeP2PReady:
		if s.Conns.MarkP2PReady(ch.SessionID, ch.Role) {
			logger.Info("p2p established", "session", ch.SessionID)
		}
	case ws.TypeP2PFailed:
		s.Conns.ClearP2P(ch.SessionID)
	}

	var err error
	if ch.Role == ws.RoleDeveloper {
		err = s.Conns.SendToPM(ch.SessionID, sig)
	} else {
		err = s.Conns.SendToDeveloper(ch.SessionID, sig)
	}
	if err != nil {
		logger.Debug("signal relay failed", "session", ch.SessionID, "type", sig.Type, "error", err)
	}
}
