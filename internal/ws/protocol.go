package ws

import (
	"encoding/json"
	"fmt"
)

// Frame types for the tunnel control-channel protocol.
const (
	// Server → peer on socket open
	TypeConnected = "connected"

	// Registration handshake
	TypeRegister   = "register"   // peer → server
	TypeRegistered = "registered" // server → peer
	TypeError      = "error"      // server → peer

	// Proxied HTTP traffic
	TypeRequest       = "request"        // server → developer
	TypeResponse      = "response"       // developer → server
	TypeRequestCancel = "request-cancel" // server → developer (best-effort advisory)

	// Heartbeats
	TypePing = "ping"
	TypePong = "pong"

	// Tunneled WebSocket upgrades
	TypeWebSocketConnect = "websocket-connect"
	TypeWebSocketMessage = "websocket-message"
	TypeWebSocketClose   = "websocket-close"

	// P2P signaling (relay is an opaque forwarder; data passes through unchanged)
	TypeP2PInitiate     = "p2p:initiate"
	TypeP2POffer        = "p2p:offer"
	TypeP2PAnswer       = "p2p:answer"
	TypeP2PICECandidate = "p2p:ice-candidate"
	TypeP2PReady        = "p2p:ready"
	TypeP2PFailed       = "p2p:failed"
)

// Channel roles.
const (
	RoleDeveloper = "developer"
	RolePM        = "pm"
)

// Envelope wraps every frame with the fields needed for routing.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Connected is sent by the server immediately after the socket opens.
type Connected struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Register is sent by a peer to bind the channel to a session.
type Register struct {
	Type       string `json:"type"`
	Role       string `json:"role"` // "developer" or "pm"
	SessionID  string `json:"sessionId"`
	TargetPort int    `json:"targetPort,omitempty"` // developer only
	ClientInfo string `json:"clientInfo,omitempty"` // free-form version string
}

// Registered acknowledges a successful registration.
type Registered struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

// ErrorFrame reports a protocol-level error to the peer.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Ping carries the heartbeat. The server sends ping; a peer that misses
// two consecutive heartbeats is closed.
type Ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Header holds HTTP headers as they appear on the wire: lowercased keys,
// values either a single string or a list of strings.
type Header map[string][]string

// MarshalJSON emits single-valued headers as plain strings.
func (h Header) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both string and list-of-strings values.
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Header, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		out[k] = list
	}
	*h = out
	return nil
}

// Get returns the first value for a key, or "".
func (h Header) Get(key string) string {
	if vs := h[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Request is a public HTTP request forwarded to the developer.
type Request struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Method    string `json:"method"`
	URL       string `json:"url"` // path + query
	Headers   Header `json:"headers"`
	Body      string `json:"body,omitempty"`
	IsBase64  bool   `json:"isBase64,omitempty"`
}

// ResponsePayload is the HTTP response produced by the developer's local target.
type ResponsePayload struct {
	StatusCode int    `json:"statusCode"`
	Headers    Header `json:"headers"`
	Body       string `json:"body,omitempty"`
	BodyLength int    `json:"bodyLength"`
	IsBase64   bool   `json:"isBase64,omitempty"`
}

// Response carries the developer's answer (or error) for one request id.
type Response struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	SessionID string           `json:"sessionId"`
	Response  *ResponsePayload `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RequestCancel advises the developer that the public client went away.
type RequestCancel struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// WebSocketConnect opens a tunneled WebSocket connection on the developer side.
type WebSocketConnect struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	URL          string `json:"url"` // path + query of the upgrade request
	Headers      Header `json:"headers"`
}

// WebSocketMessage relays one payload in either direction. Order is
// preserved per connection id.
type WebSocketMessage struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	Data         string `json:"data"`
	IsBase64     bool   `json:"isBase64,omitempty"`
}

// WebSocketClose terminates a tunneled WebSocket connection.
type WebSocketClose struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	SessionID    string `json:"sessionId"`
	Code         int    `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Signal is any p2p:* frame. Data is opaque to the relay; From is
// rewritten to the sender's role before forwarding.
type Signal struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	From      string          `json:"from,omitempty"`
	Role      string          `json:"role,omitempty"`   // p2p:initiate only
	Reason    string          `json:"reason,omitempty"` // p2p:failed only
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsSignal reports whether a frame type is part of the P2P signaling family.
func IsSignal(frameType string) bool {
	switch frameType {
	case TypeP2PInitiate, TypeP2POffer, TypeP2PAnswer, TypeP2PICECandidate, TypeP2PReady, TypeP2PFailed:
		return true
	}
	return false
}
