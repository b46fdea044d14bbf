package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// ErrMaxReconnects is returned by Run once MaxReconnectAttempts failures
// accumulate without a successful connection in between.
var ErrMaxReconnects = errors.New("gave up reconnecting to tunnel server")

const (
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 60 * time.Second
	readLimit         = 64 << 20
)

// Client is the developer-side forwarder: it subscribes to a session on
// the tunnel server and replays forwarded requests against a local target.
type Client struct {
	ServerURL  string // e.g. "wss://wingmanux.com/ws"
	SessionID  string
	TargetPort int
	ClientInfo string

	ReconnectInterval    time.Duration // backoff base, default 5s
	MaxReconnectAttempts int           // default 10
	RequestTimeout       time.Duration // per forwarded request, default 30s

	// OnSignal, if set, receives relayed p2p:* frames (the WebRTC peer
	// hooks in here). The write func sends frames back through the relay.
	OnSignal func(ctx context.Context, sig ws.Signal, write WriteFunc)

	// OnStateChange is called on connection state transitions.
	OnStateChange func(state string, err error)

	conn *websocket.Conn
	mu   sync.Mutex

	httpc *http.Client
	stats Stats

	// inflight maps request ids to the cancel funcs of their local HTTP
	// calls, so request-cancel advisories can abort them.
	inflight   map[string]context.CancelFunc
	inflightMu sync.Mutex

	locals *localSockets // tunneled WebSocket connections
}

// WriteFunc sends a frame back to the server over the control channel.
type WriteFunc func(v any) error

// NewClient fills in the default knobs; callers override fields before Run.
func NewClient(serverURL, sessionID string, targetPort int) *Client {
	return &Client{
		ServerURL:            serverURL,
		SessionID:            sessionID,
		TargetPort:           targetPort,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: 10,
		RequestTimeout:       30 * time.Second,
		httpc:                &http.Client{},
		inflight:             make(map[string]context.CancelFunc),
		locals:               newLocalSockets(),
	}
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// Run connects to the tunnel server and serves forwarded requests until
// ctx is cancelled. Reconnects with exponential backoff; returns
// ErrMaxReconnects once MaxReconnectAttempts failures accumulate without
// a successful connection in between.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	backoff := ws.NewBackoff(c.ReconnectInterval, maxReconnectDelay)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}
		c.stats.noteDisconnect(err)
		c.notifyState("disconnected", err)

		if backoff.Attempts() >= c.MaxReconnectAttempts {
			return fmt.Errorf("%w: last error: %v", ErrMaxReconnects, err)
		}
		delay := backoff.Next()
		logger.Info("tunnel disconnected, reconnecting", "error", err, "delay", delay.String())
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		// Compression stays off end to end; see the protocol contract.
		CompressionMode: websocket.CompressionDisabled,
	}
	conn, _, dialErr := websocket.Dial(ctx, c.ServerURL, opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	defer c.locals.closeAll()
	connected = true

	reg := ws.Register{
		Type:       ws.TypeRegister,
		Role:       ws.RoleDeveloper,
		SessionID:  c.SessionID,
		TargetPort: c.TargetPort,
		ClientInfo: c.ClientInfo,
	}
	if err := c.writeJSON(ctx, reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug("bad frame from server", "error", err)
			continue
		}

		switch env.Type {
		case ws.TypeConnected:
			// greeting; registration already sent

		case ws.TypeRegistered:
			var msg ws.Registered
			json.Unmarshal(data, &msg)
			logger.Info("registered with tunnel server", "session", msg.SessionID, "port", c.TargetPort)
			c.notifyState("connected", nil)

		case ws.TypePing:
			var ping ws.Ping
			json.Unmarshal(data, &ping)
			c.writeJSON(ctx, ws.Pong{Type: ws.TypePong, Timestamp: ping.Timestamp})

		case ws.TypePong:
			// reply to our own heartbeat

		case ws.TypeRequest:
			var req ws.Request
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Debug("bad request frame", "error", err)
				continue
			}
			go c.handleRequest(ctx, req, c.relayWrite(ctx))

		case ws.TypeRequestCancel:
			var cancelMsg ws.RequestCancel
			if err := json.Unmarshal(data, &cancelMsg); err != nil {
				continue
			}
			c.cancelInflight(cancelMsg.RequestID)

		case ws.TypeWebSocketConnect:
			var msg ws.WebSocketConnect
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			// Register before the dial so payloads racing it queue up.
			l := c.locals.open(msg.ConnectionID, msg.SessionID)
			go c.runLocalSocket(ctx, l, msg, c.relayWrite(ctx))

		case ws.TypeWebSocketMessage:
			var msg ws.WebSocketMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.locals.deliver(msg)

		case ws.TypeWebSocketClose:
			var msg ws.WebSocketClose
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.locals.close(msg.ConnectionID)

		case ws.TypeError:
			var msg ws.ErrorFrame
			json.Unmarshal(data, &msg)
			c.stats.noteError(errors.New(msg.Error))
			logger.Warn("tunnel server error", "error", msg.Error)

		default:
			if ws.IsSignal(env.Type) {
				var sig ws.Signal
				if err := json.Unmarshal(data, &sig); err != nil {
					continue
				}
				if c.OnSignal != nil {
					go c.OnSignal(ctx, sig, c.relayWrite(ctx))
				}
				continue
			}
			logger.Debug("unknown frame type from server", "type", env.Type)
		}
	}
}

// relayWrite returns a WriteFunc bound to the current connection.
func (c *Client) relayWrite(ctx context.Context) WriteFunc {
	return func(v any) error {
		return c.writeJSON(ctx, v)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := 30 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(ctx, ws.Ping{Type: ws.TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) trackInflight(id string, cancel context.CancelFunc) {
	c.inflightMu.Lock()
	c.inflight[id] = cancel
	c.inflightMu.Unlock()
}

func (c *Client) untrackInflight(id string) {
	c.inflightMu.Lock()
	delete(c.inflight, id)
	c.inflightMu.Unlock()
}

func (c *Client) cancelInflight(id string) {
	c.inflightMu.Lock()
	cancel := c.inflight[id]
	delete(c.inflight, id)
	c.inflightMu.Unlock()
	if cancel != nil {
		cancel()
		logger.Debug("request cancelled by server", "request", id)
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
