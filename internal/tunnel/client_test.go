package tunnel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/glamp/wingman-tunnel/internal/config"
	"github.com/glamp/wingman-tunnel/internal/relay"
)

func TestClientGivesUpAfterMaxReconnects(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "brave-falcon", 3000)
	c.ReconnectInterval = time.Millisecond
	c.MaxReconnectAttempts = 2

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrMaxReconnects) {
			t.Errorf("err = %v, want ErrMaxReconnects", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run never gave up")
	}
}

func TestClientStopsOnContextCancel(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", "brave-falcon", 3000)
	c.ReconnectInterval = 50 * time.Millisecond
	c.MaxReconnectAttempts = 1 << 20

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// startRelay brings up a full relay server for end-to-end client tests.
func startRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BaseURL = "http://wingman.test"
	cfg.Tunnel.RequestTimeout = 5 * time.Second
	cfg.Tunnel.P2PSettleDelay = 10 * time.Millisecond
	srv, err := relay.NewServer(cfg)
	if err != nil {
		t.Fatalf("new relay server: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

// runClient connects a client to the relay and waits until it is registered.
func runClient(t *testing.T, ts *httptest.Server, sessionID string, port int) *Client {
	t.Helper()
	c := NewClient("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", sessionID, port)
	connected := make(chan struct{}, 1)
	c.OnStateChange = func(state string, err error) {
		if state == "connected" {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("client never registered")
	}
	return c
}

func TestClientEndToEnd(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Local", "yes")
		io.WriteString(w, "hello from "+r.URL.Path)
	}))
	defer local.Close()

	srv, ts := startRelay(t)
	sess, err := srv.Sessions.CreateSession("dev-1", targetPort(t, local), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	runClient(t, ts, sess.ID, targetPort(t, local))

	resp, err := http.Get(ts.URL + "/tunnel/" + sess.ID + "/greet")
	if err != nil {
		t.Fatalf("tunnel get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if string(body) != "hello from /greet" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("X-Local") != "yes" {
		t.Errorf("local header lost")
	}

	if sess := srv.Sessions.GetSession(sess.ID); sess.Status != relay.StatusActive {
		t.Errorf("session status = %q, want active", sess.Status)
	}
}

func TestClientWebSocketEndToEnd(t *testing.T) {
	// Local target echoes websocket frames and serves plain HTTP otherwise.
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/echo" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, typ, data); err != nil {
				return
			}
		}
	}))
	defer local.Close()

	srv, ts := startRelay(t)
	sess, err := srv.Sessions.CreateSession("dev-1", targetPort(t, local), nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	runClient(t, ts, sess.ID, targetPort(t, local))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pubURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel/" + sess.ID + "/echo"
	conn, _, err := websocket.Dial(ctx, pubURL, nil)
	if err != nil {
		t.Fatalf("dial tunneled websocket: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping over tunnel")); err != nil {
		t.Fatalf("write: %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if typ != websocket.MessageText || string(data) != "ping over tunnel" {
		t.Errorf("echo = %v %q", typ, data)
	}

	// Binary frames survive the base64 leg in both directions.
	bin := []byte{0x00, 0xff, 0x10, 0x80}
	if err := conn.Write(ctx, websocket.MessageBinary, bin); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	typ, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read binary echo: %v", err)
	}
	if typ != websocket.MessageBinary || string(data) != string(bin) {
		t.Errorf("binary echo = %v %x", typ, data)
	}
}
