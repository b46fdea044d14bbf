package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/glamp/wingman-tunnel/internal/ws"
)

func targetPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse target url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("target port: %v", err)
	}
	return port
}

// collectResponse runs handleRequest and returns the single response frame.
func collectResponse(t *testing.T, c *Client, req ws.Request) ws.Response {
	t.Helper()
	got := make(chan ws.Response, 1)
	c.handleRequest(context.Background(), req, func(v any) error {
		got <- v.(ws.Response)
		return nil
	})
	select {
	case res := <-got:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no response frame written")
		return ws.Response{}
	}
}

func TestHandleRequestSuccess(t *testing.T) {
	var gotMethod, gotURI, gotToken, gotFwdHost, gotHost string
	var gotBody []byte
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotURI = r.URL.RequestURI()
		gotToken = r.Header.Get("X-Token")
		gotFwdHost = r.Header.Get("X-Forwarded-Host")
		gotHost = r.Host
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Server", "local")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer local.Close()

	c := NewClient("ws://unused", "brave-falcon", targetPort(t, local))
	res := collectResponse(t, c, ws.Request{
		Type:      ws.TypeRequest,
		ID:        "req-1",
		SessionID: "brave-falcon",
		Method:    "POST",
		URL:       "/submit?q=1",
		Headers: ws.Header{
			"x-token":          {"abc"},
			"host":             {"brave-falcon.wingman.test"},
			"x-forwarded-host": {"brave-falcon.wingman.test"},
			"content-type":     {"application/json"},
		},
		Body: `{"n":1}`,
	})

	if res.RequestID != "req-1" {
		t.Errorf("requestId = %q", res.RequestID)
	}
	if res.Response == nil || res.Response.StatusCode != http.StatusCreated {
		t.Fatalf("response = %+v", res.Response)
	}
	if res.Response.Headers.Get("x-server") != "local" {
		t.Errorf("headers not lowercased: %v", res.Response.Headers)
	}
	if res.Response.Body != `{"ok":true}` || res.Response.IsBase64 {
		t.Errorf("body = %q isBase64=%v", res.Response.Body, res.Response.IsBase64)
	}
	if res.Response.BodyLength != len(`{"ok":true}`) {
		t.Errorf("bodyLength = %d", res.Response.BodyLength)
	}

	if gotMethod != "POST" || gotURI != "/submit?q=1" {
		t.Errorf("local saw %s %s", gotMethod, gotURI)
	}
	if gotToken != "abc" {
		t.Errorf("application header lost")
	}
	// Tunnel bookkeeping headers stay out of the local request.
	if gotFwdHost != "" {
		t.Errorf("x-forwarded-host leaked to local target")
	}
	if gotHost == "brave-falcon.wingman.test" {
		t.Errorf("public host passed to local target")
	}
	if string(gotBody) != `{"n":1}` {
		t.Errorf("local body = %q", gotBody)
	}

	snap := c.Stats()
	if snap.TotalRequests != 1 || snap.SuccessfulRequests != 1 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestHandleRequestBinaryResponse(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0x00}
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer local.Close()

	c := NewClient("ws://unused", "brave-falcon", targetPort(t, local))
	res := collectResponse(t, c, ws.Request{
		Type: ws.TypeRequest, ID: "req-1", SessionID: "brave-falcon",
		Method: "GET", URL: "/logo.png", Headers: ws.Header{},
	})

	if !res.Response.IsBase64 {
		t.Fatal("binary response not base64-framed")
	}
	decoded, err := base64.StdEncoding.DecodeString(res.Response.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, png) {
		t.Errorf("body = %x, want %x", decoded, png)
	}
	if res.Response.BodyLength != len(png) {
		t.Errorf("bodyLength = %d, want %d", res.Response.BodyLength, len(png))
	}
}

func TestHandleRequestBase64Body(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 0xfe}
	var gotBody []byte
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer local.Close()

	c := NewClient("ws://unused", "brave-falcon", targetPort(t, local))
	collectResponse(t, c, ws.Request{
		Type: ws.TypeRequest, ID: "req-1", SessionID: "brave-falcon",
		Method: "POST", URL: "/upload", Headers: ws.Header{},
		Body:     base64.StdEncoding.EncodeToString(raw),
		IsBase64: true,
	})

	if !bytes.Equal(gotBody, raw) {
		t.Errorf("local body = %x, want %x", gotBody, raw)
	}
}

func TestHandleRequestLocalTargetDown(t *testing.T) {
	// Grab a port that nothing listens on.
	dead := httptest.NewServer(http.NotFoundHandler())
	port := targetPort(t, dead)
	dead.Close()

	c := NewClient("ws://unused", "brave-falcon", port)
	res := collectResponse(t, c, ws.Request{
		Type: ws.TypeRequest, ID: "req-1", SessionID: "brave-falcon",
		Method: "GET", URL: "/", Headers: ws.Header{},
	})

	if res.Response == nil || res.Response.StatusCode != http.StatusBadGateway {
		t.Fatalf("response = %+v", res.Response)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(res.Response.Body), &body); err != nil {
		t.Fatalf("error body not json: %q", res.Response.Body)
	}
	if body.Code != "LOCAL_TARGET_ERROR" {
		t.Errorf("code = %q", body.Code)
	}
	if snap := c.Stats(); snap.FailedRequests != 1 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestCancelInflightAbortsLocalCall(t *testing.T) {
	started := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer local.Close()

	c := NewClient("ws://unused", "brave-falcon", targetPort(t, local))
	got := make(chan ws.Response, 1)
	go c.handleRequest(context.Background(), ws.Request{
		Type: ws.TypeRequest, ID: "req-1", SessionID: "brave-falcon",
		Method: "GET", URL: "/hang", Headers: ws.Header{},
	}, func(v any) error {
		got <- v.(ws.Response)
		return nil
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("local handler never invoked")
	}
	c.cancelInflight("req-1")

	select {
	case res := <-got:
		if res.Response == nil || res.Response.StatusCode != http.StatusBadGateway {
			t.Errorf("cancelled request response = %+v", res.Response)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not abort the local call")
	}
}
