package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// ServeRequest forwards one request to the local target and writes the
// response frame back through write. Exposed so alternate transports
// (the P2P data channel) can reuse the relay forwarding path.
func (c *Client) ServeRequest(ctx context.Context, req ws.Request, write WriteFunc) {
	c.handleRequest(ctx, req, write)
}

// handleRequest replays one forwarded request against the local target
// and writes the response frame back through write (relay or data channel).
func (c *Client) handleRequest(ctx context.Context, req ws.Request, write WriteFunc) {
	start := time.Now()
	payload, err := c.forward(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		c.stats.noteRequest(elapsed, false)
		logger.Debug("local forward failed", "request", req.ID, "error", err)
		write(errorResponse(req, err))
		return
	}
	c.stats.noteRequest(elapsed, true)

	if err := write(ws.Response{
		Type:      ws.TypeResponse,
		RequestID: req.ID,
		SessionID: req.SessionID,
		Response:  payload,
	}); err != nil {
		logger.Debug("response send failed", "request", req.ID, "error", err)
	}
}

func (c *Client) forward(ctx context.Context, req ws.Request) (*ws.ResponsePayload, error) {
	var body io.Reader
	if req.Body != "" {
		if req.IsBase64 {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return nil, fmt.Errorf("decode request body: %w", err)
			}
			body = bytes.NewReader(decoded)
		} else {
			body = strings.NewReader(req.Body)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()
	c.trackInflight(req.ID, cancel)
	defer c.untrackInflight(req.ID)

	target := fmt.Sprintf("http://localhost:%d%s", c.TargetPort, req.URL)
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Headers {
		if k == "host" || strings.HasPrefix(k, "x-forwarded-") {
			continue
		}
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	// Local servers expect their own host, not the public one.
	httpReq.Host = fmt.Sprintf("localhost:%d", c.TargetPort)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("local target: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read local response: %w", err)
	}

	headers := make(ws.Header, len(resp.Header))
	for k, vs := range resp.Header {
		headers[strings.ToLower(k)] = append([]string(nil), vs...)
	}

	payload := &ws.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		BodyLength: len(respBody),
	}
	if len(respBody) > 0 {
		if ws.IsBinaryContentType(headers.Get("content-type")) || ws.IsBinaryData(respBody) || !utf8.Valid(respBody) {
			payload.Body = base64.StdEncoding.EncodeToString(respBody)
			payload.IsBase64 = true
		} else {
			payload.Body = string(respBody)
		}
	}
	return payload, nil
}

// errorResponse is the 502 frame sent when the local target fails.
func errorResponse(req ws.Request, cause error) ws.Response {
	body, _ := json.Marshal(map[string]string{
		"error": cause.Error(),
		"code":  "LOCAL_TARGET_ERROR",
	})
	return ws.Response{
		Type:      ws.TypeResponse,
		RequestID: req.ID,
		SessionID: req.SessionID,
		Response: &ws.ResponsePayload{
			StatusCode: http.StatusBadGateway,
			Headers:    ws.Header{"content-type": {"application/json"}},
			Body:       string(body),
			BodyLength: len(body),
		},
	}
}
