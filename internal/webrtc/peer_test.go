package webrtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/glamp/wingman-tunnel/internal/ws"
)

// TestPeerAnswersOfferAndServesRequests runs the full loopback handshake:
// an offering peer connection (the PM side) opens a data channel, the
// Peer answers through the signaling callback, and a request frame sent
// over the channel comes back answered by the handler.
func TestPeerAnswersOfferAndServesRequests(t *testing.T) {
	peer := NewPeer("brave-falcon", nil, func(ctx context.Context, req ws.Request, write WriteFunc) {
		write(ws.Response{
			Type:      ws.TypeResponse,
			RequestID: req.ID,
			SessionID: req.SessionID,
			Response: &ws.ResponsePayload{
				StatusCode: 200,
				Headers:    ws.Header{"content-type": {"text/plain"}},
				Body:       "served " + req.URL,
				BodyLength: len("served " + req.URL),
			},
		})
	})
	defer peer.Close()

	offerPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("offer pc: %v", err)
	}
	defer offerPC.Close()

	dc, err := offerPC.CreateDataChannel("tunnel", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })
	responses := make(chan ws.Response, 1)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var res ws.Response
		if json.Unmarshal(msg.Data, &res) == nil && res.Type == ws.TypeResponse {
			responses <- res
		}
	})

	offer, err := offerPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(offerPC)
	if err := offerPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	// Feed the offer through the signaling path and collect the answer.
	signals := make(chan ws.Signal, 4)
	relayWrite := func(v any) error {
		signals <- v.(ws.Signal)
		return nil
	}
	offerData, _ := json.Marshal(SDPPayload{SDP: offerPC.LocalDescription().SDP})
	peer.HandleSignal(context.Background(), ws.Signal{
		Type:      ws.TypeP2POffer,
		SessionID: "brave-falcon",
		Data:      offerData,
	}, relayWrite)

	var answerSig ws.Signal
	select {
	case answerSig = <-signals:
	case <-time.After(5 * time.Second):
		t.Fatal("no answer signal produced")
	}
	if answerSig.Type != ws.TypeP2PAnswer {
		t.Fatalf("signal type = %q, want p2p:answer", answerSig.Type)
	}
	var answer SDPPayload
	if err := json.Unmarshal(answerSig.Data, &answer); err != nil || answer.SDP == "" {
		t.Fatalf("answer payload: %v (%s)", err, answerSig.Data)
	}
	if err := offerPC.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answer.SDP,
	}); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("data channel never opened")
	}

	reqFrame, _ := json.Marshal(ws.Request{
		Type: ws.TypeRequest, ID: "req-1", SessionID: "brave-falcon",
		Method: "GET", URL: "/direct", Headers: ws.Header{},
	})
	if err := dc.SendText(string(reqFrame)); err != nil {
		t.Fatalf("send request: %v", err)
	}

	select {
	case res := <-responses:
		if res.RequestID != "req-1" || res.Response == nil || res.Response.Body != "served /direct" {
			t.Errorf("response = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no response over data channel")
	}
}

func TestPeerRejectsUnparseableOffer(t *testing.T) {
	peer := NewPeer("brave-falcon", nil, func(ctx context.Context, req ws.Request, write WriteFunc) {})
	defer peer.Close()

	signals := make(chan ws.Signal, 1)
	peer.HandleSignal(context.Background(), ws.Signal{
		Type:      ws.TypeP2POffer,
		SessionID: "brave-falcon",
		Data:      json.RawMessage(`{"sdp":"not a real sdp"}`),
	}, func(v any) error {
		signals <- v.(ws.Signal)
		return nil
	})

	select {
	case sig := <-signals:
		if sig.Type != ws.TypeP2PFailed {
			t.Errorf("signal = %q, want p2p:failed", sig.Type)
		}
		if sig.Reason == "" {
			t.Error("failed signal carries no reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure signal produced")
	}
}

func TestPeerIgnoresSignalsWithoutConnection(t *testing.T) {
	peer := NewPeer("brave-falcon", nil, func(ctx context.Context, req ws.Request, write WriteFunc) {})
	defer peer.Close()

	relayWrite := func(v any) error {
		t.Errorf("unexpected signal written: %+v", v)
		return nil
	}
	// None of these may panic or emit anything without a live connection.
	peer.HandleSignal(context.Background(), ws.Signal{Type: ws.TypeP2PInitiate}, relayWrite)
	peer.HandleSignal(context.Background(), ws.Signal{Type: ws.TypeP2PReady}, relayWrite)
	peer.HandleSignal(context.Background(), ws.Signal{
		Type: ws.TypeP2PICECandidate,
		Data: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`),
	}, relayWrite)
	peer.HandleSignal(context.Background(), ws.Signal{Type: ws.TypeP2PFailed, Reason: "x"}, relayWrite)
}
