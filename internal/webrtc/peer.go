package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/glamp/wingman-tunnel/internal/logger"
	"github.com/glamp/wingman-tunnel/internal/ws"
)

// WriteFunc sends a frame over a transport (relay WS or DataChannel).
type WriteFunc func(v any) error

// RequestHandler serves one forwarded request; write delivers the
// response frame on the same transport the request arrived on.
type RequestHandler func(ctx context.Context, req ws.Request, write WriteFunc)

// SDPPayload is the JSON body of p2p:offer / p2p:answer data fields.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICEPayload is the JSON body of p2p:ice-candidate data fields.
type ICEPayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Peer answers WebRTC offers relayed through the tunnel's signaling
// channel and serves request frames over the resulting data channel,
// bypassing the relay for application traffic.
type Peer struct {
	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	sessionID  string
	iceServers []webrtc.ICEServer
	handler    RequestHandler
}

// NewPeer creates a peer for one session. Pass nil ICE servers for
// host-only candidates (same-LAN only).
func NewPeer(sessionID string, iceServers []webrtc.ICEServer, handler RequestHandler) *Peer {
	return &Peer{
		sessionID:  sessionID,
		iceServers: iceServers,
		handler:    handler,
	}
}

// HandleSignal processes one relayed p2p:* frame. relayWrite sends
// signaling back through the control channel.
func (p *Peer) HandleSignal(ctx context.Context, sig ws.Signal, relayWrite WriteFunc) {
	switch sig.Type {
	case ws.TypeP2PInitiate:
		// The PM side creates the offer; nothing to do yet.

	case ws.TypeP2POffer:
		var offer SDPPayload
		if err := json.Unmarshal(sig.Data, &offer); err != nil {
			logger.Debug("bad p2p offer", "session", p.sessionID, "error", err)
			return
		}
		answer, err := p.handleOffer(ctx, offer.SDP)
		if err != nil {
			logger.Warn("p2p offer failed", "session", p.sessionID, "error", err)
			relayWrite(ws.Signal{Type: ws.TypeP2PFailed, SessionID: p.sessionID, Reason: err.Error()})
			return
		}
		data, _ := json.Marshal(SDPPayload{SDP: answer})
		relayWrite(ws.Signal{Type: ws.TypeP2PAnswer, SessionID: p.sessionID, Data: data})

	case ws.TypeP2PICECandidate:
		var ice ICEPayload
		if err := json.Unmarshal(sig.Data, &ice); err != nil {
			return
		}
		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc == nil {
			return
		}
		pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     ice.Candidate,
			SDPMid:        ice.SDPMid,
			SDPMLineIndex: ice.SDPMLineIndex,
		})

	case ws.TypeP2PFailed:
		logger.Info("p2p failed, staying on relay", "session", p.sessionID, "reason", sig.Reason)
		p.Close()

	case ws.TypeP2PReady:
		// Counterpart confirmation; informational.
	}
}

// handleOffer builds the peer connection, answers, and waits for ICE
// gathering so the answer SDP embeds all candidates.
func (p *Peer) handleOffer(ctx context.Context, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	p.mu.Lock()
	if old := p.pc; old != nil {
		old.Close()
	}
	p.pc = pc
	p.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			logger.Info("p2p data channel open", "session", p.sessionID, "label", dc.Label())
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			p.serveDataChannel(ctx, dc, msg.Data)
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("p2p connection state", "session", p.sessionID, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.mu.Lock()
			if p.pc == pc {
				p.pc = nil
			}
			p.mu.Unlock()
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	localDesc := pc.LocalDescription()
	if localDesc == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return localDesc.SDP, nil
}

// serveDataChannel dispatches one frame that arrived on the data channel.
// Only request frames are meaningful; responses go back on the channel.
func (p *Peer) serveDataChannel(ctx context.Context, dc *webrtc.DataChannel, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug("bad data channel frame", "session", p.sessionID, "error", err)
		return
	}
	if env.Type != ws.TypeRequest {
		return
	}
	var req ws.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	write := func(v any) error {
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return dc.SendText(string(out))
	}
	go p.handler(ctx, req, write)
}

// Close tears down the peer connection; traffic falls back to the relay.
func (p *Peer) Close() {
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}
