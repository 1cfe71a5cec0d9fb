// Package peer manages one WebRTC connection to a remote Turms peer: SDP
// offer/answer exchange, the "data" channel carrying the X3DH bootstrap and
// the ratchet-encrypted frame traffic that follows it, and send retries.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/padding"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/turmserr"
	"github.com/turms-labs/turms-go/pkg/x3dh"
)

const (
	maxSendAttempts = 4
	// maxFrameSize rejects any inbound data channel message larger than
	// 1 MiB, bounding how much memory a misbehaving peer can force a
	// receiver to allocate decoding a single frame.
	maxFrameSize = 1 << 20

	gatherTimeout = 10 * time.Second
)

// EventHandler receives application events once a Transport's session is
// secure. peerID identifies the remote end, derived from its identity key.
type EventHandler func(peerID string, ev frame.Event)

// Transport owns one peer's RTCPeerConnection and data channel. It is safe
// for concurrent use.
type Transport struct {
	mu sync.Mutex

	role       x3dh.Role
	negotiator *x3dh.Negotiator
	session    *ratchet.Session
	phase      Phase
	peerID     string

	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	onEvent  EventHandler
	onSecure func(peerID string)
}

// NewTransport creates a PeerConnection configured with iceServers and
// wires the role-appropriate X3DH negotiator. Callers get an offerer
// Transport by calling CreateOffer and an answerer Transport by calling
// AcceptOffer.
func NewTransport(iceServers []webrtc.ICEServer, role x3dh.Role, onEvent EventHandler) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: creating peer connection: %w", err)
	}

	t := &Transport{
		role:       role,
		negotiator: x3dh.New(role),
		phase:      PhaseNew,
		pc:         pc,
		onEvent:    onEvent,
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.mu.Lock()
		t.channel = dc
		t.mu.Unlock()
		t.wireChannel(dc)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			t.mu.Lock()
			t.phase = PhaseClosed
			t.mu.Unlock()
		}
	})

	return t, nil
}

// SetOnSecure registers a callback fired once the X3DH handshake completes
// and the transport's phase becomes PhaseSecure. It is invoked at most once,
// outside any internal lock. Used by SignalingMachine to move a peer entry
// from its queued table into established once a peer-id exists for it.
func (t *Transport) SetOnSecure(fn func(peerID string)) {
	t.mu.Lock()
	t.onSecure = fn
	t.mu.Unlock()
}

// CreateOffer creates the local data channel, generates an SDP offer and
// waits for ICE gathering to complete so the returned description carries
// every candidate (trickle-free signaling over the discovery relay).
func (t *Transport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	dc, err := t.pc.CreateDataChannel("data", nil)
	if err != nil {
		t.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("peer: creating data channel: %w", err)
	}
	t.channel = dc
	t.mu.Unlock()
	t.wireChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: creating offer: %w", err)
	}

	desc, err := t.setLocalAndWaitGather(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	t.mu.Lock()
	t.phase = PhaseOffered
	t.mu.Unlock()
	return desc, nil
}

// AcceptOffer applies a remote offer and answers it. The resulting
// description has already finished ICE gathering.
func (t *Transport) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, turmserr.ErrIncorrectSDPSemantics
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: setting remote offer: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: creating answer: %w", err)
	}

	desc, err := t.setLocalAndWaitGather(ctx, answer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	t.mu.Lock()
	t.phase = PhaseAnswered
	t.mu.Unlock()
	return desc, nil
}

// ApplyAnswer completes the offerer side of negotiation by applying the
// remote answer.
func (t *Transport) ApplyAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return turmserr.ErrIncorrectSDPSemantics
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("peer: setting remote answer: %w", err)
	}

	t.mu.Lock()
	t.phase = PhaseNegotiated
	t.mu.Unlock()
	return nil
}

func (t *Transport) setLocalAndWaitGather(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)

	if err := t.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: setting local description: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, gatherTimeout)
	defer cancel()

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("peer: ICE gathering did not complete: %w", ctx.Err())
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("peer: local description missing after gathering")
	}
	return *local, nil
}

// wireChannel attaches the open/message/close handlers shared by both the
// offerer (which creates the channel directly) and the answerer (which
// receives it via OnDataChannel). The closures below capture t itself
// rather than some separate "inner" cell: Go's garbage collector reclaims
// the resulting Transport<->callback cycle without help, unlike the
// reference-counted ownership this handshake was originally modelled on.
func (t *Transport) wireChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.mu.Lock()
		t.phase = PhaseOpen
		t.mu.Unlock()

		hello, err := t.negotiator.Start()
		if err != nil {
			log.Printf("peer: starting x3dh handshake: %v", err)
			return
		}
		if hello == nil {
			// The offerer stays silent here; it replies once the
			// answerer's OTK-bearing identity announcement arrives.
			return
		}
		if err := t.sendCleartext(*hello); err != nil {
			log.Printf("peer: sending x3dh hello: %v", err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) > maxFrameSize {
			log.Printf("peer: dropping oversized frame (%d bytes)", len(msg.Data))
			return
		}
		t.handleMessage(msg.Data)
	})

	dc.OnClose(func() {
		t.mu.Lock()
		t.phase = PhaseClosed
		t.mu.Unlock()
	})
}

func (t *Transport) handleMessage(data []byte) {
	t.mu.Lock()
	secure := t.session != nil
	t.mu.Unlock()

	if !secure {
		t.handleBootstrapMessage(data)
		return
	}

	var env frame.PreKeyMessage
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("peer: malformed encrypted frame: %v", err)
		return
	}

	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	plaintext, err := session.Decrypt(env)
	if err != nil {
		log.Printf("peer: decrypting frame: %v", err)
		return
	}

	ev, err := frame.Decode(padding.Unpad(plaintext))
	if err != nil {
		log.Printf("peer: decoding frame: %v", err)
		return
	}

	t.mu.Lock()
	peerID := t.peerID
	handler := t.onEvent
	t.mu.Unlock()
	if handler != nil {
		handler(peerID, ev)
	}
}

func (t *Transport) handleBootstrapMessage(data []byte) {
	ev, err := frame.Decode(data)
	if err != nil {
		log.Printf("peer: malformed x3dh bootstrap message: %v", err)
		return
	}

	reply, outcome, err := t.negotiator.Receive(ev)
	if err != nil {
		log.Printf("peer: x3dh handshake violation, dropping message: %v", err)
		return
	}

	if reply != nil {
		if err := t.sendCleartext(*reply); err != nil {
			log.Printf("peer: sending x3dh reply: %v", err)
		}
	}

	if outcome != nil {
		t.mu.Lock()
		t.session = outcome.Session
		t.peerID = outcome.PeerID
		t.phase = PhaseSecure
		onSecure := t.onSecure
		t.mu.Unlock()

		if onSecure != nil {
			onSecure(outcome.PeerID)
		}
	}
}

func (t *Transport) sendCleartext(ev frame.Event) error {
	raw, err := frame.Encode(ev)
	if err != nil {
		return err
	}
	return t.sendRaw(raw)
}

// Send encodes and pads ev, encrypts it under the established ratchet
// session and transmits it, retrying up to maxSendAttempts times with linear backoff if
// the underlying channel send fails.
func (t *Transport) Send(ev frame.Event) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session == nil {
		return turmserr.ErrDataChannelNotOpen
	}

	plaintext, err := frame.Encode(ev)
	if err != nil {
		return err
	}

	env, err := session.Encrypt(padding.Pad(plaintext))
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return t.sendRaw(raw)
}

func (t *Transport) sendRaw(raw []byte) error {
	t.mu.Lock()
	dc := t.channel
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return turmserr.ErrDataChannelNotOpen
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 5 * time.Second)
		}
		if err := dc.Send(raw); err != nil {
			lastErr = err
			log.Printf("peer: send attempt %d failed: %v", attempt+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", turmserr.ErrMessageSendFailed, lastErr)
}

// Phase reports the transport's current lifecycle phase.
func (t *Transport) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// PeerID returns the remote peer id once the session is secure, or "" if
// the handshake has not completed yet.
func (t *Transport) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

// SessionPickle serialises the established ratchet session, or fails if
// the handshake has not completed yet.
func (t *Transport) SessionPickle() (string, error) {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session == nil {
		return "", turmserr.ErrDataChannelNotOpen
	}
	return session.Pickle()
}

// Close tears down the peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.phase = PhaseClosed
	t.mu.Unlock()
	return t.pc.Close()
}
