// Package turms composes the discovery client, signaling machine and
// ratchet key store behind one handle: the facade a caller actually embeds.
package turms

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/config"
	"github.com/turms-labs/turms-go/pkg/discovery"
	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/signaling"
	"github.com/turms-labs/turms-go/pkg/turmserr"
)

// eventBufferSize bounds the application event stream. Producers (peer
// transports delivering decrypted frames) block once it fills, applying
// back-pressure rather than dropping traffic.
const eventBufferSize = 64

// EventEnvelope pairs a decrypted application event with the peer-id of
// whichever transport delivered it.
type EventEnvelope struct {
	PeerID string
	Event  frame.Event
}

// ResultKind discriminates the two shapes a call to Accept can return.
type ResultKind int

const (
	// ResultIncomingOffer means the caller handed in an offer and the
	// facade produced an answer to send back.
	ResultIncomingOffer ResultKind = iota
	// ResultCompleted means the caller handed in an answer that closed a
	// handshake the facade had pending; PeerID and RatchetPickle are set.
	ResultCompleted
)

// SessionResult is the outcome of Accept.
type SessionResult struct {
	Kind ResultKind

	// Set when Kind == ResultIncomingOffer.
	Answer *webrtc.SessionDescription

	// Set when Kind == ResultCompleted.
	PeerID        string
	RatchetPickle string
}

// signalEnvelope is the payload shape this facade uses to carry SDP blobs
// over the discovery relay's otherwise opaque Phoenix payload field. The
// wire protocol does not pin this shape; it is a facade-level convention
// both ends of a Turms connection must share.
type signalEnvelope struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// Facade is the composition root: one KeyStore-backed identity, one
// SignalingMachine, and an optional DiscoveryClient when the configuration
// names a relay.
type Facade struct {
	cfg       config.Config
	machine   *signaling.Machine
	discovery *discovery.Client
	events    chan EventEnvelope
}

// FromConfig builds a Facade and its application event stream. A
// configuration with no turms_url produces a Facade with no discovery
// client: peer offers and answers must then be exchanged by the caller out
// of band, and ConnectDiscovery returns an error if called.
func FromConfig(cfg config.Config) (*Facade, <-chan EventEnvelope, error) {
	events := make(chan EventEnvelope, eventBufferSize)
	onEvent := func(peerID string, ev frame.Event) {
		events <- EventEnvelope{PeerID: peerID, Event: ev}
	}

	machine := signaling.NewMachine(iceServersFromConfig(cfg.RTC), onEvent)

	f := &Facade{cfg: cfg, machine: machine, events: events}
	if !cfg.Offline() {
		d, err := discovery.New(cfg.TurmsURL)
		if err != nil {
			return nil, nil, err
		}
		f.discovery = d
	}
	return f, events, nil
}

func iceServersFromConfig(servers []config.IceServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// ConnectDiscovery authenticates to the relay named in the configuration
// and starts pumping inbound signaling payloads into the signaling
// machine. It is an error to call this on an offline-configured Facade.
func (f *Facade) ConnectDiscovery(vanity string, password *string) error {
	if f.discovery == nil {
		return fmt.Errorf("turms: facade has no discovery relay configured (offline mode)")
	}
	if err := f.discovery.Connect(vanity, password); err != nil {
		return err
	}
	go f.pumpDiscovery()
	return nil
}

func (f *Facade) pumpDiscovery() {
	for raw := range f.discovery.Incoming {
		var env signalEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.SDP.SDP == "" {
			continue
		}

		result, err := f.Accept(context.Background(), env.SDP)
		if err != nil {
			log.Printf("turms: accepting relayed session description: %v", err)
			continue
		}
		if result.Kind == ResultIncomingOffer {
			if err := f.discovery.Send(signalEnvelope{SDP: *result.Answer}); err != nil {
				log.Printf("turms: sending relayed answer: %v", err)
			}
		}
	}
}

// CreatePeerOffer starts an outbound peer session and returns the offer to
// hand to the remote end, whether directly or via the discovery relay.
func (f *Facade) CreatePeerOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return f.machine.CreateOffer(ctx)
}

// Accept processes an inbound session description of either SDP type. An
// offer yields ResultIncomingOffer with the answer to send back; an answer
// that completes a pending handshake blocks until the X3DH bootstrap
// secures the session and yields ResultCompleted. Any other SDP type is
// IncorrectSDPSemantics.
func (f *Facade) Accept(ctx context.Context, sdp webrtc.SessionDescription) (SessionResult, error) {
	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		answer, err := f.machine.OfferIn(ctx, sdp)
		if err != nil {
			return SessionResult{}, err
		}
		return SessionResult{Kind: ResultIncomingOffer, Answer: &answer}, nil

	case webrtc.SDPTypeAnswer:
		entry, err := f.machine.AnswerIn(sdp)
		if err != nil {
			return SessionResult{}, err
		}
		peerID, err := f.machine.WaitSecure(ctx, entry)
		if err != nil {
			return SessionResult{}, err
		}
		pickle, err := entry.Transport.SessionPickle()
		if err != nil {
			return SessionResult{}, err
		}
		return SessionResult{Kind: ResultCompleted, PeerID: peerID, RatchetPickle: pickle}, nil

	default:
		return SessionResult{}, turmserr.ErrIncorrectSDPSemantics
	}
}

// Send encrypts and delivers ev to the established peer identified by
// peerID.
func (f *Facade) Send(peerID string, ev frame.Event) error {
	entry, ok := f.machine.Lookup(peerID)
	if !ok {
		return fmt.Errorf("turms: no established session for peer %q", peerID)
	}
	return entry.Transport.Send(ev)
}

// SaveAccount pickles the process-wide identity account.
func (f *Facade) SaveAccount() (string, error) {
	return ratchet.Pickle()
}

// RestoreAccount replaces the process-wide identity account with one
// unpickled from a prior SaveAccount call.
func (f *Facade) RestoreAccount(pickle string) error {
	return ratchet.Restore(pickle)
}

// Close tears down the discovery connection, if any. Peer transports held
// in the signaling tables are not closed and keep running.
func (f *Facade) Close() error {
	if f.discovery == nil {
		return nil
	}
	return f.discovery.Close()
}
