// Package signaling maps inbound and outbound SDP session descriptions onto
// peer lifecycle transitions. It owns the queued/established peer tables
// keyed by SDP session-id and, once a handshake secures, by peer-id.
package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/peer"
	"github.com/turms-labs/turms-go/pkg/turmserr"
	"github.com/turms-labs/turms-go/pkg/x3dh"
)

// Entry is one peer under negotiation or already connected. secure is
// closed exactly once, by promote, when the X3DH handshake completes;
// peerID is only safe to read after a receive from secure succeeds.
type Entry struct {
	SessionID string
	Transport *peer.Transport

	secure chan struct{}
	peerID string
}

func newEntry(tr *peer.Transport) *Entry {
	return &Entry{Transport: tr, secure: make(chan struct{})}
}

// Machine is stateless except for its two peer tables. It is safe for
// concurrent use.
type Machine struct {
	mu sync.Mutex

	iceServers []webrtc.ICEServer
	onEvent    peer.EventHandler

	queued      map[string]*Entry
	established map[string]*Entry
}

// NewMachine creates an empty SignalingMachine. iceServers and onEvent are
// forwarded to every PeerTransport the machine creates.
func NewMachine(iceServers []webrtc.ICEServer, onEvent peer.EventHandler) *Machine {
	return &Machine{
		iceServers:  iceServers,
		onEvent:     onEvent,
		queued:      make(map[string]*Entry),
		established: make(map[string]*Entry),
	}
}

// CreateOffer starts an outbound session: a new PeerTransport is created,
// an offer is generated, and the resulting entry is stored in the queued
// table keyed by the offer's session-id.
func (m *Machine) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	tr, err := peer.NewTransport(m.iceServers, x3dh.RoleOfferer, m.onEvent)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	entry := newEntry(tr)
	tr.SetOnSecure(func(peerID string) { m.promote(entry, peerID) })

	offer, err := tr.CreateOffer(ctx)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	sessionID, err := SessionID(offer.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: %w", err)
	}
	entry.SessionID = sessionID

	if err := m.insertQueued(entry); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// OfferIn processes an inbound offer: a new PeerTransport is created,
// answers the offer, and the entry is stored in the queued table keyed by
// the answer's session-id (identical to the offer's, per the SDP o= line
// convention both sides share).
func (m *Machine) OfferIn(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, turmserr.ErrIncorrectSDPSemantics
	}

	tr, err := peer.NewTransport(m.iceServers, x3dh.RoleAnswerer, m.onEvent)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	entry := newEntry(tr)
	tr.SetOnSecure(func(peerID string) { m.promote(entry, peerID) })

	answer, err := tr.AcceptOffer(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	sessionID, err := SessionID(answer.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("signaling: %w", err)
	}
	entry.SessionID = sessionID

	if err := m.insertQueued(entry); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AnswerIn completes an outbound session: the session-id is extracted from
// the answer, the matching queued entry is looked up, and the remote
// description is applied. A miss is MissingSessionId; a failed apply leaves
// the entry queued. On success the entry leaves the queued table
// immediately and is returned so the caller can wait for it to secure (see
// WaitSecure); it re-appears in the established table once the X3DH
// handshake completes (see promote).
func (m *Machine) AnswerIn(answer webrtc.SessionDescription) (*Entry, error) {
	if answer.Type != webrtc.SDPTypeAnswer {
		return nil, turmserr.ErrIncorrectSDPSemantics
	}

	sessionID, err := SessionID(answer.SDP)
	if err != nil {
		return nil, fmt.Errorf("signaling: %w", err)
	}

	m.mu.Lock()
	entry, ok := m.queued[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, turmserr.ErrMissingSessionID
	}

	if err := entry.Transport.ApplyAnswer(answer); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.queued, sessionID)
	m.mu.Unlock()
	return entry, nil
}

// WaitSecure blocks until entry's X3DH handshake completes or ctx is done,
// returning the peer-id assigned to it.
func (m *Machine) WaitSecure(ctx context.Context, entry *Entry) (string, error) {
	select {
	case <-entry.secure:
		return entry.peerID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Machine) insertQueued(entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queued[entry.SessionID]; exists {
		return turmserr.ErrSessionIDCollision
	}
	m.queued[entry.SessionID] = entry
	return nil
}

// promote moves an entry out of the queued table, if it is still there, and
// into the established table under its now-known peer-id. It fires from a
// PeerTransport's onSecure hook, so it never runs before the entry has a
// session-id assigned.
func (m *Machine) promote(entry *Entry, peerID string) {
	m.mu.Lock()
	delete(m.queued, entry.SessionID)
	m.established[peerID] = entry
	m.mu.Unlock()

	entry.peerID = peerID
	close(entry.secure)
}

// Lookup returns the established entry for peerID, if any.
func (m *Machine) Lookup(peerID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.established[peerID]
	return entry, ok
}

// QueuedCount and EstablishedCount expose table sizes for diagnostics and
// tests without leaking the underlying maps.
func (m *Machine) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queued)
}

func (m *Machine) EstablishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.established)
}
