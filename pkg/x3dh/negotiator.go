// Package x3dh drives the key-agreement handshake that turns a freshly
// opened, still-cleartext data channel into one backed by an established
// double ratchet session. It owns the DHKey event exchange and peer-id
// derivation; the ratchet math itself lives in pkg/ratchet.
package x3dh

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/turmserr"
)

// Role distinguishes which side of a peer connection this negotiator is
// driving. The answerer publishes an OTK first; the offerer consumes it.
type Role int

const (
	// RoleOfferer created the WebRTC offer. It stays silent when the
	// channel opens and replies to the answerer's OTK-bearing announcement
	// with a Prekey message.
	RoleOfferer Role = iota
	// RoleAnswerer accepted the offer and speaks first once the channel
	// opens, announcing its identity key plus a fresh OTK.
	RoleAnswerer
)

// Outcome is returned once the handshake completes: a peer id derived from
// the remote's identity key, and an established ratchet session ready for
// ordinary message traffic.
type Outcome struct {
	PeerID  string
	Session *ratchet.Session
}

// Negotiator drives one peer's X3DH bootstrap across the small number of
// DHKey events the handshake needs. Start returns the event to transmit
// when the channel opens (or nil if this side does not speak first);
// Receive processes an inbound DHKey event and returns a non-nil Outcome
// once the session is established.
type Negotiator struct {
	role Role

	localIdentity []byte
}

// New creates a Negotiator for the given role. The local identity key is
// fetched from the process-wide KeyStore lazily, by Start, so construction
// never fails even before an account exists.
func New(role Role) *Negotiator {
	return &Negotiator{role: role}
}

// Start returns the first event this side must send to kick off the
// handshake, or nil if this side has nothing to send yet. Only the
// answerer speaks first, announcing its identity key plus a fresh one-time
// prekey; the offerer stays silent until that message arrives, so for the
// offerer Start only caches the identity key for later use.
func (n *Negotiator) Start() (*frame.Event, error) {
	identity, err := ratchet.IdentityPublic()
	if err != nil {
		return nil, err
	}
	n.localIdentity = identity

	if n.role == RoleOfferer {
		return nil, nil
	}

	if err := ratchet.GenerateOneTimeKeys(1); err != nil {
		return nil, err
	}
	otk, err := ratchet.TakeOneOneTimeKey()
	if err != nil {
		return nil, err
	}
	if err := ratchet.MarkKeysAsPublished(); err != nil {
		return nil, err
	}

	ev := frame.NewDHKey(frame.X3DH{PublicKey: identity, OTK: otk})
	return &ev, nil
}

// Receive processes an inbound DHKey event.
//
// A well-formed DHKey event carries the sender's identity key plus exactly
// one of an OTK (answerer to offerer) or a Prekey (offerer to answerer).
// Carrying both or neither is a protocol violation.
//
// Receive returns (event, outcome, nil) on the offerer, whose reply must be
// sent and whose session is then established, (nil, outcome, nil) on the
// answerer once its session is established, or a turmserr.X3DHViolation
// when the message is shaped wrong for this role — callers log and drop
// such messages rather than tearing down the connection.
func (n *Negotiator) Receive(ev frame.Event) (*frame.Event, *Outcome, error) {
	if ev.Kind != frame.KindDHKey {
		return nil, nil, fmt.Errorf("x3dh: expected a DHKey event, got %q", ev.Kind)
	}
	x := ev.DHKey

	hasOTK := len(x.OTK) > 0
	hasPrekey := x.Prekey != nil
	if hasOTK && hasPrekey {
		return nil, nil, &turmserr.X3DHViolation{HasOTK: true, HasPrekey: true}
	}

	switch n.role {
	case RoleOfferer:
		if hasPrekey {
			return nil, nil, &turmserr.X3DHViolation{HasPrekey: true}
		}
		if !hasOTK {
			return nil, nil, &turmserr.X3DHViolation{}
		}
		sess, env, err := ratchet.CreateOutboundSession(x.PublicKey, x.OTK)
		if err != nil {
			return nil, nil, err
		}
		reply := frame.NewDHKey(frame.X3DH{PublicKey: n.localIdentity, Prekey: &env})
		return &reply, &Outcome{PeerID: derivePeerID(x.PublicKey), Session: sess}, nil

	case RoleAnswerer:
		if hasOTK {
			return nil, nil, &turmserr.X3DHViolation{HasOTK: true}
		}
		if !hasPrekey {
			return nil, nil, &turmserr.X3DHViolation{}
		}
		sess, err := ratchet.CreateInboundSession(x.PublicKey, *x.Prekey)
		if err != nil {
			return nil, nil, err
		}
		return nil, &Outcome{PeerID: derivePeerID(x.PublicKey), Session: sess}, nil
	}

	return nil, nil, fmt.Errorf("x3dh: unknown role %d", n.role)
}

// derivePeerID hashes a remote Curve25519 identity public key with BLAKE3
// and hex-encodes the first 16 bytes, giving a short, stable peer
// identifier that does not require a central allocator.
func derivePeerID(identityPublic []byte) string {
	sum := blake3.Sum256(identityPublic)
	return hex.EncodeToString(sum[:16])
}
