// Package doubleratchet adapts github.com/ericlagergren/dr, a standalone
// Double Ratchet implementation, to the X3DH bootstrap and pickling shape
// pkg/ratchet needs. The X25519 DH ratchet, the root/chain KDFs and the
// XChaCha20-Poly1305 sealing are all dr's; this package only supplies the
// X3DH-flavoured constructors (dr's own NewSend/NewRecv hide the resulting
// *dr.State, which pickling needs a handle on) and the snapshot/restore
// pair dr has no room for, since dr.Session keeps its state unexported.
package doubleratchet

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/ericlagergren/dr"
)

// namespace binds derived keys to this application, per dr.DJB's contract.
const namespace = "turms-ratchet-v1"

// maxSkip caps how many skipped message keys keyStore holds at once;
// StoreKey refuses further keys once the cap is reached.
const maxSkip = 1000

var suite = dr.DJB(namespace)

// Header travels alongside a ciphertext so the receiver can detect DH
// ratchet steps and skipped messages.
type Header = dr.Header

// Encode serialises a Header for the wire.
func Encode(h Header) []byte {
	return h.Append(nil)
}

// DecodeHeader parses the wire form produced by Encode.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if err := h.Decode(buf); err != nil {
		return Header{}, fmt.Errorf("doubleratchet: decoding header: %w", err)
	}
	return h, nil
}

// State is one established ratchet session: the dr.Session doing the
// cryptographic work, the skipped-message-key store it reports through,
// and the current dr.State mirror that Snapshot pickles. Access is
// serialised by mu; pkg/ratchet.Session holds its own mutex too, but this
// one protects the mirror/store pair against dr's internal reassignment of
// its session state across a DH ratchet step.
type State struct {
	mu      sync.Mutex
	sess    *dr.Session
	store   *keyStore
	current *dr.State
}

func newState(initial *dr.State) (*State, error) {
	store := newKeyStore()
	sess, err := dr.Resume(suite, initial, dr.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: resuming session: %w", err)
	}
	return &State{sess: sess, store: store, current: initial}, nil
}

// NewInitiator seeds a session for the X3DH initiator: sharedSecret is the
// X3DH-derived root key and peerPublic is the one-time prekey the
// responder published, which becomes the initiator's first DH ratchet
// target (dr's NewSend, inlined here so the resulting *dr.State stays in
// our hands instead of buried inside an unexported dr.Session field).
func NewInitiator(sharedSecret []byte, peerPublic [32]byte) (*State, error) {
	priv, err := suite.Generate(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: generating ratchet keypair: %w", err)
	}
	peer := dr.PublicKey(append([]byte(nil), peerPublic[:]...))
	dhOut, err := suite.DH(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: initial dh: %w", err)
	}
	rk, ck := suite.KDFrk(dr.RootKey(sharedSecret), dhOut)
	return newState(&dr.State{DHs: priv, DHr: peer, RK: rk, CKs: ck})
}

// NewResponder seeds a session for the X3DH responder: sharedSecret is the
// same X3DH-derived root key and priv/pub is the one-time prekey keypair
// the initiator consumed, which becomes the responder's own initial DH
// ratchet keypair (dr's NewRecv, inlined for the same reason as above).
func NewResponder(sharedSecret []byte, priv, pub [32]byte) (*State, error) {
	keyPair := dr.PrivateKey(append(append([]byte(nil), priv[:]...), pub[:]...))
	return newState(&dr.State{DHs: keyPair, RK: dr.RootKey(sharedSecret)})
}

// Encrypt advances the sending chain by one step and seals plaintext.
func (s *State) Encrypt(plaintext []byte) (Header, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.sess.Seal(plaintext, nil)
	// Seal mutates s.current in place (dr.Resume keeps the pointer we
	// handed it), so the Save callback it triggers along the way only
	// ever reports a stale, pre-increment copy. Drain and discard it.
	s.store.drain()
	if err != nil {
		return Header{}, nil, err
	}
	return msg.Header, msg.Ciphertext, nil
}

// Decrypt opens a ciphertext given its header, performing a DH ratchet
// step and/or deriving skipped message keys as needed.
func (s *State) Decrypt(h Header, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pt, err := s.sess.Open(dr.Message{Header: h, Ciphertext: ciphertext}, nil)
	// Unlike Seal, a ratcheting Open replaces dr.Session's internal state
	// pointer wholesale rather than mutating ours in place, so the fresh
	// state only ever reaches us through the Save callback.
	if snap := s.store.drain(); snap != nil {
		s.current = snap
	}
	return pt, err
}
