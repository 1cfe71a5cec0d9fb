package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/turms-labs/turms-go/internal/doubleratchet"
	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/turmserr"
)

// KeyStore is the process-wide singleton guarding the long-term Account. It
// is the only thing in this package that touches a mutex directly; Account
// itself has no locking of its own.
type KeyStore struct {
	mu      sync.Mutex
	account *Account
}

var (
	storeOnce sync.Once
	store     *KeyStore
)

func global() *KeyStore {
	storeOnce.Do(func() { store = &KeyStore{} })
	return store
}

func (k *KeyStore) ensure() error {
	if k.account != nil {
		return nil
	}
	a, err := NewAccount()
	if err != nil {
		return err
	}
	k.account = a
	return nil
}

// IdentityPublic returns the long-term Curve25519 identity public key,
// creating a fresh account on first use.
func IdentityPublic() ([]byte, error) {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensure(); err != nil {
		return nil, err
	}
	pub := k.account.identityPublic()
	return pub[:], nil
}

// GenerateOneTimeKeys appends n fresh one-time prekeys to the pool.
func GenerateOneTimeKeys(n int) error {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensure(); err != nil {
		return err
	}
	return k.account.generateOneTimeKeys(n)
}

// TakeOneOneTimeKey returns the public half of a not-yet-offered one-time
// prekey, for embedding in an outbound X3DH advertisement.
func TakeOneOneTimeKey() ([]byte, error) {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensure(); err != nil {
		return nil, err
	}
	pub, ok := k.account.takeOneOneTimeKey()
	if !ok {
		return nil, fmt.Errorf("ratchet: no one-time key available")
	}
	return pub[:], nil
}

// MarkKeysAsPublished commits every one-time key generated since the last
// call as published.
func MarkKeysAsPublished() error {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensure(); err != nil {
		return err
	}
	k.account.markKeysAsPublished()
	return nil
}

// CreateOutboundSession is the initiator side of X3DH: given the remote's
// identity public key and an OTK it published, derive a shared secret, seed
// a fresh double ratchet as its initiator and produce the first envelope to
// send back as the Prekey field of a DHKey event.
func CreateOutboundSession(remotePublic, remoteOTK []byte) (*Session, frame.PreKeyMessage, error) {
	if len(remotePublic) != 32 || len(remoteOTK) != 32 {
		return nil, frame.PreKeyMessage{}, &turmserr.X3DHViolation{HasOTK: len(remoteOTK) == 32}
	}

	k := global()
	k.mu.Lock()
	var identityPriv [32]byte
	if err := k.ensure(); err != nil {
		k.mu.Unlock()
		return nil, frame.PreKeyMessage{}, err
	}
	identityPriv = k.account.identityPriv
	k.mu.Unlock()

	var remotePub, remoteOTKPub [32]byte
	copy(remotePub[:], remotePublic)
	copy(remoteOTKPub[:], remoteOTK)

	dh1 := dhX25519(identityPriv, remotePub)
	dh2 := dhX25519(identityPriv, remoteOTKPub)
	shared := concatSecrets(dh1, dh2)

	state, err := doubleratchet.NewInitiator(shared, remoteOTKPub)
	if err != nil {
		return nil, frame.PreKeyMessage{}, err
	}

	sess := newSession(state)

	h, ct, err := state.Encrypt(nil)
	if err != nil {
		return nil, frame.PreKeyMessage{}, err
	}

	env := frame.PreKeyMessage{
		OTKPublic:  remoteOTK,
		Header:     doubleratchet.Encode(h),
		Ciphertext: ct,
	}
	return sess, env, nil
}

// CreateInboundSession is the responder side of X3DH: given the remote's
// identity public key and the PreKeyMessage it sent, locate the matching
// one-time prekey, derive the same shared secret and validate the envelope
// by decrypting it, returning an established Session.
func CreateInboundSession(remotePublic []byte, env frame.PreKeyMessage) (*Session, error) {
	if len(remotePublic) != 32 || len(env.OTKPublic) != 32 {
		return nil, &turmserr.X3DHViolation{HasPrekey: env.Header != nil}
	}

	k := global()
	k.mu.Lock()
	if err := k.ensure(); err != nil {
		k.mu.Unlock()
		return nil, err
	}

	var otkPub [32]byte
	copy(otkPub[:], env.OTKPublic)

	otkPriv, ok := k.account.consumeOneTimeKey(otkPub)
	if !ok {
		k.mu.Unlock()
		return nil, &turmserr.X3DHViolation{HasOTK: true}
	}
	identityPriv := k.account.identityPriv
	k.mu.Unlock()

	var remotePub [32]byte
	copy(remotePub[:], remotePublic)

	dh1 := dhX25519(identityPriv, remotePub)
	dh2 := dhX25519(otkPriv, remotePub)
	shared := concatSecrets(dh1, dh2)

	state, err := doubleratchet.NewResponder(shared, otkPriv, otkPub)
	if err != nil {
		return nil, err
	}

	h, err := doubleratchet.DecodeHeader(env.Header)
	if err != nil {
		return nil, err
	}
	if _, err := state.Decrypt(h, env.Ciphertext); err != nil {
		return nil, turmserr.ErrRatchetDecrypt
	}

	return newSession(state), nil
}

// Pickle serialises the whole long-term account (identity keys and OTK
// pool) to an opaque, storable string.
func Pickle() (string, error) {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ensure(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(k.account.snapshot())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Restore replaces the process-wide account with one decoded from a string
// produced by Pickle.
func Restore(pickle string) error {
	raw, err := base64.StdEncoding.DecodeString(pickle)
	if err != nil {
		return err
	}
	var snap accountSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return err
	}

	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.account = accountFromSnapshot(snap)
	return nil
}

// ResetForTests discards the process-wide account so the next operation
// starts from a fresh identity. It exists only so package tests can run
// independently of each other's global state; production code has no
// reason to call it.
func ResetForTests() {
	k := global()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.account = nil
}

func dhX25519(priv, pub [32]byte) []byte {
	var out [32]byte
	curve25519.ScalarMult(&out, &priv, &pub)
	return out[:]
}

func concatSecrets(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
