// Package ratchet exposes the spec-facing long-term identity account
// (KeyStore) and the per-peer RatchetSession wrapper. The heavy lifting —
// the actual double ratchet math — lives in internal/doubleratchet; this
// package is the thin, spec-shaped API described in §4.3 and §4.4.
package ratchet

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// otkEntry is one one-time prekey held by an Account.
type otkEntry struct {
	priv, pub [32]byte
	published bool
	consumed  bool
}

// Account is the process-wide long-term identity: a Curve25519 keypair plus
// a pool of one-time prekeys. It is mutated only through KeyStore, which
// owns the mutex.
type Account struct {
	identityPriv [32]byte
	identityPub  [32]byte

	nextOTKID uint32
	otks      map[uint32]*otkEntry
	unpub     []uint32 // ids generated since the last MarkKeysAsPublished
}

// NewAccount generates a fresh identity keypair and an empty OTK pool.
func NewAccount() (*Account, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)

	return &Account{
		identityPriv: priv,
		identityPub:  pub,
		otks:         make(map[uint32]*otkEntry),
	}, nil
}

// identityPublic returns the account's long-term Curve25519 public key.
func (a *Account) identityPublic() [32]byte { return a.identityPub }

// generateOneTimeKeys appends n fresh one-time prekeys to the pool.
func (a *Account) generateOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		var priv [32]byte
		if _, err := rand.Read(priv[:]); err != nil {
			return err
		}
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &priv)

		id := a.nextOTKID
		a.nextOTKID++
		a.otks[id] = &otkEntry{priv: priv, pub: pub}
		a.unpub = append(a.unpub, id)
	}
	return nil
}

// takeOneOneTimeKey returns the public half of the most recently generated,
// not-yet-offered one-time key. It does not remove the key from the pool —
// the private half is only discarded when a peer actually consumes it via
// consumeOneTimeKey.
func (a *Account) takeOneOneTimeKey() ([32]byte, bool) {
	if len(a.unpub) == 0 {
		return [32]byte{}, false
	}
	id := a.unpub[len(a.unpub)-1]
	return a.otks[id].pub, true
}

// markKeysAsPublished commits every key generated since the last call as
// published, so a later GenerateOneTimeKeys(0)/TakeOneOneTimeKey cycle will
// not re-offer it.
func (a *Account) markKeysAsPublished() {
	for _, id := range a.unpub {
		a.otks[id].published = true
	}
	a.unpub = a.unpub[:0]
}

// consumeOneTimeKey finds the OTK matching pub, marks it consumed and
// returns its private half. Returns ok=false if no such key exists or it
// was already consumed, which the caller treats as a protocol violation.
func (a *Account) consumeOneTimeKey(pub [32]byte) ([32]byte, bool) {
	for _, entry := range a.otks {
		if entry.pub == pub {
			if entry.consumed {
				return [32]byte{}, false
			}
			entry.consumed = true
			return entry.priv, true
		}
	}
	return [32]byte{}, false
}

// accountSnapshot is the JSON-serialisable pickle of an Account.
type accountSnapshot struct {
	IdentityPriv [32]byte              `json:"identity_priv"`
	IdentityPub  [32]byte              `json:"identity_pub"`
	NextOTKID    uint32                `json:"next_otk_id"`
	Unpub        []uint32              `json:"unpublished"`
	OTKs         map[uint32]otkSnap    `json:"one_time_keys"`
}

type otkSnap struct {
	Priv      [32]byte `json:"priv"`
	Pub       [32]byte `json:"pub"`
	Published bool     `json:"published"`
	Consumed  bool     `json:"consumed"`
}

func (a *Account) snapshot() accountSnapshot {
	otks := make(map[uint32]otkSnap, len(a.otks))
	for id, e := range a.otks {
		otks[id] = otkSnap{Priv: e.priv, Pub: e.pub, Published: e.published, Consumed: e.consumed}
	}
	unpub := append([]uint32(nil), a.unpub...)
	return accountSnapshot{
		IdentityPriv: a.identityPriv,
		IdentityPub:  a.identityPub,
		NextOTKID:    a.nextOTKID,
		Unpub:        unpub,
		OTKs:         otks,
	}
}

func accountFromSnapshot(s accountSnapshot) *Account {
	otks := make(map[uint32]*otkEntry, len(s.OTKs))
	for id, e := range s.OTKs {
		otks[id] = &otkEntry{priv: e.Priv, pub: e.Pub, published: e.Published, consumed: e.Consumed}
	}
	return &Account{
		identityPriv: s.IdentityPriv,
		identityPub:  s.IdentityPub,
		nextOTKID:    s.NextOTKID,
		unpub:        append([]uint32(nil), s.Unpub...),
		otks:         otks,
	}
}

