package doubleratchet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ericlagergren/dr"
)

// keyStore implements dr.Store, keeping skipped message keys addressable
// for pickling and reporting dr's post-step state back to State through
// Save, the only hook dr.Session exposes for it.
type keyStore struct {
	mu      sync.Mutex
	keys    map[string][]byte
	pending *dr.State
}

func newKeyStore() *keyStore {
	return &keyStore{keys: make(map[string][]byte)}
}

func skipKey(Nr int, pub dr.PublicKey) string {
	return fmt.Sprintf("%d:%x", Nr, []byte(pub))
}

func (k *keyStore) Save(s *dr.State) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending = s.Clone()
	return nil
}

// drain returns and clears whatever Save most recently recorded.
func (k *keyStore) drain() *dr.State {
	k.mu.Lock()
	defer k.mu.Unlock()
	snap := k.pending
	k.pending = nil
	return snap
}

func (k *keyStore) StoreKey(Nr int, pub dr.PublicKey, key dr.MessageKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) >= maxSkip {
		return errors.New("doubleratchet: too many skipped messages")
	}
	k.keys[skipKey(Nr, pub)] = append([]byte(nil), key...)
	return nil
}

func (k *keyStore) LoadKey(Nr int, pub dr.PublicKey) (dr.MessageKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[skipKey(Nr, pub)]
	if !ok {
		return nil, dr.ErrNotFound
	}
	return key, nil
}

func (k *keyStore) DeleteKey(Nr int, pub dr.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, skipKey(Nr, pub))
	return nil
}

// Pickled is the JSON-serialisable snapshot of a State: dr.State's own
// fields are already exported, so only the skipped-key side table needs
// copying out of the store alongside it.
type Pickled struct {
	Ratchet *dr.State         `json:"ratchet"`
	Skipped map[string][]byte `json:"skipped_msg_keys,omitempty"`
}

// Snapshot captures State as a JSON-serialisable value for pickling.
func (s *State) Snapshot() Pickled {
	s.mu.Lock()
	current := s.current.Clone()
	s.mu.Unlock()

	s.store.mu.Lock()
	skipped := make(map[string][]byte, len(s.store.keys))
	for k, v := range s.store.keys {
		skipped[k] = append([]byte(nil), v...)
	}
	s.store.mu.Unlock()

	return Pickled{Ratchet: current, Skipped: skipped}
}

// Restore rebuilds a State from a Snapshot produced earlier.
func Restore(p Pickled) (*State, error) {
	if p.Ratchet == nil {
		return nil, fmt.Errorf("doubleratchet: pickle missing ratchet state")
	}

	store := newKeyStore()
	for k, v := range p.Skipped {
		store.keys[k] = append([]byte(nil), v...)
	}

	sess, err := dr.Resume(suite, p.Ratchet, dr.WithStore(store))
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: restoring session: %w", err)
	}
	return &State{sess: sess, store: store, current: p.Ratchet}, nil
}
