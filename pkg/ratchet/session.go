package ratchet

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/turms-labs/turms-go/internal/doubleratchet"
	"github.com/turms-labs/turms-go/pkg/frame"
)

// Session is the spec-facing wrapper around one peer's double ratchet
// state. All access is serialised by mu, which callers must never hold
// across a suspension point (channel send/receive, network I/O).
type Session struct {
	mu    sync.Mutex
	state *doubleratchet.State
}

func newSession(s *doubleratchet.State) *Session {
	return &Session{state: s}
}

// Encrypt seals plaintext under the current sending chain and returns the
// wire-ready PreKeyMessage-shaped envelope (header + ciphertext). OTKPublic
// is left empty; it is only meaningful on the very first message of a
// session, which CreateOutboundSession produces directly.
func (s *Session) Encrypt(plaintext []byte) (frame.PreKeyMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ct, err := s.state.Encrypt(plaintext)
	if err != nil {
		return frame.PreKeyMessage{}, err
	}
	return frame.PreKeyMessage{Header: doubleratchet.Encode(h), Ciphertext: ct}, nil
}

// Decrypt opens an envelope produced by the peer's Encrypt.
func (s *Session) Decrypt(env frame.PreKeyMessage) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := doubleratchet.DecodeHeader(env.Header)
	if err != nil {
		return nil, err
	}
	return s.state.Decrypt(h, env.Ciphertext)
}

// Pickle serialises the session state to an opaque, storable string.
func (s *Session) Pickle() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.state.Snapshot())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// UnpickleSession restores a Session from a string produced by Pickle.
func UnpickleSession(pickle string) (*Session, error) {
	raw, err := base64.StdEncoding.DecodeString(pickle)
	if err != nil {
		return nil, err
	}

	var p doubleratchet.Pickled
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	st, err := doubleratchet.Restore(p)
	if err != nil {
		return nil, err
	}
	return newSession(st), nil
}
