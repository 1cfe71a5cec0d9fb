package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/turmserr"
)

func TestInsertQueuedRejectsSessionIDCollision(t *testing.T) {
	m := NewMachine(nil, nil)
	if err := m.insertQueued(&Entry{SessionID: "dup", secure: make(chan struct{})}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := m.insertQueued(&Entry{SessionID: "dup", secure: make(chan struct{})})
	if !errors.Is(err, turmserr.ErrSessionIDCollision) {
		t.Fatalf("got %v, want ErrSessionIDCollision", err)
	}
}

func TestAnswerInRejectsWrongSDPType(t *testing.T) {
	m := NewMachine(nil, nil)
	offerShaped := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\no=- 1 2 IN IP4 127.0.0.1\ns=-\n"}
	if _, err := m.AnswerIn(offerShaped); !errors.Is(err, turmserr.ErrIncorrectSDPSemantics) {
		t.Fatalf("got %v, want ErrIncorrectSDPSemantics", err)
	}
}

func TestAnswerInMissingSessionID(t *testing.T) {
	m := NewMachine(nil, nil)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\no=- 999 2 IN IP4 127.0.0.1\ns=-\n"}
	if _, err := m.AnswerIn(answer); !errors.Is(err, turmserr.ErrMissingSessionID) {
		t.Fatalf("got %v, want ErrMissingSessionID", err)
	}
	if m.QueuedCount() != 0 {
		t.Fatalf("a miss must not mutate the queued table")
	}
}

// TestOfferAnswerFlowMovesQueuedEntries drives the offerer and answerer
// machines through CreateOffer / OfferIn / AnswerIn and checks the queued
// table bookkeeping around them. It stops at AnswerIn and does not wait for
// the X3DH handshake to secure the session: once ICE connects, both
// transports' data channels open and race on the same process-wide
// ratchet.KeyStore singleton, exactly as in pkg/peer's equivalent test.
// That convergence is covered race-free by pkg/x3dh's own tests.
func TestOfferAnswerFlowMovesQueuedEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ratchet.ResetForTests()

	offererMachine := NewMachine(nil, nil)
	answererMachine := NewMachine(nil, nil)

	offer, err := offererMachine.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offererMachine.QueuedCount() != 1 {
		t.Fatalf("got %d queued entries after CreateOffer, want 1", offererMachine.QueuedCount())
	}
	defer func() {
		for _, e := range offererMachine.queued {
			e.Transport.Close()
		}
		for _, e := range offererMachine.established {
			e.Transport.Close()
		}
	}()

	answer, err := answererMachine.OfferIn(ctx, offer)
	if err != nil {
		t.Fatalf("OfferIn: %v", err)
	}
	if answererMachine.QueuedCount() != 1 {
		t.Fatalf("got %d queued entries after OfferIn, want 1", answererMachine.QueuedCount())
	}
	defer func() {
		for _, e := range answererMachine.queued {
			e.Transport.Close()
		}
		for _, e := range answererMachine.established {
			e.Transport.Close()
		}
	}()

	offerID, err := SessionID(offer.SDP)
	if err != nil {
		t.Fatalf("SessionID(offer): %v", err)
	}
	answerID, err := SessionID(answer.SDP)
	if err != nil {
		t.Fatalf("SessionID(answer): %v", err)
	}
	if offerID != answerID {
		t.Fatalf("session id mismatch between offer (%q) and answer (%q)", offerID, answerID)
	}

	if _, err := offererMachine.AnswerIn(answer); err != nil {
		t.Fatalf("AnswerIn: %v", err)
	}
	if offererMachine.QueuedCount() != 0 {
		t.Fatalf("expected the queued entry to be removed once AnswerIn succeeds")
	}
}
