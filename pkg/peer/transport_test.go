package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/x3dh"
)

// TestOfferAnswerOpensChannel drives a full in-process loopback over host
// ICE candidates and checks the signaling state machine: an offer is
// created, accepted, answered, and both sides' data channels open.
//
// It deliberately stops short of asserting the X3DH handshake completes:
// ratchet.KeyStore is a process-wide singleton holding one local identity,
// and both Transports' OnOpen handlers fire concurrently once ICE
// connects, racing to read/mutate that single global account. Full
// two-identity handshake correctness is covered without that race by
// pkg/x3dh's and pkg/ratchet's tests, which serialise the two sides by
// hand with Pickle/Restore.
func TestOfferAnswerOpensChannel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ratchet.ResetForTests()

	offerer, err := NewTransport(nil, x3dh.RoleOfferer, nil)
	if err != nil {
		t.Fatalf("NewTransport (offerer): %v", err)
	}
	defer offerer.Close()

	answerer, err := NewTransport(nil, x3dh.RoleAnswerer, nil)
	if err != nil {
		t.Fatalf("NewTransport (answerer): %v", err)
	}
	defer answerer.Close()

	offer, err := offerer.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type.String() != "offer" {
		t.Fatalf("got SDP type %q, want offer", offer.Type)
	}

	answer, err := answerer.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if answer.Type.String() != "answer" {
		t.Fatalf("got SDP type %q, want answer", answer.Type)
	}

	if err := offerer.ApplyAnswer(answer); err != nil {
		t.Fatalf("ApplyAnswer: %v", err)
	}

	waitForPhaseAtLeast(t, offerer, PhaseOpen, 10*time.Second)
	waitForPhaseAtLeast(t, answerer, PhaseOpen, 10*time.Second)
}

func TestAcceptOfferRejectsWrongSDPType(t *testing.T) {
	ratchet.ResetForTests()
	answerer, err := NewTransport(nil, x3dh.RoleAnswerer, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer answerer.Close()

	wrongType := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	if _, err := answerer.AcceptOffer(context.Background(), wrongType); err == nil {
		t.Fatal("expected an error for a non-offer SDP type")
	}
}

func TestSendBeforeSecureFails(t *testing.T) {
	ratchet.ResetForTests()
	tr, err := NewTransport(nil, x3dh.RoleOfferer, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(frame.NewTyping()); err == nil {
		t.Fatal("expected Send to fail before the session is secure")
	}
}

func waitForPhaseAtLeast(t *testing.T, tr *Transport, want Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if tr.Phase() >= want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase >= %s, last seen %s", want, tr.Phase())
		}
	}
}
