package turms

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/turms-labs/turms-go/pkg/config"
	"github.com/turms-labs/turms-go/pkg/frame"
	"github.com/turms-labs/turms-go/pkg/ratchet"
	"github.com/turms-labs/turms-go/pkg/turmserr"
)

func TestFromConfigOfflineHasNoDiscovery(t *testing.T) {
	f, events, err := FromConfig(config.Config{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if events == nil {
		t.Fatal("expected a non-nil event stream")
	}
	if err := f.ConnectDiscovery("alice", nil); err == nil {
		t.Fatal("expected ConnectDiscovery to fail on an offline-configured facade")
	}
}

func TestAcceptRejectsNonOfferAnswerTypes(t *testing.T) {
	f, _, err := FromConfig(config.Config{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: ""}
	if _, err := f.Accept(context.Background(), rollback); !errors.Is(err, turmserr.ErrIncorrectSDPSemantics) {
		t.Fatalf("got %v, want ErrIncorrectSDPSemantics", err)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	f, _, err := FromConfig(config.Config{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if err := f.Send("nonexistent-peer", frame.NewTyping()); err == nil {
		t.Fatal("expected Send to an unknown peer to fail")
	}
}

func TestSaveAndRestoreAccountRoundTrip(t *testing.T) {
	ratchet.ResetForTests()
	f, _, err := FromConfig(config.Config{})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	identityBefore, err := ratchet.IdentityPublic()
	if err != nil {
		t.Fatalf("IdentityPublic: %v", err)
	}

	pickle, err := f.SaveAccount()
	if err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}

	ratchet.ResetForTests()
	if err := f.RestoreAccount(pickle); err != nil {
		t.Fatalf("RestoreAccount: %v", err)
	}

	identityAfter, err := ratchet.IdentityPublic()
	if err != nil {
		t.Fatalf("IdentityPublic after restore: %v", err)
	}
	if string(identityBefore) != string(identityAfter) {
		t.Fatal("restored account identity does not match the saved one")
	}
}
