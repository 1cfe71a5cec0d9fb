package frame

import (
	"testing"
	"time"
)

func TestRoundTripDHKey(t *testing.T) {
	want := NewDHKey(X3DH{PublicKey: []byte{1, 2, 3}, OTK: []byte{4, 5, 6}})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Kind != KindDHKey || string(got.DHKey.PublicKey) != string(want.DHKey.PublicKey) {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
}

func TestRoundTripTyping(t *testing.T) {
	data, err := Encode(NewTyping())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `"Typing"` {
		t.Fatalf("Typing did not serialise as a bare string, got %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindTyping {
		t.Fatalf("got kind %q, want Typing", got.Kind)
	}
}

func TestRoundTripMessage(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	want := NewMessage(Message{
		Author:          "alice",
		Recipient:       "bob",
		Content:         "hi",
		Timestamp:       now,
		EditedTimestamp: now,
		Reactions:       []string{"👍"},
		Flags:           FlagUrgent,
	})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Message.Author != "alice" || !got.Message.Flags.Has(FlagUrgent) {
		t.Fatalf("round-trip mismatch: got %+v", got.Message)
	}
}

func TestDecodeUnknownTagIsError(t *testing.T) {
	if _, err := Decode([]byte(`{"Bogus": {}}`)); err == nil {
		t.Fatal("expected a decode error for an unknown tag")
	}
}

func TestDecodeUnknownUnitStringIsError(t *testing.T) {
	if _, err := Decode([]byte(`"Bogus"`)); err == nil {
		t.Fatal("expected a decode error for an unrecognised bare string")
	}
}
