// Package frame implements the JSON wire codec for the tagged-union Event
// type exchanged over a peer data channel. Padding is applied separately,
// by pkg/padding.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flags is a bitset carried by Message and Attachment.
type Flags uint32

const (
	// FlagUrgent marks a message that should be surfaced immediately.
	FlagUrgent Flags = 1 << 0
	// FlagEphemeral marks a message that MUST NOT be persisted.
	FlagEphemeral Flags = 1 << 1
)

// Has reports whether f contains every bit set in mask.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// PreKeyMessage is the first double-ratchet ciphertext an X3DH initiator
// sends, carrying the ratchet's initial DH public key alongside the
// encrypted (empty) payload so the responder can complete its own ratchet
// state. OTKPublic identifies which of the responder's published one-time
// prekeys was consumed to derive the shared secret, mirroring the key id a
// real prekey message carries so the responder can locate the matching
// private half without additional wire state.
type PreKeyMessage struct {
	OTKPublic  []byte `json:"otk_public"`
	Header     []byte `json:"header"`
	Ciphertext []byte `json:"ciphertext"`
}

// X3DH carries the public material exchanged during the key-agreement
// bootstrap. Exactly one of OTK or Prekey must be present.
type X3DH struct {
	PublicKey []byte         `json:"public_key"`
	OTK       []byte         `json:"otk,omitempty"`
	Prekey    *PreKeyMessage `json:"prekey,omitempty"`
}

// Attachment is a binary or referenced file attached to a Message.
type Attachment struct {
	Filename string  `json:"filename"`
	MimeType *string `json:"mime_type,omitempty"`
	URL      *string `json:"url,omitempty"`
	Blob     []byte  `json:"blob,omitempty"`
	Flags    Flags   `json:"flags"`
}

// Message is a chat message exchanged once a session is secure.
type Message struct {
	Author          string       `json:"author"`
	Recipient       string       `json:"recipient"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp"`
	EditedTimestamp time.Time    `json:"edited_timestamp"`
	Reactions       []string     `json:"reactions"`
	Attachments     []Attachment `json:"attachments"`
	Flags           Flags        `json:"flags"`
}

// User carries a peer's self-reported presence/profile data.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Kind enumerates the Event tags.
type Kind string

const (
	KindDHKey   Kind = "DHKey"
	KindMessage Kind = "Message"
	KindTyping  Kind = "Typing"
	KindUser    Kind = "User"
)

// Event is the externally-tagged union sent over a peer data channel. Only
// the field matching Kind is populated.
type Event struct {
	Kind    Kind
	DHKey   *X3DH
	Message *Message
	User    *User
}

// NewDHKey wraps an X3DH payload as an Event.
func NewDHKey(x X3DH) Event { return Event{Kind: KindDHKey, DHKey: &x} }

// NewMessage wraps a Message as an Event.
func NewMessage(m Message) Event { return Event{Kind: KindMessage, Message: &m} }

// NewTyping returns the unit Typing event.
func NewTyping() Event { return Event{Kind: KindTyping} }

// NewUser wraps a User as an Event.
func NewUser(u User) Event { return Event{Kind: KindUser, User: &u} }

// MarshalJSON renders the externally-tagged form: unit variants serialise as
// a bare string, the rest as a single-key object.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTyping:
		return json.Marshal(string(KindTyping))
	case KindDHKey:
		return json.Marshal(map[string]*X3DH{string(KindDHKey): e.DHKey})
	case KindMessage:
		return json.Marshal(map[string]*Message{string(KindMessage): e.Message})
	case KindUser:
		return json.Marshal(map[string]*User{string(KindUser): e.User})
	default:
		return nil, fmt.Errorf("frame: unknown event kind %q", e.Kind)
	}
}

// UnmarshalJSON decodes the externally-tagged form produced by MarshalJSON.
// An unrecognised tag is a decode error, never a panic.
func (e *Event) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString != string(KindTyping) {
			return fmt.Errorf("frame: unknown event tag %q", asString)
		}
		*e = Event{Kind: KindTyping}
		return nil
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("frame: malformed event: %w", err)
	}
	if len(asMap) != 1 {
		return fmt.Errorf("frame: event object must have exactly one tag, got %d", len(asMap))
	}

	for tag, payload := range asMap {
		switch Kind(tag) {
		case KindDHKey:
			var x X3DH
			if err := json.Unmarshal(payload, &x); err != nil {
				return fmt.Errorf("frame: decoding DHKey: %w", err)
			}
			*e = Event{Kind: KindDHKey, DHKey: &x}
		case KindMessage:
			var m Message
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("frame: decoding Message: %w", err)
			}
			*e = Event{Kind: KindMessage, Message: &m}
		case KindUser:
			var u User
			if err := json.Unmarshal(payload, &u); err != nil {
				return fmt.Errorf("frame: decoding User: %w", err)
			}
			*e = Event{Kind: KindUser, User: &u}
		default:
			return fmt.Errorf("frame: unknown event tag %q", tag)
		}
	}
	return nil
}

// Encode serialises an Event to its wire form.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an Event from its wire form, rejecting unknown tags.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}
