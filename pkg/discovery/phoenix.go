package discovery

import (
	"encoding/json"
	"strconv"
)

// phoenixEvent enumerates the subset of Phoenix channel events Turms uses.
type phoenixEvent string

const (
	eventJoin            phoenixEvent = "phx_join"
	eventHeartbeat       phoenixEvent = "heartbeat"
	eventPendingMessages phoenixEvent = "pending_messages"
)

// phoenixFrame is the wire shape of a Phoenix channel message:
// {topic, event, payload, ref}. Heartbeats travel on the reserved
// "phoenix" topic; every other outbound frame uses an empty topic, matching
// how the lobby channel is addressed once joined.
type phoenixFrame struct {
	Topic   string          `json:"topic"`
	Event   phoenixEvent    `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

func newFrame(event phoenixEvent, payload any, ref uint64) (phoenixFrame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return phoenixFrame{}, err
	}

	topic := ""
	if event == eventHeartbeat {
		topic = "phoenix"
	}

	return phoenixFrame{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     strconv.FormatUint(ref, 10),
	}, nil
}

func (f phoenixFrame) encode() ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(raw []byte) (phoenixFrame, error) {
	var f phoenixFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}

// authRequest is the body POSTed to the auth endpoint to obtain a JWT.
type authRequest struct {
	Vanity   string  `json:"vanity"`
	Password *string `json:"password,omitempty"`
}

type authStatus string

const (
	authStatusSuccess authStatus = "success"
	authStatusError   authStatus = "error"
)

// authResponse is the JSON body the auth endpoint replies with.
type authResponse struct {
	Status authStatus `json:"status"`
	Data   string     `json:"data"`
	Error  *string    `json:"error,omitempty"`
}
