package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	Subprotocol = "pulse.realtime.v1"

	TypeConnectionEstablished = "connection_established"
	TypeOnlineUsers           = "online_users"
	TypeMessageNew            = "message_new"
	TypeMessageDeleted        = "message_deleted"
	TypeTyping                = "typing"
	TypeStopTyping            = "stop_typing"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// InboundTypes are the envelope types a client may send.
var InboundTypes = map[string]struct{}{
	TypeTyping:     {},
	TypeStopTyping: {},
	TypePing:       {},
}

// OutboundTypes are the envelope types the server pushes.
var OutboundTypes = map[string]struct{}{
	TypeConnectionEstablished: {},
	TypeOnlineUsers:           {},
	TypeMessageNew:            {},
	TypeMessageDeleted:        {},
	TypeTyping:                {},
	TypeStopTyping:            {},
	TypePong:                  {},
	TypeError:                 {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := InboundTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	return nil
}

// NewEnvelope marshals payload into an envelope. A nil payload is omitted.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	env := Envelope{V: Version, Type: typ, ID: id, TS: ts}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

type ConnectionEstablishedPayload struct {
	UserID string `json:"user_id"`
	ConnID string `json:"conn_id"`
}

type OnlineUsersPayload struct {
	UserIDs []string `json:"user_ids"`
}

// MessagePayload is the single Message shape shared by the HTTP API and
// realtime pushes. ClientMsgID echoes the sender's request token.
type MessagePayload struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ReceiverID  string    `json:"receiver_id"`
	Text        string    `json:"text,omitempty"`
	Image       string    `json:"image,omitempty"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type MessageDeletedPayload struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
}

// TypingRequestPayload is sent by a client for typing and stop_typing.
type TypingRequestPayload struct {
	ReceiverID string `json:"receiver_id"`
}

// TypingPayload is pushed to the receiver for typing and stop_typing.
type TypingPayload struct {
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
