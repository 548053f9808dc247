package chat

import (
	"time"

	v1 "pulse/shared/contracts/realtime/v1"
)

// MaxTextRunes bounds the text of a single message.
const MaxTextRunes = 4000

// MaxClientMsgIDLen bounds the client request token.
const MaxClientMsgIDLen = 64

// Message is a persisted chat message. Records are immutable once stored;
// the only mutation is deletion.
type Message struct {
	ID          string    `json:"id" bson:"_id"`
	SenderID    string    `json:"sender_id" bson:"sender_id"`
	ReceiverID  string    `json:"receiver_id" bson:"receiver_id"`
	Text        string    `json:"text" bson:"text"`
	Image       string    `json:"image,omitempty" bson:"image,omitempty"`
	ClientMsgID string    `json:"client_msg_id,omitempty" bson:"client_msg_id,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Payload converts m to its realtime wire form.
func (m Message) Payload() v1.MessagePayload {
	return v1.MessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Text:        m.Text,
		Image:       m.Image,
		ClientMsgID: m.ClientMsgID,
		CreatedAt:   m.CreatedAt,
	}
}

// Involves reports whether userID is the sender or the receiver of m.
func (m Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}
