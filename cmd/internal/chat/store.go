package chat

import (
	"context"
	"sort"
)

// Store persists messages.
type Store interface {
	// Append stores m. When m carries a ClientMsgID already used by the same
	// sender, the earlier message is returned with duplicate set.
	Append(ctx context.Context, m Message) (stored Message, duplicate bool, err error)

	// FindByClientMsgID returns the message a sender stored under a request
	// token, or ErrNotFound.
	FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error)

	Get(ctx context.Context, id string) (Message, error)

	// Conversation returns messages exchanged between a and b in ascending
	// creation order. limit > 0 keeps only the most recent limit messages.
	Conversation(ctx context.Context, a, b string, limit int) ([]Message, error)

	Delete(ctx context.Context, id string) error
}

// SortMessages orders messages by creation time, breaking ties by id.
func SortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

func reverse(ms []Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
