package client

import (
	"context"
	"errors"

	v1 "pulse/shared/contracts/realtime/v1"
)

// Chat runs the optimistic send flow against a server.
type Chat struct {
	API           *API
	Conversations *Conversations
}

// NewChat pairs an authenticated API with the state of its user.
func NewChat(api *API, conv *Conversations) (*Chat, error) {
	if api == nil || conv == nil {
		return nil, errors.New("client: chat needs an api and conversations")
	}
	return &Chat{API: api, Conversations: conv}, nil
}

// Send inserts a placeholder, persists it and reconciles the response.
// On error the placeholder is left in the list marked failed.
func (c *Chat) Send(ctx context.Context, peerID, text, image string) (Entry, error) {
	p, err := c.Conversations.BeginSend(peerID, text, image)
	if err != nil {
		return Entry{}, err
	}
	return c.persist(ctx, p)
}

// Resend retries a failed placeholder as a new send.
func (c *Chat) Resend(ctx context.Context, tempID string) (Entry, error) {
	p, err := c.Conversations.Resend(tempID)
	if err != nil {
		return Entry{}, err
	}
	return c.persist(ctx, p)
}

func (c *Chat) persist(ctx context.Context, p Entry) (Entry, error) {
	m, err := c.API.Send(ctx, p.Message.ReceiverID, SendRequest{
		Text:        p.Message.Text,
		Image:       p.Message.Image,
		ClientMsgID: p.Message.ClientMsgID,
	})
	if err != nil {
		c.Conversations.FailSend(p.Message.ID)
		p.Status = StatusFailed
		return p, err
	}
	c.Conversations.ConfirmSend(p.Message.ID, m)
	return Entry{Message: m, Status: StatusConfirmed}, nil
}

// Load fetches the conversation with peerID and installs it. Call it on
// opening a conversation and after every reconnect; pushes missed while
// offline are not replayed.
func (c *Chat) Load(ctx context.Context, peerID string) ([]Entry, error) {
	mark := c.Conversations.HistoryMark()
	msgs, err := c.API.Conversation(ctx, peerID)
	if err != nil {
		return nil, err
	}
	c.Conversations.ReplaceHistory(peerID, msgs, mark)
	return c.Conversations.Messages(peerID), nil
}

// Delete removes a message the user sent. The local entry is dropped once
// the server accepts; the message_deleted push is then a no-op.
func (c *Chat) Delete(ctx context.Context, id string) error {
	if IsTempID(id) {
		if c.Conversations.Discard(id) {
			return nil
		}
		return ErrUnknownPlaceholder
	}
	if err := c.API.Delete(ctx, id); err != nil {
		return err
	}
	c.Conversations.ApplyDeleted(v1.MessageDeletedPayload{ID: id})
	return nil
}
