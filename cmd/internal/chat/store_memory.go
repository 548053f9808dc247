package chat

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]Message
	byClient map[string]string // sender + "\x00" + client msg id -> message id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]Message),
		byClient: make(map[string]string),
	}
}

func clientKey(senderID, clientMsgID string) string {
	return senderID + "\x00" + clientMsgID
}

func (s *MemoryStore) Append(ctx context.Context, m Message) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ClientMsgID != "" {
		if id, ok := s.byClient[clientKey(m.SenderID, m.ClientMsgID)]; ok {
			return s.byID[id], true, nil
		}
		s.byClient[clientKey(m.SenderID, m.ClientMsgID)] = m.ID
	}
	s.byID[m.ID] = m
	return m, false, nil
}

func (s *MemoryStore) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byClient[clientKey(senderID, clientMsgID)]
	if !ok || clientMsgID == "" {
		return Message{}, notFound("chat.FindByClientMsgID")
	}
	return s.byID[id], nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, notFound("chat.Get")
	}
	return m, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Message, 0, 32)
	for _, m := range s.byID {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	SortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return notFound("chat.Delete")
	}
	delete(s.byID, id)
	if m.ClientMsgID != "" {
		delete(s.byClient, clientKey(m.SenderID, m.ClientMsgID))
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
