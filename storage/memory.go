package storage

import (
	"sort"
	"sync"

	"github.com/opd-ai/chatcore/conversation"
	"github.com/opd-ai/chatcore/message"
)

// MemoryStore is an in-memory Store. It is safe for concurrent use and
// is the default store for tests and short-lived embedders.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Record
	messages      map[string]message.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]conversation.Record),
		messages:      make(map[string]message.Record),
	}
}

func (s *MemoryStore) CommitConversation(rec conversation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Conversation(id string) (conversation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conversations[id]
	if !ok {
		return conversation.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Conversations() ([]conversation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conversation.Record, 0, len(s.conversations))
	for _, rec := range s.conversations {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CommitMessage(rec message.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Message(id string) (message.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[id]
	if !ok {
		return message.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Messages(conversationID string, filter MessageFilter) ([]message.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []message.Record
	for _, rec := range s.messages {
		if rec.ConversationID != conversationID {
			continue
		}
		if filter.UnreadOnly && !rec.Unread {
			continue
		}
		if !filter.ReceivedNoLaterThan.IsZero() && rec.ReceivedAt.After(filter.ReceivedNoLaterThan) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *MemoryStore) UnreadCount(conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.messages {
		if rec.ConversationID == conversationID && rec.Unread {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RemoveMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) RemoveAllMessages(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.messages {
		if rec.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
