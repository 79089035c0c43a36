package events

import (
	"context"
	"sync"
)

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events[ev.ConversationID] = append(s.events[ev.ConversationID], ev)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, conversationID string, since uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[conversationID]
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context, conversationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.events[conversationID]
	if len(all) == 0 {
		return 0, nil
	}
	return all[len(all)-1].Sequence, nil
}
