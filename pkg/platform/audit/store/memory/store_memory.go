package memory

import (
	"context"
	"sync"

	id "crvs/pkg/domain"
	audit "crvs/pkg/platform/audit"
)

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.EventID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.EventID][]audit.Event)}
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.EventID] = append(s.events[event.EventID], event)
	return nil
}

// ListByEvent returns the trail of one event in append order.
func (s *InMemoryStore) ListByEvent(_ context.Context, eventID id.EventID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[eventID]...), nil
}
