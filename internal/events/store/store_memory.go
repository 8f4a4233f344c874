package store

import (
	"context"
	"sort"
	"sync"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
	"crvs/pkg/platform/sentinel"
)

// InMemoryStore keeps action logs in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[id.EventID]*models.Event
	created  map[string]id.EventID
	tracking map[id.TrackingID]id.EventID
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[id.EventID]*models.Event),
		created:  make(map[string]id.EventID),
		tracking: make(map[id.TrackingID]id.EventID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyString(creator(event))
	if _, used := s.created[key]; used {
		return sentinel.ErrAlreadyUsed
	}
	if _, taken := s.tracking[event.TrackingID]; taken {
		return sentinel.ErrConflict
	}
	if _, exists := s.events[event.ID]; exists {
		return sentinel.ErrConflict
	}
	s.events[event.ID] = cloneEvent(event)
	s.created[key] = event.ID
	s.tracking[event.TrackingID] = event.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, eventID id.EventID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneEvent(event), nil
}

func (s *InMemoryStore) FindCreated(_ context.Context, actor id.UserID, transactionID id.TransactionID) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eventID, ok := s.created[keyString(actor, transactionID)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneEvent(s.events[eventID]), nil
}

func (s *InMemoryStore) Append(_ context.Context, eventID id.EventID, expectedVersion int, actions ...models.Action) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if event.Version() != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	next := cloneEvent(event)
	next.Actions = append(next.Actions, actions...)
	if n := len(actions); n > 0 {
		next.UpdatedAt = actions[n-1].CreatedAt
	}
	s.events[eventID] = next
	return cloneEvent(next), nil
}

// ListIDs returns the ids of every event of a type, oldest first.
func (s *InMemoryStore) ListIDs(_ context.Context, eventType string) ([]id.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*models.Event
	for _, e := range s.events {
		if eventType == "" || e.Type == eventType {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	ids := make([]id.EventID, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids, nil
}
