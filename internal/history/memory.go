package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"alertengine/internal/domain"
)

// MemoryStore keeps triggered events in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]domain.TriggeredEvent
}

// NewMemoryStore creates empty in-memory history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]domain.TriggeredEvent)}
}

// Save inserts or replaces triggered event.
func (s *MemoryStore) Save(_ context.Context, te domain.TriggeredEvent) error {
	if te.ID == "" {
		return fmt.Errorf("triggered event id is required")
	}
	copied, err := cloneTriggered(te)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[te.ID] = copied
	s.mu.Unlock()
	return nil
}

// UpdateDelivery merges statuses and appends actions.
// Params: triggered event id, updated statuses, and new actions.
// Returns: domain.ErrNotFound when id is unknown.
func (s *MemoryStore) UpdateDelivery(_ context.Context, id string, statuses []domain.DeliveryStatus, actions []domain.ActionPerformed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	te, ok := s.items[id]
	if !ok {
		return fmt.Errorf("triggered event %s: %w", id, domain.ErrNotFound)
	}
	te.Deliveries = domain.MergeDeliveries(te.Deliveries, statuses)
	te.Actions = append(append([]domain.ActionPerformed(nil), te.Actions...), actions...)
	s.items[id] = te
	return nil
}

// Get returns triggered event by id.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.TriggeredEvent, error) {
	s.mu.RLock()
	te, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return domain.TriggeredEvent{}, fmt.Errorf("triggered event %s: %w", id, domain.ErrNotFound)
	}
	return cloneTriggered(te)
}

// List returns filtered triggered events newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.TriggeredEvent, error) {
	filter = filter.normalized()
	s.mu.RLock()
	matched := make([]domain.TriggeredEvent, 0, len(s.items))
	for _, te := range s.items {
		if filter.matches(te) {
			matched = append(matched, te)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].TriggeredAt.Equal(matched[j].TriggeredAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].TriggeredAt.After(matched[j].TriggeredAt)
	})
	if filter.Offset >= len(matched) {
		return []domain.TriggeredEvent{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close releases memory store.
func (s *MemoryStore) Close() error { return nil }

// cloneTriggered deep-copies event through JSON so callers never alias stored documents.
func cloneTriggered(te domain.TriggeredEvent) (domain.TriggeredEvent, error) {
	body, err := json.Marshal(te)
	if err != nil {
		return domain.TriggeredEvent{}, fmt.Errorf("encode triggered event: %w", err)
	}
	var out domain.TriggeredEvent
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.TriggeredEvent{}, fmt.Errorf("decode triggered event: %w", err)
	}
	return out, nil
}
