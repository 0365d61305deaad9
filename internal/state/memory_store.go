package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps dedup/throttle state in process memory for single-instance mode.
// Params: in-memory maps guarded by one RWMutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	dedup    map[dedupKey]time.Time
	throttle map[string]memoryCounter
}

type dedupKey struct {
	ruleID string
	key    string
}

type memoryCounter struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// Snapshot is a point-in-time copy of memory store contents.
// Params: dedup expiry per "rule/key" and throttle count per rule.
// Returns: comparable state view for tests and previews.
type Snapshot struct {
	Dedup    map[string]time.Time
	Throttle map[string]int
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dedup:    make(map[dedupKey]time.Time),
		throttle: make(map[string]memoryCounter),
	}
}

// Claim inserts dedup entry when absent or expired; live entries keep their TTL.
// Params: rule id, dedup key, current time, and window length.
// Returns: true when the caller owns the new entry.
func (s *MemoryStore) Claim(_ context.Context, ruleID, key string, now time.Time, window time.Duration) (bool, error) {
	id := dedupKey{ruleID: ruleID, key: key}

	s.mu.RLock()
	expiresAt, ok := s.dedup[id]
	s.mu.RUnlock()
	if ok && now.Before(expiresAt) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok = s.dedup[id]
	if ok && now.Before(expiresAt) {
		return false, nil
	}
	s.dedup[id] = now.Add(window)
	return true, nil
}

// Sweep evicts expired dedup entries and closed throttle windows.
// Params: current time.
// Returns: number of removed entries.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, expiresAt := range s.dedup {
		if !now.Before(expiresAt) {
			delete(s.dedup, id)
			removed++
		}
	}
	for ruleID, counter := range s.throttle {
		if !now.Before(counter.windowStart.Add(counter.window)) {
			delete(s.throttle, ruleID)
			removed++
		}
	}
	return removed, nil
}

// Acquire increments rule counter for windowStart while below max.
// Params: rule id, window start, window length, and cap.
// Returns: true when the trigger fits the window.
func (s *MemoryStore) Acquire(_ context.Context, ruleID string, windowStart time.Time, window time.Duration, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.throttle[ruleID]
	if !ok || !counter.windowStart.Equal(windowStart) {
		counter = memoryCounter{windowStart: windowStart, window: window}
	}
	if counter.count >= max {
		s.throttle[ruleID] = counter
		return false, nil
	}
	counter.count++
	s.throttle[ruleID] = counter
	return true, nil
}

// Snapshot copies current state.
// Params: none.
// Returns: state snapshot.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Dedup:    make(map[string]time.Time, len(s.dedup)),
		Throttle: make(map[string]int, len(s.throttle)),
	}
	for id, expiresAt := range s.dedup {
		out.Dedup[id.ruleID+"/"+id.key] = expiresAt
	}
	for ruleID, counter := range s.throttle {
		out.Throttle[ruleID] = counter.count
	}
	return out
}

// Len returns number of stored dedup entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dedup)
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
