package notify

import (
	"context"
	"sync"

	"alertengine/internal/domain"
)

// PreferenceProvider is read-only access to per-user notification preferences.
// Params: user id.
// Returns: preference, presence flag, and lookup error.
type PreferenceProvider interface {
	Preference(ctx context.Context, userID string) (domain.NotificationPreference, bool, error)
}

// StaticPreferences serves preferences loaded from config.
type StaticPreferences struct {
	mu    sync.RWMutex
	items map[string]domain.NotificationPreference
}

// NewStaticPreferences indexes preferences by user id.
func NewStaticPreferences(items []domain.NotificationPreference) *StaticPreferences {
	index := make(map[string]domain.NotificationPreference, len(items))
	for _, item := range items {
		index[item.UserID] = item
	}
	return &StaticPreferences{items: index}
}

// Preference returns stored preference for user.
func (s *StaticPreferences) Preference(_ context.Context, userID string) (domain.NotificationPreference, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pref, ok := s.items[userID]
	return pref, ok, nil
}

// Replace swaps entire preference set.
func (s *StaticPreferences) Replace(items []domain.NotificationPreference) {
	index := make(map[string]domain.NotificationPreference, len(items))
	for _, item := range items {
		index[item.UserID] = item
	}
	s.mu.Lock()
	s.items = index
	s.mu.Unlock()
}
