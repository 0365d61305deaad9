// Package digest accumulates matches of non-real-time rules and flushes them on schedule boundaries.
package digest

import (
	"sync"
	"time"

	"alertengine/internal/domain"
)

// Buffer keeps pending matches per rule since the last flush.
// Params: none.
// Returns: concurrency-safe accumulator.
type Buffer struct {
	mu      sync.Mutex
	pending map[string][]domain.Match
}

// NewBuffer creates empty digest buffer.
func NewBuffer() *Buffer {
	return &Buffer{pending: make(map[string][]domain.Match)}
}

// Enqueue appends one match to the rule list.
// Params: rule id and match.
// Returns: pending count after append.
func (b *Buffer) Enqueue(ruleID string, match domain.Match) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[ruleID] = append(b.pending[ruleID], match)
	return len(b.pending[ruleID])
}

// Pending returns buffered match count for rule.
func (b *Buffer) Pending(ruleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[ruleID])
}

// Flush takes every buffered match of the rule and builds one aggregated trigger.
// Params: rule snapshot, flush time, and id generator (called only for non-empty buffers).
// Returns: nil for empty buffer, otherwise one TriggeredEvent covering all taken matches.
func (b *Buffer) Flush(rule domain.AlertRule, at time.Time, newID func() string) *domain.TriggeredEvent {
	b.mu.Lock()
	matches := b.pending[rule.ID]
	delete(b.pending, rule.ID)
	b.mu.Unlock()

	if len(matches) == 0 {
		return nil
	}
	triggered := domain.BuildTriggeredEvent(newID(), rule, at, matches, true)
	return &triggered
}

// Drop discards rule buffer (rule deleted or switched to real-time).
// Params: rule id.
// Returns: number of discarded matches.
func (b *Buffer) Drop(ruleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.pending[ruleID])
	delete(b.pending, ruleID)
	return n
}
