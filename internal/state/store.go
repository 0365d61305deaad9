package state

import (
	"context"
	"errors"
	"time"
)

// ErrConflict indicates revision mismatch that survived the CAS retry budget.
var ErrConflict = errors.New("revision conflict")

// DedupStore keeps (ruleID, dedupKey) suppression entries with TTL.
// Params: Claim inserts only when no live entry exists; Sweep removes expired entries.
// Returns: backend persistence behavior.
type DedupStore interface {
	Claim(ctx context.Context, ruleID, key string, now time.Time, window time.Duration) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// ThrottleStore keeps one fixed-window counter per rule.
// Params: Acquire increments while count < max within windowStart.
// Returns: backend persistence behavior.
type ThrottleStore interface {
	Acquire(ctx context.Context, ruleID string, windowStart time.Time, window time.Duration, max int) (bool, error)
}

// Store combines dedup and throttle state for one backend.
type Store interface {
	DedupStore
	ThrottleStore
	Close() error
}
