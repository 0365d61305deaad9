// Package suppress decides whether a matched event is a duplicate or exceeds its rule's rate limit.
package suppress

import (
	"context"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/domain"
	"alertengine/internal/evaluator"
	"alertengine/internal/state"
)

// DedupResult is one dedup decision.
// Params: suppression flag, computed key, and missing-key marker.
// Returns: decision consumed by orchestrator.
type DedupResult struct {
	Suppressed bool
	Key        string
	MissingKey bool
}

// Dedup claims (rule, dedupKey) entries for the rule window.
// Params: dedup store and clock.
// Returns: dedup window component.
type Dedup struct {
	store state.DedupStore
	clock clock.Clock
}

// NewDedup creates dedup window over store.
// Params: store backend and clock (nil means real clock).
// Returns: dedup component.
func NewDedup(store state.DedupStore, clk clock.Clock) *Dedup {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dedup{store: store, clock: clk}
}

// ShouldSuppress checks the event against the rule dedup window at current time.
// Params: rule snapshot and matched event.
// Returns: dedup decision or StateCorruptionError when the store fails.
func (d *Dedup) ShouldSuppress(ctx context.Context, rule domain.AlertRule, event domain.Event) (DedupResult, error) {
	return d.ShouldSuppressAt(ctx, rule, event, d.clock.Now())
}

// ShouldSuppressAt checks the event against the rule dedup window at explicit time.
// Params: rule snapshot, matched event, and evaluation time.
// Returns: dedup decision; live entries are never extended.
func (d *Dedup) ShouldSuppressAt(ctx context.Context, rule domain.AlertRule, event domain.Event, now time.Time) (DedupResult, error) {
	if !rule.Dedup.Enabled {
		return DedupResult{}, nil
	}
	raw, ok := event.Lookup(rule.Dedup.Field)
	if !ok {
		return DedupResult{MissingKey: true}, nil
	}
	key, ok := evaluator.KeyString(raw)
	if !ok {
		return DedupResult{MissingKey: true}, nil
	}

	claimed, err := d.store.Claim(ctx, rule.ID, key, now, rule.Dedup.Window())
	if err != nil {
		return DedupResult{Key: key}, &domain.StateCorruptionError{RuleID: rule.ID, Op: "dedup claim", Err: err}
	}
	return DedupResult{Suppressed: !claimed, Key: key}, nil
}

// Sweep evicts expired dedup entries.
// Params: context.
// Returns: number of removed entries.
func (d *Dedup) Sweep(ctx context.Context) (int, error) {
	return d.store.Sweep(ctx, d.clock.Now())
}

// Throttle caps triggers per fixed rule window.
// Params: throttle store and clock.
// Returns: throttle limiter component.
type Throttle struct {
	store state.ThrottleStore
	clock clock.Clock
}

// NewThrottle creates throttle limiter over store.
// Params: store backend and clock (nil means real clock).
// Returns: throttle component.
func NewThrottle(store state.ThrottleStore, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Throttle{store: store, clock: clk}
}

// TryAcquire takes one slot in the rule's current window.
// Params: rule snapshot.
// Returns: true when allowed; disabled throttle always allows.
func (t *Throttle) TryAcquire(ctx context.Context, rule domain.AlertRule) (bool, error) {
	return t.TryAcquireAt(ctx, rule, t.clock.Now())
}

// TryAcquireAt takes one slot in the window containing now.
// Params: rule snapshot and evaluation time.
// Returns: allow decision or StateCorruptionError when the store fails.
func (t *Throttle) TryAcquireAt(ctx context.Context, rule domain.AlertRule, now time.Time) (bool, error) {
	if !rule.Throttle.Enabled {
		return true, nil
	}
	window := rule.Throttle.Window()
	allowed, err := t.store.Acquire(ctx, rule.ID, WindowStart(now, window), window, rule.Throttle.MaxEventsPerWindow)
	if err != nil {
		return false, &domain.StateCorruptionError{RuleID: rule.ID, Op: "throttle acquire", Err: err}
	}
	return allowed, nil
}

// WindowStart floors now to a multiple of window since Unix epoch.
// Params: timestamp and window length.
// Returns: window start in UTC; now itself when window is not positive.
func WindowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now.UTC()
	}
	nanos := now.UnixNano()
	size := window.Nanoseconds()
	floor := nanos - nanos%size
	if nanos < 0 && nanos%size != 0 {
		floor -= size
	}
	return time.Unix(0, floor).UTC()
}
