package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/domain"

	"github.com/google/uuid"
)

// Registry is the authoritative in-memory set of alert rules.
// Params: clock for timestamps and channel-availability predicate for validation.
// Returns: concurrency-safe rule CRUD plus health/counter bookkeeping.
type Registry struct {
	mu           sync.RWMutex
	rules        map[string]domain.AlertRule
	clock        clock.Clock
	channelKnown func(string) bool
	version      uint64
}

// NewRegistry creates empty registry.
// Params: clock (nil means real clock) and channel predicate (nil accepts all).
// Returns: registry.
func NewRegistry(clk clock.Clock, channelKnown func(string) bool) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		rules:        make(map[string]domain.AlertRule),
		clock:        clk,
		channelKnown: channelKnown,
	}
}

// Seed installs config-defined rules, validating each.
// Params: rules from config.
// Returns: first validation error prefixed with rule id.
func (r *Registry) Seed(items []domain.AlertRule) error {
	for _, item := range items {
		if _, err := r.Create(item); err != nil {
			return fmt.Errorf("seed rule %s: %w", item.ID, err)
		}
	}
	return nil
}

// Create validates and stores a new rule; missing ids are generated.
// Params: rule payload.
// Returns: stored copy or ValidationError / duplicate-id error.
func (r *Registry) Create(rule domain.AlertRule) (domain.AlertRule, error) {
	rule = rule.Clone()
	Normalize(&rule)
	if err := Validate(rule, r.channelKnown); err != nil {
		return domain.AlertRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	now := r.clock.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.TriggerCount = 0
	rule.LastTriggeredAt = nil
	rule.Health = domain.RuleHealth{Status: domain.HealthOK}
	rule.Health.AppendAudit(domain.AuditEntry{At: now, Kind: "created", Message: "rule created"})

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID]; exists {
		return domain.AlertRule{}, domain.Invalid("id", fmt.Sprintf("%q already exists", rule.ID))
	}
	r.rules[rule.ID] = rule
	r.version++
	return rule.Clone(), nil
}

// Update replaces rule definition; counters, health, and creation time are preserved.
// Params: rule payload with id.
// Returns: stored copy, domain.ErrNotFound, or ValidationError.
func (r *Registry) Update(rule domain.AlertRule) (domain.AlertRule, error) {
	rule = rule.Clone()
	Normalize(&rule)
	if err := Validate(rule, r.channelKnown); err != nil {
		return domain.AlertRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.rules[rule.ID]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", rule.ID, domain.ErrNotFound)
	}
	now := r.clock.Now()
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = now
	rule.TriggerCount = current.TriggerCount
	rule.LastTriggeredAt = current.LastTriggeredAt
	rule.EstimatedNoise = current.EstimatedNoise
	rule.Health = current.Health
	rule.Health.Audit = append([]domain.AuditEntry(nil), current.Health.Audit...)
	rule.Health.AppendAudit(domain.AuditEntry{At: now, Kind: "updated", Message: "rule updated"})
	r.rules[rule.ID] = rule
	r.version++
	return rule.Clone(), nil
}

// Delete removes rule.
// Params: rule id.
// Returns: domain.ErrNotFound when absent.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	delete(r.rules, id)
	r.version++
	return nil
}

// Get returns rule copy.
func (r *Registry) Get(id string) (domain.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	return rule.Clone(), nil
}

// List returns rule copies ordered by id.
func (r *Registry) List() []domain.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AlertRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version increments on every definition change (create, update, delete, state).
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// SetState switches rule between active, muted, and paused.
func (r *Registry) SetState(id string, state domain.RuleState) (domain.AlertRule, error) {
	if !state.Valid() {
		return domain.AlertRule{}, domain.Invalid("state", fmt.Sprintf("has unsupported value %q", state))
	}
	return r.mutate(id, true, func(rule *domain.AlertRule, now time.Time) {
		rule.State = state
		rule.UpdatedAt = now
		rule.Health.AppendAudit(domain.AuditEntry{At: now, Kind: "state", Message: "state set to " + string(state)})
	})
}

// MarkDegraded records evaluation failure on rule health.
func (r *Registry) MarkDegraded(id string, cause error) error {
	_, err := r.mutate(id, false, func(rule *domain.AlertRule, now time.Time) {
		at := now
		rule.Health.Status = domain.HealthDegraded
		rule.Health.LastError = cause.Error()
		rule.Health.LastErrorAt = &at
		rule.Health.AppendAudit(domain.AuditEntry{At: now, Kind: "degraded", Message: cause.Error()})
	})
	return err
}

// MarkHealthy clears degraded status after a successful evaluation.
func (r *Registry) MarkHealthy(id string) error {
	r.mu.RLock()
	rule, ok := r.rules[id]
	r.mu.RUnlock()
	if ok && rule.Health.Status == domain.HealthOK {
		return nil
	}
	_, err := r.mutate(id, false, func(rule *domain.AlertRule, now time.Time) {
		if rule.Health.Status == domain.HealthOK {
			return
		}
		rule.Health.Status = domain.HealthOK
		rule.Health.AppendAudit(domain.AuditEntry{At: now, Kind: "recovered", Message: "evaluation succeeded"})
	})
	return err
}

// RecordTrigger bumps trigger counter and last-triggered time.
func (r *Registry) RecordTrigger(id string, at time.Time) error {
	_, err := r.mutate(id, false, func(rule *domain.AlertRule, _ time.Time) {
		rule.TriggerCount++
		if rule.LastTriggeredAt == nil || at.After(*rule.LastTriggeredAt) {
			triggered := at
			rule.LastTriggeredAt = &triggered
		}
	})
	return err
}

// SetEstimatedNoise stores the latest preview score.
func (r *Registry) SetEstimatedNoise(id string, noise int) error {
	_, err := r.mutate(id, false, func(rule *domain.AlertRule, _ time.Time) {
		rule.EstimatedNoise = noise
	})
	return err
}

// mutate applies fn under the write lock.
// Params: rule id, whether the change alters the definition version, and mutation.
// Returns: updated copy or ErrNotFound.
func (r *Registry) mutate(id string, definition bool, fn func(rule *domain.AlertRule, now time.Time)) (domain.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return domain.AlertRule{}, fmt.Errorf("rule %s: %w", id, domain.ErrNotFound)
	}
	rule = rule.Clone()
	fn(&rule, r.clock.Now())
	r.rules[id] = rule
	if definition {
		r.version++
	}
	return rule.Clone(), nil
}
