package domain

import (
	"strings"
	"time"
)

// Severity ranks alert importance.
// Params: one of critical/high/medium/low.
// Returns: severity marker copied into triggered events.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank maps severity to comparable order.
// Params: none.
// Returns: 4 for critical down to 1 for low, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether severity is a known value.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// RuleState controls whether rule triggers and delivers.
type RuleState string

const (
	// RuleStateActive evaluates and delivers.
	RuleStateActive RuleState = "active"
	// RuleStateMuted evaluates and records triggers without delivery.
	RuleStateMuted RuleState = "muted"
	// RuleStatePaused skips evaluation entirely.
	RuleStatePaused RuleState = "paused"
)

// Valid reports whether state is a known value.
func (s RuleState) Valid() bool {
	switch s {
	case RuleStateActive, RuleStateMuted, RuleStatePaused:
		return true
	default:
		return false
	}
}

// TriggerType classifies what kind of occurrence the rule watches.
type TriggerType string

const (
	TriggerQuery     TriggerType = "query"
	TriggerThreshold TriggerType = "threshold"
	TriggerEntity    TriggerType = "entity"
	TriggerSignal    TriggerType = "signal"
)

// Valid reports whether trigger type is a known value.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerQuery, TriggerThreshold, TriggerEntity, TriggerSignal:
		return true
	default:
		return false
	}
}

// Frequency selects immediate delivery or digest cadence.
type Frequency string

const (
	FrequencyRealTime Frequency = "real-time"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
)

// Valid reports whether frequency is a known value.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyRealTime, FrequencyHourly, FrequencyDaily, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// Logic joins one condition to the running result of the chain.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Normalize upper-cases logic and defaults empty values to AND.
// Params: none.
// Returns: AND or OR, or the raw upper-cased value when unknown.
func (l Logic) Normalize() Logic {
	trimmed := Logic(strings.ToUpper(strings.TrimSpace(string(l))))
	if trimmed == "" {
		return LogicAnd
	}
	return trimmed
}

// Operator names one field comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
)

// Condition is one link of the left-to-right AND/OR chain.
// Params: event field path, operator, comparison value, and join logic.
// Returns: predicate consumed by the evaluator.
type Condition struct {
	Field    string   `json:"field" toml:"field"`
	Operator Operator `json:"operator" toml:"operator"`
	Value    any      `json:"value" toml:"value"`
	Logic    Logic    `json:"logic,omitempty" toml:"logic"`
}

// Schedule describes digest/report boundaries.
// Params: "HH:MM" time of day, weekday (0=Sunday), day of month, and IANA location.
// Returns: recurrence inputs.
type Schedule struct {
	Time       string `json:"time,omitempty" toml:"time"`
	DayOfWeek  int    `json:"day_of_week,omitempty" toml:"day_of_week"`
	DayOfMonth int    `json:"day_of_month,omitempty" toml:"day_of_month"`
	Location   string `json:"location,omitempty" toml:"location"`
}

// DeliveryConfig enables one channel for a rule.
// Params: channel key, enable flag, and channel-specific settings.
// Returns: per-rule delivery target.
type DeliveryConfig struct {
	Channel string            `json:"channel" toml:"channel"`
	Enabled bool              `json:"enabled" toml:"enabled"`
	Config  map[string]string `json:"config,omitempty" toml:"config"`
}

// DedupRule configures duplicate suppression.
type DedupRule struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	WindowMinutes int    `json:"window_minutes" toml:"window_minutes"`
	Field         string `json:"field" toml:"field"`
}

// Window returns dedup TTL.
func (d DedupRule) Window() time.Duration {
	return time.Duration(d.WindowMinutes) * time.Minute
}

// ThrottleConfig caps deliveries per fixed window.
type ThrottleConfig struct {
	Enabled                  bool `json:"enabled" toml:"enabled"`
	SuppressionWindowMinutes int  `json:"suppression_window_minutes" toml:"suppression_window_minutes"`
	MaxEventsPerWindow       int  `json:"max_events_per_window" toml:"max_events_per_window"`
}

// Window returns throttle bucket size.
func (t ThrottleConfig) Window() time.Duration {
	return time.Duration(t.SuppressionWindowMinutes) * time.Minute
}

// HealthStatus reports whether the last evaluation of a rule succeeded.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// MaxAuditEntries bounds the per-rule audit log.
const MaxAuditEntries = 20

// AuditEntry is one audit log line for a rule.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// RuleHealth keeps degraded status and recent audit records.
type RuleHealth struct {
	Status      HealthStatus `json:"status"`
	LastError   string       `json:"last_error,omitempty"`
	LastErrorAt *time.Time   `json:"last_error_at,omitempty"`
	Audit       []AuditEntry `json:"audit,omitempty"`
}

// AppendAudit appends entry and keeps only the newest MaxAuditEntries.
// Params: audit entry.
// Returns: none (mutates health).
func (h *RuleHealth) AppendAudit(entry AuditEntry) {
	h.Audit = append(h.Audit, entry)
	if overflow := len(h.Audit) - MaxAuditEntries; overflow > 0 {
		h.Audit = append([]AuditEntry(nil), h.Audit[overflow:]...)
	}
}

// AlertRule is one configured alert definition.
// Params: matching chain, suppression, cadence, delivery targets, and counters.
// Returns: rule consumed by orchestrator shards.
type AlertRule struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Owner           string           `json:"owner,omitempty"`
	Severity        Severity         `json:"severity"`
	State           RuleState        `json:"state"`
	TriggerType     TriggerType      `json:"trigger_type"`
	Conditions      []Condition      `json:"conditions"`
	Frequency       Frequency        `json:"frequency"`
	Schedule        Schedule         `json:"schedule"`
	Delivery        []DeliveryConfig `json:"delivery"`
	Dedup           DedupRule        `json:"dedup"`
	Throttle        ThrottleConfig   `json:"throttle"`
	Subscribers     []string         `json:"subscribers"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at,omitempty"`
	TriggerCount    int64            `json:"trigger_count"`
	EstimatedNoise  int              `json:"estimated_noise"`
	Health          RuleHealth       `json:"health"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// IsDigest reports whether matches are buffered for scheduled flush.
func (r AlertRule) IsDigest() bool {
	return r.Frequency != "" && r.Frequency != FrequencyRealTime
}

// EnabledChannels returns delivery configs with enabled=true.
// Params: none.
// Returns: enabled delivery configs in declared order.
func (r AlertRule) EnabledChannels() []DeliveryConfig {
	out := make([]DeliveryConfig, 0, len(r.Delivery))
	for _, delivery := range r.Delivery {
		if delivery.Enabled {
			out = append(out, delivery)
		}
	}
	return out
}

// Clone returns deep copy so shard snapshots never alias registry state.
// Params: none.
// Returns: copied rule.
func (r AlertRule) Clone() AlertRule {
	out := r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	out.Subscribers = append([]string(nil), r.Subscribers...)
	out.Delivery = make([]DeliveryConfig, len(r.Delivery))
	for i, delivery := range r.Delivery {
		copied := delivery
		if delivery.Config != nil {
			copied.Config = make(map[string]string, len(delivery.Config))
			for key, value := range delivery.Config {
				copied.Config[key] = value
			}
		}
		out.Delivery[i] = copied
	}
	out.Health.Audit = append([]AuditEntry(nil), r.Health.Audit...)
	if r.LastTriggeredAt != nil {
		at := *r.LastTriggeredAt
		out.LastTriggeredAt = &at
	}
	if r.Health.LastErrorAt != nil {
		at := *r.Health.LastErrorAt
		out.Health.LastErrorAt = &at
	}
	return out
}
