package domain

import "time"

// MaxMatchedDocuments bounds the document sample stored per trigger.
const MaxMatchedDocuments = 10

// Action names one recorded step of trigger handling.
type Action string

const (
	ActionDelivered Action = "delivered"
	ActionThrottled Action = "throttled"
	ActionDeduped   Action = "deduped"
	ActionFailed    Action = "failed"
	ActionQueued    Action = "queued"
)

// DeliveryState is per-channel, per-recipient delivery status.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryThrottled DeliveryState = "throttled"
)

// ActionPerformed records one attempt or decision.
type ActionPerformed struct {
	Action    Action    `json:"action"`
	Channel   string    `json:"channel,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryStatus tracks one channel/recipient pair of a trigger.
type DeliveryStatus struct {
	Channel      string        `json:"channel"`
	Recipient    string        `json:"recipient,omitempty"`
	Status       DeliveryState `json:"status"`
	RetryCount   int           `json:"retry_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// EvidenceSnapshot freezes what the rule looked like when it fired.
type EvidenceSnapshot struct {
	TriggerType  TriggerType `json:"trigger_type"`
	Conditions   []Condition `json:"conditions"`
	TotalMatches int         `json:"total_matches"`
	DedupKey     string      `json:"dedup_key,omitempty"`
	Digest       bool        `json:"digest"`
	WindowStart  *time.Time  `json:"window_start,omitempty"`
	WindowEnd    *time.Time  `json:"window_end,omitempty"`
}

// TriggeredEvent is the audit record of one allowed trigger.
// Params: rule snapshot fields, bounded document sample, actions, and delivery statuses.
// Returns: persisted history row.
type TriggeredEvent struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	Severity         Severity          `json:"severity"`
	TriggeredAt      time.Time         `json:"triggered_at"`
	MatchedDocuments []map[string]any  `json:"matched_documents"`
	MatchCount       int               `json:"match_count"`
	Evidence         EvidenceSnapshot  `json:"evidence"`
	Actions          []ActionPerformed `json:"actions"`
	Deliveries       []DeliveryStatus  `json:"deliveries"`
}

// Match is one event that passed evaluation and dedup.
type Match struct {
	Event     Event     `json:"event"`
	DedupKey  string    `json:"dedup_key,omitempty"`
	MatchedAt time.Time `json:"matched_at"`
}

// BuildTriggeredEvent assembles trigger record from rule snapshot and matches.
// Params: trigger id, rule snapshot, trigger time, matches, and digest flag.
// Returns: new TriggeredEvent with bounded document sample.
func BuildTriggeredEvent(id string, rule AlertRule, at time.Time, matches []Match, digest bool) TriggeredEvent {
	sample := len(matches)
	if sample > MaxMatchedDocuments {
		sample = MaxMatchedDocuments
	}
	documents := make([]map[string]any, 0, sample)
	for _, match := range matches[:sample] {
		documents = append(documents, match.Event.Document())
	}

	evidence := EvidenceSnapshot{
		TriggerType:  rule.TriggerType,
		Conditions:   append([]Condition(nil), rule.Conditions...),
		TotalMatches: len(matches),
		Digest:       digest,
	}
	if len(matches) == 1 {
		evidence.DedupKey = matches[0].DedupKey
	}
	if len(matches) > 0 {
		start := matches[0].MatchedAt
		end := matches[len(matches)-1].MatchedAt
		evidence.WindowStart = &start
		evidence.WindowEnd = &end
	}

	return TriggeredEvent{
		ID:               id,
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		Severity:         rule.Severity,
		TriggeredAt:      at,
		MatchedDocuments: documents,
		MatchCount:       len(matches),
		Evidence:         evidence,
	}
}

// MergeDeliveries replaces statuses with the same channel/recipient and appends new ones.
// Params: existing statuses and updated statuses.
// Returns: merged status list preserving first-seen order.
func MergeDeliveries(existing, updates []DeliveryStatus) []DeliveryStatus {
	out := append([]DeliveryStatus(nil), existing...)
	index := make(map[string]int, len(out))
	for i, status := range out {
		index[status.Channel+"\x00"+status.Recipient] = i
	}
	for _, update := range updates {
		key := update.Channel + "\x00" + update.Recipient
		if i, ok := index[key]; ok {
			out[i] = update
			continue
		}
		index[key] = len(out)
		out = append(out, update)
	}
	return out
}
