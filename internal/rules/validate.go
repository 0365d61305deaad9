package rules

import (
	"fmt"
	"strings"

	"alertengine/internal/domain"
	"alertengine/internal/evaluator"
	"alertengine/internal/recurrence"
)

// Normalize fills omitted enum fields with defaults.
// Params: rule pointer.
// Returns: none (mutates rule).
func Normalize(rule *domain.AlertRule) {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Severity == "" {
		rule.Severity = domain.SeverityMedium
	}
	if rule.State == "" {
		rule.State = domain.RuleStateActive
	}
	if rule.TriggerType == "" {
		rule.TriggerType = domain.TriggerQuery
	}
	if rule.Frequency == "" {
		rule.Frequency = domain.FrequencyRealTime
	}
	for i := range rule.Conditions {
		rule.Conditions[i].Logic = rule.Conditions[i].Logic.Normalize()
	}
}

// Validate checks rule invariants enforced at the CRUD boundary.
// Params: normalized rule and channel-availability predicate (nil accepts any channel).
// Returns: *domain.ValidationError for the first violation.
func Validate(rule domain.AlertRule, channelKnown func(string) bool) error {
	if rule.Name == "" {
		return domain.Invalid("name", "is required")
	}
	if !rule.Severity.Valid() {
		return domain.Invalid("severity", fmt.Sprintf("has unsupported value %q", rule.Severity))
	}
	if !rule.State.Valid() {
		return domain.Invalid("state", fmt.Sprintf("has unsupported value %q", rule.State))
	}
	if !rule.TriggerType.Valid() {
		return domain.Invalid("trigger_type", fmt.Sprintf("has unsupported value %q", rule.TriggerType))
	}
	if !rule.Frequency.Valid() {
		return domain.Invalid("frequency", fmt.Sprintf("has unsupported value %q", rule.Frequency))
	}
	if err := evaluator.ValidateConditions(rule.Conditions); err != nil {
		return err
	}

	switch rule.Frequency {
	case domain.FrequencyDaily, domain.FrequencyWeekly:
		if strings.TrimSpace(rule.Schedule.Time) == "" {
			return domain.Invalid("schedule.time", "is required for daily and weekly rules")
		}
		if _, _, err := recurrence.ParseClock(rule.Schedule.Time); err != nil {
			return domain.Invalid("schedule.time", err.Error())
		}
		if _, err := recurrence.LoadLocation(rule.Schedule.Location); err != nil {
			return domain.Invalid("schedule.location", err.Error())
		}
		if rule.Frequency == domain.FrequencyWeekly && (rule.Schedule.DayOfWeek < 0 || rule.Schedule.DayOfWeek > 6) {
			return domain.Invalid("schedule.day_of_week", "must be within 0..6")
		}
	}

	enabled := 0
	for i, delivery := range rule.Delivery {
		if strings.TrimSpace(delivery.Channel) == "" {
			return domain.Invalid(fmt.Sprintf("delivery[%d].channel", i), "is required")
		}
		if channelKnown != nil && !channelKnown(delivery.Channel) {
			return domain.Invalid(fmt.Sprintf("delivery[%d].channel", i), fmt.Sprintf("%q is not available", delivery.Channel))
		}
		if delivery.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return domain.Invalid("delivery", "must enable at least one channel")
	}

	if rule.Dedup.Enabled {
		if strings.TrimSpace(rule.Dedup.Field) == "" {
			return domain.Invalid("dedup.field", "is required when dedup is enabled")
		}
		if rule.Dedup.WindowMinutes <= 0 {
			return domain.Invalid("dedup.window_minutes", "must be > 0")
		}
	}
	if rule.Throttle.Enabled {
		if rule.Throttle.MaxEventsPerWindow <= 0 {
			return domain.Invalid("throttle.max_events_per_window", "must be > 0")
		}
		if rule.Throttle.SuppressionWindowMinutes <= 0 {
			return domain.Invalid("throttle.suppression_window_minutes", "must be > 0")
		}
	}
	return nil
}
