package config

import (
	"fmt"
	"strings"

	"alertengine/internal/domain"
	"alertengine/internal/recurrence"
)

// rawRuleConfig stores one rule body from `[rule.<id>]` table.
// Params: rule fields except top-level key-derived id.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	ID          string                `toml:"id"`
	Name        string                `toml:"name"`
	Owner       string                `toml:"owner"`
	Severity    string                `toml:"severity"`
	State       string                `toml:"state"`
	TriggerType string                `toml:"trigger_type"`
	Frequency   string                `toml:"frequency"`
	Schedule    domain.Schedule       `toml:"schedule"`
	Condition   []domain.Condition    `toml:"condition"`
	Delivery    []RuleDelivery        `toml:"delivery"`
	Dedup       domain.DedupRule      `toml:"dedup"`
	Throttle    domain.ThrottleConfig `toml:"throttle"`
	Subscribers []string              `toml:"subscribers"`
}

// RuleConfig describes one alert rule seeded from config.
// Params: evaluation, suppression, digest, and delivery settings.
// Returns: rule definition converted into domain.AlertRule at startup.
type RuleConfig struct {
	ID          string
	Name        string
	Owner       string
	Severity    string
	State       string
	TriggerType string
	Frequency   string
	Schedule    domain.Schedule
	Conditions  []domain.Condition
	Delivery    []RuleDelivery
	Dedup       domain.DedupRule
	Throttle    domain.ThrottleConfig
	Subscribers []string
}

// RuleDelivery is one `[[rule.<id>.delivery]]` entry; omitted enabled means true.
type RuleDelivery struct {
	Channel string            `toml:"channel"`
	Enabled *bool             `toml:"enabled"`
	Config  map[string]string `toml:"config"`
}

func (d RuleDelivery) isEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

func (r rawRuleConfig) normalize(id string) RuleConfig {
	return RuleConfig{
		ID:          id,
		Name:        r.Name,
		Owner:       r.Owner,
		Severity:    r.Severity,
		State:       r.State,
		TriggerType: r.TriggerType,
		Frequency:   r.Frequency,
		Schedule:    r.Schedule,
		Conditions:  r.Condition,
		Delivery:    r.Delivery,
		Dedup:       r.Dedup,
		Throttle:    r.Throttle,
		Subscribers: r.Subscribers,
	}
}

// fillRuleDefaults applies per-rule defaults for omitted enum fields.
func fillRuleDefaults(rule *RuleConfig) {
	if strings.TrimSpace(rule.Name) == "" {
		rule.Name = rule.ID
	}
	rule.Severity = lowerOr(rule.Severity, string(domain.SeverityMedium))
	rule.State = lowerOr(rule.State, string(domain.RuleStateActive))
	rule.TriggerType = lowerOr(rule.TriggerType, string(domain.TriggerQuery))
	rule.Frequency = lowerOr(rule.Frequency, string(domain.FrequencyRealTime))
	for i := range rule.Conditions {
		rule.Conditions[i].Logic = rule.Conditions[i].Logic.Normalize()
	}
}

func lowerOr(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// ToAlertRule converts config rule into domain rule.
// Params: defaulted rule config.
// Returns: domain rule ready for registry validation.
func (r RuleConfig) ToAlertRule() domain.AlertRule {
	delivery := make([]domain.DeliveryConfig, 0, len(r.Delivery))
	for _, item := range r.Delivery {
		cfg := make(map[string]string, len(item.Config))
		for key, value := range item.Config {
			cfg[key] = value
		}
		delivery = append(delivery, domain.DeliveryConfig{
			Channel: item.Channel,
			Enabled: item.isEnabled(),
			Config:  cfg,
		})
	}
	conditions := make([]domain.Condition, len(r.Conditions))
	copy(conditions, r.Conditions)
	subscribers := make([]string, len(r.Subscribers))
	copy(subscribers, r.Subscribers)

	return domain.AlertRule{
		ID:          r.ID,
		Name:        r.Name,
		Owner:       r.Owner,
		Severity:    domain.Severity(r.Severity),
		State:       domain.RuleState(r.State),
		TriggerType: domain.TriggerType(r.TriggerType),
		Conditions:  conditions,
		Frequency:   domain.Frequency(r.Frequency),
		Schedule:    r.Schedule,
		Delivery:    delivery,
		Dedup:       r.Dedup,
		Throttle:    r.Throttle,
		Subscribers: subscribers,
	}
}

// rawPreferenceConfig stores one `[preference.<user_id>]` table.
type rawPreferenceConfig struct {
	Channels       map[string]bool    `toml:"channels"`
	Addresses      map[string]string  `toml:"addresses"`
	QuietHours     *domain.QuietHours `toml:"quiet_hours"`
	MinSeverity    string             `toml:"min_severity"`
	DigestOverride string             `toml:"digest_override"`
}

// PreferenceConfig is one user's notification preference seeded from config.
type PreferenceConfig struct {
	UserID         string
	Channels       map[string]bool
	Addresses      map[string]string
	QuietHours     *domain.QuietHours
	MinSeverity    string
	DigestOverride string
}

func (p rawPreferenceConfig) normalize(userID string) PreferenceConfig {
	return PreferenceConfig{
		UserID:         userID,
		Channels:       p.Channels,
		Addresses:      p.Addresses,
		QuietHours:     p.QuietHours,
		MinSeverity:    strings.ToLower(strings.TrimSpace(p.MinSeverity)),
		DigestOverride: strings.ToLower(strings.TrimSpace(p.DigestOverride)),
	}
}

// ToPreference converts config preference into domain preference.
func (p PreferenceConfig) ToPreference() domain.NotificationPreference {
	return domain.NotificationPreference{
		UserID:         p.UserID,
		Channels:       p.Channels,
		Addresses:      p.Addresses,
		QuietHours:     p.QuietHours,
		MinSeverity:    domain.Severity(p.MinSeverity),
		DigestOverride: domain.Frequency(p.DigestOverride),
	}
}

// validatePreference checks one preference table.
// Params: normalized preference.
// Returns: first validation error.
func validatePreference(pref PreferenceConfig) error {
	path := "preference." + pref.UserID
	for channel := range pref.Channels {
		if !IsSupportedChannel(channel) {
			return fmt.Errorf("%s.channels has unsupported channel %q", path, channel)
		}
	}
	if pref.MinSeverity != "" && !domain.Severity(pref.MinSeverity).Valid() {
		return fmt.Errorf("%s.min_severity has unsupported value %q", path, pref.MinSeverity)
	}
	if pref.DigestOverride != "" {
		override := domain.Frequency(pref.DigestOverride)
		if !override.Valid() || override == domain.FrequencyRealTime {
			return fmt.Errorf("%s.digest_override has unsupported value %q", path, pref.DigestOverride)
		}
	}
	if pref.QuietHours != nil {
		if _, _, err := recurrence.ParseClock(pref.QuietHours.Start); err != nil {
			return fmt.Errorf("%s.quiet_hours.start: %w", path, err)
		}
		if _, _, err := recurrence.ParseClock(pref.QuietHours.End); err != nil {
			return fmt.Errorf("%s.quiet_hours.end: %w", path, err)
		}
		if _, err := recurrence.LoadLocation(pref.QuietHours.Location); err != nil {
			return fmt.Errorf("%s.quiet_hours.location: %w", path, err)
		}
	}
	return nil
}
