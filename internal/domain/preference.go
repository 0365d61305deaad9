package domain

// QuietHours is a daily window when a user must not be disturbed.
// Params: "HH:MM" start and end (end before start wraps midnight) and IANA location.
// Returns: quiet window definition.
type QuietHours struct {
	Start    string `json:"start" toml:"start"`
	End      string `json:"end" toml:"end"`
	Location string `json:"location,omitempty" toml:"location"`
}

// NotificationPreference is read-only per-user delivery preference.
// Params: channel flags, per-channel address, quiet hours, severity floor, and digest override.
// Returns: preference consulted by the delivery dispatcher.
type NotificationPreference struct {
	UserID         string            `json:"user_id"`
	Channels       map[string]bool   `json:"channels,omitempty"`
	Addresses      map[string]string `json:"addresses,omitempty"`
	QuietHours     *QuietHours       `json:"quiet_hours,omitempty"`
	MinSeverity    Severity          `json:"min_severity,omitempty"`
	DigestOverride Frequency         `json:"digest_override,omitempty"`
}

// ChannelEnabled reports whether user accepts channel; absent keys mean enabled.
func (p NotificationPreference) ChannelEnabled(channel string) bool {
	enabled, ok := p.Channels[channel]
	return !ok || enabled
}

// AllowsSeverity reports whether severity meets the user's floor.
func (p NotificationPreference) AllowsSeverity(severity Severity) bool {
	if !p.MinSeverity.Valid() {
		return true
	}
	return severity.Rank() >= p.MinSeverity.Rank()
}

// Address returns channel-specific recipient address for user.
// Params: channel key.
// Returns: configured address or user id.
func (p NotificationPreference) Address(channel string) string {
	if address, ok := p.Addresses[channel]; ok && address != "" {
		return address
	}
	return p.UserID
}
