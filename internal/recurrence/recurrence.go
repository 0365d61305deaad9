package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertengine/internal/domain"
)

// Recurrence names a calendar cadence shared by digests and scheduled reports.
type Recurrence string

const (
	Daily     Recurrence = "daily"
	Weekly    Recurrence = "weekly"
	Monthly   Recurrence = "monthly"
	Quarterly Recurrence = "quarterly"
)

// ParseClock parses "HH:MM" into hour and minute.
// Params: clock string; empty means midnight.
// Returns: hour, minute, or parse error.
func ParseClock(value string) (int, int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, nil
	}
	hourPart, minutePart, ok := strings.Cut(value, ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time %q has invalid hour", value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q has invalid minute", value)
	}
	return hour, minute, nil
}

// LoadLocation resolves schedule location, defaulting to UTC.
// Params: IANA zone name.
// Returns: location or lookup error.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}

// NextRun computes the next scheduled occurrence strictly after from.
// Params: recurrence kind, schedule (time, weekday, day of month, location), and reference time.
// Returns: next occurrence in UTC or schedule error.
func NextRun(recurrence Recurrence, schedule domain.Schedule, from time.Time) (time.Time, error) {
	hour, minute, err := ParseClock(schedule.Time)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(schedule.Location)
	if err != nil {
		return time.Time{}, err
	}
	local := from.In(loc)
	atTime := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, hour, minute, 0, 0, loc)
	}

	switch recurrence {
	case Daily:
		candidate := atTime(local.Year(), local.Month(), local.Day())
		if !candidate.After(from) {
			candidate = atTime(local.Year(), local.Month(), local.Day()+1)
		}
		return candidate.UTC(), nil
	case Weekly:
		if schedule.DayOfWeek < 0 || schedule.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("day_of_week %d must be 0..6", schedule.DayOfWeek)
		}
		delta := (schedule.DayOfWeek - int(local.Weekday()) + 7) % 7
		candidate := atTime(local.Year(), local.Month(), local.Day()+delta)
		if delta == 0 && !candidate.After(from) {
			candidate = atTime(local.Year(), local.Month(), local.Day()+7)
		}
		return candidate.UTC(), nil
	case Monthly, Quarterly:
		months := 1
		if recurrence == Quarterly {
			months = 3
		}
		day := schedule.DayOfMonth
		if day <= 0 {
			day = local.Day()
		}
		year, month := addMonths(local.Year(), local.Month(), months)
		if last := daysIn(year, month); day > last {
			day = last
		}
		return atTime(year, month, day).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported recurrence %q", recurrence)
	}
}

// NextFlush computes the next digest boundary for a rule frequency.
// Params: rule frequency, schedule, and reference time.
// Returns: boundary strictly after from; zero time for real-time rules.
func NextFlush(frequency domain.Frequency, schedule domain.Schedule, from time.Time) (time.Time, error) {
	switch frequency {
	case domain.FrequencyRealTime, "":
		return time.Time{}, nil
	case domain.FrequencyHourly:
		return from.UTC().Truncate(time.Hour).Add(time.Hour), nil
	case domain.FrequencyDaily:
		return NextRun(Daily, schedule, from)
	case domain.FrequencyWeekly:
		return NextRun(Weekly, schedule, from)
	default:
		return time.Time{}, errors.New("unsupported digest frequency " + string(frequency))
	}
}

func addMonths(year int, month time.Month, delta int) (int, time.Month) {
	total := int(month) - 1 + delta
	return year + total/12, time.Month(total%12 + 1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
