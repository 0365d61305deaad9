package digest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"alertengine/internal/domain"
	"alertengine/internal/recurrence"
)

type schedule struct {
	frequency domain.Frequency
	schedule  domain.Schedule
	next      time.Time
}

// Scheduler tracks the next flush boundary per digest rule and flushes its buffer when reached.
// Params: buffer, id generator, and logger.
// Returns: shard-local flush scheduler driven by explicit ticks.
type Scheduler struct {
	mu     sync.Mutex
	buffer *Buffer
	newID  func() string
	logger *slog.Logger
	rules  map[string]schedule
}

// NewScheduler creates scheduler over buffer.
func NewScheduler(buffer *Buffer, newID func() string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		buffer: buffer,
		newID:  newID,
		logger: logger,
		rules:  make(map[string]schedule),
	}
}

// Arm records the first boundary after from unless rule is already armed with the same cadence.
// Params: rule snapshot and reference time.
// Returns: armed boundary or error for unsupported schedule.
func (s *Scheduler) Arm(rule domain.AlertRule, from time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armLocked(rule, from)
}

func (s *Scheduler) armLocked(rule domain.AlertRule, from time.Time) (time.Time, error) {
	current, ok := s.rules[rule.ID]
	if ok && current.frequency == rule.Frequency && current.schedule == rule.Schedule {
		return current.next, nil
	}
	next, err := recurrence.NextFlush(rule.Frequency, rule.Schedule, from)
	if err != nil {
		return time.Time{}, err
	}
	s.rules[rule.ID] = schedule{frequency: rule.Frequency, schedule: rule.Schedule, next: next}
	return next, nil
}

// Next returns armed boundary for rule.
func (s *Scheduler) Next(ruleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rules[ruleID]
	return current.next, ok
}

// Forget removes rule schedule and discards its buffer.
func (s *Scheduler) Forget(ruleID string) {
	s.mu.Lock()
	delete(s.rules, ruleID)
	s.mu.Unlock()
	s.buffer.Drop(ruleID)
}

// Tick flushes every digest rule whose boundary is at or before now and re-arms it.
// Params: context, digest rule snapshots of this shard, and tick time.
// Returns: aggregated triggers in rule order; empty buffers produce none.
func (s *Scheduler) Tick(ctx context.Context, rules []domain.AlertRule, now time.Time) []domain.TriggeredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TriggeredEvent, 0)
	for _, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if !rule.IsDigest() {
			continue
		}
		next, err := s.armLocked(rule, now)
		if err != nil {
			s.logger.Warn("digest schedule invalid", "rule_id", rule.ID, "frequency", rule.Frequency, "error", err.Error())
			continue
		}
		if now.Before(next) {
			continue
		}

		if triggered := s.buffer.Flush(rule, now, s.newID); triggered != nil {
			out = append(out, *triggered)
		}
		following, err := recurrence.NextFlush(rule.Frequency, rule.Schedule, now)
		if err != nil {
			delete(s.rules, rule.ID)
			continue
		}
		s.rules[rule.ID] = schedule{frequency: rule.Frequency, schedule: rule.Schedule, next: following}
	}
	return out
}
