package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/recurrence"
)

const (
	deferReasonQuietHours = "quiet_hours"
	deferReasonDigest     = "digest_override"
)

// digestOverrideSchedule places user digest overrides at 09:00 UTC (Monday for weekly).
var digestOverrideSchedule = domain.Schedule{Time: "09:00", DayOfWeek: 1}

// errNotDelivered marks adapter calls that returned delivered=false without an error.
var errNotDelivered = errors.New("adapter reported message not delivered")

// RetryPolicy bounds per-target delivery attempts.
// Params: attempt ceiling, exponential backoff bounds, and per-attempt timeout.
// Returns: retry settings for Dispatcher.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// RetryPolicyFromConfig converts delivery section into retry policy.
func RetryPolicyFromConfig(cfg config.DeliveryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		Timeout:        time.Duration(cfg.TimeoutSec) * time.Second,
	}
}

// Result is the outcome of one fan-out.
type Result struct {
	Statuses []domain.DeliveryStatus
	Actions  []domain.ActionPerformed
}

// Released is the outcome of deferred deliveries for one triggered event.
type Released struct {
	TriggeredEventID string
	Result
}

// Dispatcher fans triggered events out to channel adapters.
// Params: adapters by channel, renderer, preference provider, retry policy, clock, and logger.
// Returns: delivery statuses and actions; adapter failures never propagate as errors.
type Dispatcher struct {
	adapters map[string]Adapter
	renderer *Renderer
	prefs    PreferenceProvider
	policy   RetryPolicy
	clock    clock.Clock
	logger   *slog.Logger
	deferred deferredQueue
}

// NewDispatcher creates dispatcher.
// Params: adapters, payload renderer, preference provider (nil allowed), retry policy, clock, and logger.
// Returns: initialized dispatcher.
func NewDispatcher(adapters []Adapter, renderer *Renderer, prefs PreferenceProvider, policy RetryPolicy, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	byChannel := make(map[string]Adapter, len(adapters))
	for _, adapter := range adapters {
		byChannel[adapter.Channel()] = adapter
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		adapters: byChannel,
		renderer: renderer,
		prefs:    prefs,
		policy:   policy,
		clock:    clk,
		logger:   logger,
	}
}

// target is one subscriber resolved for a channel.
type target struct {
	userID    string
	recipient string
}

// outcome is the slot filled by one fan-out goroutine; nil status means skipped.
type outcome struct {
	status  *domain.DeliveryStatus
	actions []domain.ActionPerformed
}

type job struct {
	channel domain.DeliveryConfig
	target  target
}

// Deliver sends triggered event to every enabled channel and subscriber.
// Params: context, triggered event, rule delivery configs, and subscriber user ids.
// Returns: per-target statuses and per-attempt actions.
func (d *Dispatcher) Deliver(ctx context.Context, triggered domain.TriggeredEvent, channels []domain.DeliveryConfig, subscribers []string) Result {
	base, err := d.renderer.Render(triggered)
	if err != nil {
		d.logger.Warn("payload template failed, using plain text", "rule_id", triggered.RuleID, "error", err.Error())
	}

	jobs := make([]job, 0, len(channels)*max(1, len(subscribers)))
	for _, channel := range channels {
		if !channel.Enabled {
			continue
		}
		if len(subscribers) == 0 {
			jobs = append(jobs, job{channel: channel, target: target{recipient: channel.Config["recipient"]}})
			continue
		}
		for _, userID := range subscribers {
			jobs = append(jobs, job{channel: channel, target: target{userID: userID, recipient: userID}})
		}
	}

	slots := make([]outcome, len(jobs))
	var wg sync.WaitGroup
	for i, item := range jobs {
		wg.Add(1)
		go func(i int, item job) {
			defer wg.Done()
			slots[i] = d.deliverOne(ctx, triggered, item, base)
		}(i, item)
	}
	wg.Wait()
	return collect(slots)
}

// deliverOne applies preferences, deferral, and retrying send for one target.
func (d *Dispatcher) deliverOne(ctx context.Context, triggered domain.TriggeredEvent, item job, base Payload) outcome {
	channel := item.channel.Channel
	recipient := item.target.recipient
	now := d.clock.Now()

	var deferUntil time.Time
	var reason string
	if item.target.userID != "" && d.prefs != nil {
		pref, ok, err := d.prefs.Preference(ctx, item.target.userID)
		switch {
		case err != nil:
			d.logger.Warn("preference lookup failed, delivering anyway", "user_id", item.target.userID, "error", err.Error())
		case ok:
			if !pref.ChannelEnabled(channel) || !pref.AllowsSeverity(triggered.Severity) {
				return outcome{}
			}
			recipient = pref.Address(channel)
			if quiet, end := QuietWindow(pref.QuietHours, now); quiet {
				deferUntil, reason = end, deferReasonQuietHours
			} else if override := pref.DigestOverride; override.Valid() && override != domain.FrequencyRealTime && !triggered.Evidence.Digest {
				next, err := recurrence.NextFlush(override, digestOverrideSchedule, now)
				if err == nil && !next.IsZero() {
					deferUntil, reason = next, deferReasonDigest
				}
			}
		}
	}

	payload := base
	payload.Channel = channel
	payload.Recipient = recipient
	payload.Config = item.channel.Config

	if !deferUntil.IsZero() {
		d.deferred.push(deferredDelivery{
			TriggeredEventID: triggered.ID,
			Channel:          channel,
			Recipient:        recipient,
			Payload:          payload,
			Due:              deferUntil,
			Reason:           reason,
		})
		d.logger.Info("delivery deferred", "rule_id", triggered.RuleID, "channel", channel, "recipient", recipient, "reason", reason, "until", deferUntil)
		return outcome{
			status: &domain.DeliveryStatus{Channel: channel, Recipient: recipient, Status: domain.DeliveryPending, UpdatedAt: now},
			actions: []domain.ActionPerformed{{
				Action: domain.ActionQueued, Channel: channel, Recipient: recipient, Timestamp: now, Success: true,
			}},
		}
	}
	return d.send(ctx, channel, recipient, payload)
}

// send runs adapter call with retries and converts the result into status plus actions.
func (d *Dispatcher) send(ctx context.Context, channel, recipient string, payload Payload) outcome {
	adapter, ok := d.adapters[channel]
	if !ok {
		now := d.clock.Now()
		message := fmt.Sprintf("no adapter for channel %q", channel)
		return outcome{
			status:  &domain.DeliveryStatus{Channel: channel, Recipient: recipient, Status: domain.DeliveryFailed, ErrorMessage: message, UpdatedAt: now},
			actions: []domain.ActionPerformed{{Action: domain.ActionFailed, Channel: channel, Recipient: recipient, Timestamp: now, Error: message}},
		}
	}

	attempts, actions, err := d.sendWithRetry(ctx, adapter, recipient, payload)
	status := &domain.DeliveryStatus{
		Channel:    channel,
		Recipient:  recipient,
		Status:     domain.DeliveryDelivered,
		RetryCount: attempts - 1,
		UpdatedAt:  d.clock.Now(),
	}
	if err != nil {
		deliveryErr := &domain.DeliveryError{Channel: channel, Recipient: recipient, Attempts: attempts, Err: err}
		status.Status = domain.DeliveryFailed
		status.ErrorMessage = deliveryErr.Error()
		d.logger.Warn("delivery failed", "channel", channel, "recipient", recipient, "attempts", attempts, "error", err.Error())
	}
	return outcome{status: status, actions: actions}
}

// sendWithRetry executes send attempts with exponential backoff.
// Params: context, adapter, recipient, and payload.
// Returns: attempts made, one action per attempt, and final error.
func (d *Dispatcher) sendWithRetry(ctx context.Context, adapter Adapter, recipient string, payload Payload) (int, []domain.ActionPerformed, error) {
	backoff := d.policy.InitialBackoff
	actions := make([]domain.ActionPerformed, 0, d.policy.MaxAttempts)
	var lastErr error
	attempt := 0
	for attempt < d.policy.MaxAttempts {
		attempt++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.policy.Timeout)
		}
		delivered, err := adapter.Send(attemptCtx, recipient, payload)
		cancel()
		if err == nil && !delivered {
			err = domain.Permanent(errNotDelivered)
		}

		action := domain.ActionPerformed{
			Action:    domain.ActionDelivered,
			Channel:   adapter.Channel(),
			Recipient: recipient,
			Timestamp: d.clock.Now(),
			Success:   err == nil,
			Attempt:   attempt,
		}
		if err != nil {
			action.Action = domain.ActionFailed
			action.Error = err.Error()
		}
		actions = append(actions, action)
		if err == nil {
			return attempt, actions, nil
		}
		lastErr = err
		if domain.IsPermanent(err) || attempt >= d.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return attempt, actions, errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if d.policy.MaxBackoff > 0 && backoff > d.policy.MaxBackoff {
			backoff = d.policy.MaxBackoff
		}
	}
	return attempt, actions, lastErr
}

// ReleaseQuiet delivers deferred items whose quiet window or override boundary has passed.
// Params: context and current time.
// Returns: results grouped by triggered event id in id order.
func (d *Dispatcher) ReleaseQuiet(ctx context.Context, now time.Time) []Released {
	due := d.deferred.popDue(now)
	if len(due) == 0 {
		return nil
	}

	slots := make([]outcome, len(due))
	var wg sync.WaitGroup
	for i, item := range due {
		wg.Add(1)
		go func(i int, item deferredDelivery) {
			defer wg.Done()
			slots[i] = d.send(ctx, item.Channel, item.Recipient, item.Payload)
		}(i, item)
	}
	wg.Wait()

	grouped := make(map[string][]outcome)
	for i, item := range due {
		grouped[item.TriggeredEventID] = append(grouped[item.TriggeredEventID], slots[i])
	}
	ids := make([]string, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Released, 0, len(ids))
	for _, id := range ids {
		out = append(out, Released{TriggeredEventID: id, Result: collect(grouped[id])})
	}
	return out
}

// Deferred returns number of deliveries waiting for quiet hours or digest override.
func (d *Dispatcher) Deferred() int {
	return d.deferred.len()
}

// Channels lists channels with a registered adapter.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.adapters))
	for channel := range d.adapters {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

func collect(slots []outcome) Result {
	var result Result
	for _, slot := range slots {
		if slot.status != nil {
			result.Statuses = append(result.Statuses, *slot.status)
		}
		result.Actions = append(result.Actions, slot.actions...)
	}
	return result
}
