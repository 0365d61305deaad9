// Package orchestrator runs the per-batch pipeline: evaluate, dedup, throttle, then trigger or digest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/deliveryqueue"
	"alertengine/internal/domain"
	"alertengine/internal/evaluator"
	"alertengine/internal/history"
	"alertengine/internal/notify"
	"alertengine/internal/preview"
	"alertengine/internal/rules"
	"alertengine/internal/suppress"

	"github.com/google/uuid"
)

// Submitter accepts triggered events for asynchronous delivery.
type Submitter interface {
	Submit(ctx context.Context, job deliveryqueue.Job) error
}

// Delivery fans triggered events out and releases deferred deliveries.
type Delivery interface {
	Deliver(ctx context.Context, triggered domain.TriggeredEvent, channels []domain.DeliveryConfig, subscribers []string) notify.Result
	ReleaseQuiet(ctx context.Context, now time.Time) []notify.Released
}

// Options wires orchestrator collaborators.
// Params: registry, suppression components, history, delivery queue/dispatcher, estimator, and runtime knobs.
// Returns: construction input for New.
type Options struct {
	Registry        *rules.Registry
	Dedup           *suppress.Dedup
	Throttle        *suppress.Throttle
	History         history.Store
	Queue           Submitter
	Delivery        Delivery
	Estimator       *preview.Estimator
	Clock           clock.Clock
	Logger          *slog.Logger
	NewID           func() string
	Shards          int
	RuleParallelism int
}

// BatchReport summarizes one ProcessBatch call.
type BatchReport struct {
	Events     int      `json:"events"`
	Rules      int      `json:"rules"`
	Matched    int      `json:"matched"`
	Deduped    int      `json:"deduped"`
	Throttled  int      `json:"throttled"`
	Triggered  int      `json:"triggered"`
	Buffered   int      `json:"buffered"`
	Skipped    int      `json:"skipped"`
	Degraded   []string `json:"degraded,omitempty"`
	MissingKey int      `json:"missing_key"`
}

// Merge folds another report into r.
func (r *BatchReport) Merge(other BatchReport) {
	r.Events += other.Events
	if other.Rules > r.Rules {
		r.Rules = other.Rules
	}
	r.Matched += other.Matched
	r.Deduped += other.Deduped
	r.Throttled += other.Throttled
	r.Triggered += other.Triggered
	r.Buffered += other.Buffered
	r.Skipped += other.Skipped
	r.MissingKey += other.MissingKey
	r.Degraded = append(r.Degraded, other.Degraded...)
}

// TickReport summarizes one background tick.
type TickReport struct {
	Digests  int `json:"digests"`
	Released int `json:"released"`
	Swept    int `json:"swept"`
}

// Orchestrator owns rule evaluation and trigger bookkeeping.
// Params: see Options.
// Returns: engine core driven by ingest, API, and background tickers.
type Orchestrator struct {
	registry  *rules.Registry
	dedup     *suppress.Dedup
	throttle  *suppress.Throttle
	history   history.Store
	queue     Submitter
	delivery  Delivery
	estimator *preview.Estimator
	clock     clock.Clock
	logger    *slog.Logger
	newID     func() string
	shards    []*shard
	parallel  int
}

// New creates orchestrator.
// Params: collaborators; registry, dedup, throttle, and history are required.
// Returns: orchestrator or wiring error.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("orchestrator: registry is required")
	case opts.Dedup == nil || opts.Throttle == nil:
		return nil, errors.New("orchestrator: dedup and throttle are required")
	case opts.History == nil:
		return nil, errors.New("orchestrator: history store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.RuleParallelism <= 0 {
		opts.RuleParallelism = 1
	}

	o := &Orchestrator{
		registry:  opts.Registry,
		dedup:     opts.Dedup,
		throttle:  opts.Throttle,
		history:   opts.History,
		queue:     opts.Queue,
		delivery:  opts.Delivery,
		estimator: opts.Estimator,
		clock:     opts.Clock,
		logger:    opts.Logger,
		newID:     opts.NewID,
		parallel:  opts.RuleParallelism,
	}
	o.shards = make([]*shard, opts.Shards)
	for i := range o.shards {
		o.shards[i] = newShard(i, opts.NewID, opts.Logger)
	}
	return o, nil
}

// ProcessBatch evaluates every non-paused rule against the batch.
// Params: context and events in arrival order.
// Returns: batch counters; per-rule failures degrade that rule only.
func (o *Orchestrator) ProcessBatch(ctx context.Context, events []domain.Event) BatchReport {
	snapshot := o.registry.List()
	report := BatchReport{Events: len(events), Rules: len(snapshot)}
	if len(events) == 0 || len(snapshot) == 0 {
		return report
	}

	grouped := make([][]domain.AlertRule, len(o.shards))
	for _, rule := range snapshot {
		idx := shardIndex(rule.ID, len(o.shards))
		grouped[idx] = append(grouped[idx], rule)
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, shardRules := range grouped {
		if len(shardRules) == 0 {
			continue
		}
		wg.Add(1)
		go func(sh *shard, shardRules []domain.AlertRule) {
			defer wg.Done()
			partial := o.processShard(ctx, sh, shardRules, events)
			mu.Lock()
			report.Merge(partial)
			mu.Unlock()
		}(o.shards[i], shardRules)
	}
	wg.Wait()
	return report
}

// processShard runs shard rules with bounded parallelism while holding the shard lock.
// Rules are re-read under the lock; ones deleted since the snapshot are skipped.
func (o *Orchestrator) processShard(ctx context.Context, sh *shard, shardRules []domain.AlertRule, events []domain.Event) BatchReport {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report BatchReport
	)
	sem := make(chan struct{}, o.parallel)
	for _, listed := range shardRules {
		// Deletes and state changes that landed before the lock win over the batch snapshot.
		rule, err := o.registry.Get(listed.ID)
		if err != nil {
			continue
		}
		if rule.State == domain.RuleStatePaused {
			report.Skipped++
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return report
		}
		wg.Add(1)
		go func(rule domain.AlertRule) {
			defer func() {
				<-sem
				wg.Done()
			}()
			partial := o.processRule(ctx, sh, rule, events)
			mu.Lock()
			report.Merge(partial)
			mu.Unlock()
		}(rule)
	}
	wg.Wait()
	return report
}

// processRule applies one rule to every event in order.
// Params: context, owning shard, rule snapshot, and events.
// Returns: rule counters; a state failure stops the rule for the rest of the batch.
func (o *Orchestrator) processRule(ctx context.Context, sh *shard, rule domain.AlertRule, events []domain.Event) BatchReport {
	var report BatchReport
	for _, event := range events {
		if ctx.Err() != nil {
			return report
		}
		if !evaluator.Evaluate(rule.Conditions, event) {
			continue
		}
		report.Matched++
		now := o.clock.Now()

		dedup, err := o.dedup.ShouldSuppressAt(ctx, rule, event, now)
		if err != nil {
			o.degrade(rule, err)
			report.Degraded = append(report.Degraded, rule.ID)
			return report
		}
		if dedup.MissingKey {
			report.MissingKey++
			o.logger.Debug("dedup key missing, event not suppressed", "rule_id", rule.ID, "event_id", event.ID, "field", rule.Dedup.Field)
		}
		if dedup.Suppressed {
			report.Deduped++
			continue
		}
		match := domain.Match{Event: event, DedupKey: dedup.Key, MatchedAt: now}

		allowed, err := o.throttle.TryAcquireAt(ctx, rule, now)
		if err != nil {
			o.degrade(rule, err)
			report.Degraded = append(report.Degraded, rule.ID)
			return report
		}
		if !allowed {
			report.Throttled++
			o.recordThrottled(ctx, rule, match, now)
			continue
		}

		if rule.IsDigest() {
			if _, err := sh.scheduler.Arm(rule, now); err != nil {
				o.logger.Warn("digest schedule invalid", "rule_id", rule.ID, "error", err.Error())
				continue
			}
			sh.buffer.Enqueue(rule.ID, match)
			report.Buffered++
			continue
		}

		triggered := domain.BuildTriggeredEvent(o.newID(), rule, now, []domain.Match{match}, false)
		if err := o.emit(ctx, rule, triggered); err != nil {
			o.logger.Error("persist triggered event failed", "rule_id", rule.ID, "triggered_event_id", triggered.ID, "error", err.Error())
			continue
		}
		report.Triggered++
	}

	if err := o.registry.MarkHealthy(rule.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.Warn("mark rule healthy failed", "rule_id", rule.ID, "error", err.Error())
	}
	return report
}

// emit persists trigger, bumps rule counters, and submits delivery unless rule is muted.
// Params: context, rule snapshot, and triggered event.
// Returns: history save error; queue failures are recorded on the event instead.
func (o *Orchestrator) emit(ctx context.Context, rule domain.AlertRule, triggered domain.TriggeredEvent) error {
	if err := o.history.Save(ctx, triggered); err != nil {
		return err
	}
	if err := o.registry.RecordTrigger(rule.ID, triggered.TriggeredAt); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.Warn("record trigger failed", "rule_id", rule.ID, "error", err.Error())
	}
	if rule.State == domain.RuleStateMuted || o.queue == nil {
		return nil
	}

	job := deliveryqueue.NewJob(triggered, rule, o.clock.Now())
	if err := o.queue.Submit(ctx, job); err != nil {
		o.logger.Error("delivery submit failed", "rule_id", rule.ID, "triggered_event_id", triggered.ID, "error", err.Error())
		o.recordSubmitFailure(ctx, job, err)
	}
	return nil
}

// recordThrottled stores an audit row for a trigger denied by the rate limit.
func (o *Orchestrator) recordThrottled(ctx context.Context, rule domain.AlertRule, match domain.Match, now time.Time) {
	triggered := domain.BuildTriggeredEvent(o.newID(), rule, now, []domain.Match{match}, rule.IsDigest())
	triggered.Actions = []domain.ActionPerformed{{Action: domain.ActionThrottled, Timestamp: now, Success: true}}
	for _, channel := range rule.EnabledChannels() {
		triggered.Deliveries = append(triggered.Deliveries, domain.DeliveryStatus{
			Channel:   channel.Channel,
			Status:    domain.DeliveryThrottled,
			UpdatedAt: now,
		})
	}
	if err := o.history.Save(ctx, triggered); err != nil {
		o.logger.Error("persist throttled event failed", "rule_id", rule.ID, "error", err.Error())
	}
}

// recordSubmitFailure marks every enabled channel failed when the queue refused the job.
func (o *Orchestrator) recordSubmitFailure(ctx context.Context, job deliveryqueue.Job, cause error) {
	now := o.clock.Now()
	statuses := make([]domain.DeliveryStatus, 0, len(job.Channels))
	actions := make([]domain.ActionPerformed, 0, len(job.Channels))
	for _, channel := range job.Channels {
		statuses = append(statuses, domain.DeliveryStatus{
			Channel:      channel.Channel,
			Status:       domain.DeliveryFailed,
			ErrorMessage: cause.Error(),
			UpdatedAt:    now,
		})
		actions = append(actions, domain.ActionPerformed{
			Action:    domain.ActionFailed,
			Channel:   channel.Channel,
			Timestamp: now,
			Error:     cause.Error(),
		})
	}
	if err := o.history.UpdateDelivery(ctx, job.ID, statuses, actions); err != nil {
		o.logger.Error("record submit failure failed", "triggered_event_id", job.ID, "error", err.Error())
	}
}

func (o *Orchestrator) degrade(rule domain.AlertRule, cause error) {
	o.logger.Error("rule degraded", "rule_id", rule.ID, "error", cause.Error())
	if err := o.registry.MarkDegraded(rule.ID, cause); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.Warn("mark rule degraded failed", "rule_id", rule.ID, "error", err.Error())
	}
}

// HandleDelivery is the delivery queue handler: fan out job and persist outcome.
// Params: worker context and job.
// Returns: none; failures are recorded on the triggered event.
func (o *Orchestrator) HandleDelivery(ctx context.Context, job deliveryqueue.Job) {
	if o.delivery == nil {
		return
	}
	result := o.delivery.Deliver(ctx, job.Triggered, job.Channels, job.Subscribers)
	if err := o.history.UpdateDelivery(ctx, job.ID, result.Statuses, result.Actions); err != nil {
		o.logger.Error("persist delivery outcome failed", "triggered_event_id", job.ID, "error", err.Error())
	}
}

// Tick runs every periodic duty once.
func (o *Orchestrator) Tick(ctx context.Context) TickReport {
	return TickReport{
		Digests:  o.FlushDigests(ctx),
		Released: o.ReleaseQuiet(ctx),
		Swept:    o.Sweep(ctx),
	}
}

// FlushDigests emits aggregated triggers for digest rules whose boundary passed.
// Params: context.
// Returns: number of emitted digest triggers.
func (o *Orchestrator) FlushDigests(ctx context.Context) int {
	now := o.clock.Now()
	byShard := make([][]domain.AlertRule, len(o.shards))
	index := make(map[string]domain.AlertRule)
	for _, rule := range o.registry.List() {
		if !rule.IsDigest() || rule.State == domain.RuleStatePaused {
			continue
		}
		idx := shardIndex(rule.ID, len(o.shards))
		byShard[idx] = append(byShard[idx], rule)
		index[rule.ID] = rule
	}

	emitted := 0
	for i, sh := range o.shards {
		if len(byShard[i]) == 0 {
			continue
		}
		sh.mu.Lock()
		flushed := sh.scheduler.Tick(ctx, byShard[i], now)
		for _, triggered := range flushed {
			rule := index[triggered.RuleID]
			if err := o.emit(ctx, rule, triggered); err != nil {
				o.logger.Error("persist digest failed", "rule_id", rule.ID, "triggered_event_id", triggered.ID, "error", err.Error())
				continue
			}
			emitted++
		}
		sh.mu.Unlock()
	}
	return emitted
}

// ReleaseQuiet delivers deferred deliveries and persists their outcome.
func (o *Orchestrator) ReleaseQuiet(ctx context.Context) int {
	if o.delivery == nil {
		return 0
	}
	released := o.delivery.ReleaseQuiet(ctx, o.clock.Now())
	for _, item := range released {
		if err := o.history.UpdateDelivery(ctx, item.TriggeredEventID, item.Statuses, item.Actions); err != nil {
			o.logger.Error("persist released delivery failed", "triggered_event_id", item.TriggeredEventID, "error", err.Error())
		}
	}
	return len(released)
}

// Sweep evicts expired dedup entries.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	removed, err := o.dedup.Sweep(ctx)
	if err != nil {
		o.logger.Warn("dedup sweep failed", "error", err.Error())
		return 0
	}
	return removed
}

// CreateRule validates and registers rule.
func (o *Orchestrator) CreateRule(rule domain.AlertRule) (domain.AlertRule, error) {
	return o.registry.Create(rule)
}

// UpdateRule replaces rule definition and re-arms its digest schedule.
// Params: rule with id.
// Returns: stored rule or validation/not-found error.
func (o *Orchestrator) UpdateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	sh := o.shardFor(rule.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	previous, err := o.registry.Get(rule.ID)
	if err != nil {
		return domain.AlertRule{}, err
	}
	updated, err := o.registry.Update(rule)
	if err != nil {
		return domain.AlertRule{}, err
	}

	switch {
	case previous.IsDigest() && !updated.IsDigest():
		// Pending matches go out once under the old cadence before the rule turns real-time.
		if triggered := sh.buffer.Flush(previous, o.clock.Now(), o.newID); triggered != nil {
			if err := o.emit(ctx, updated, *triggered); err != nil {
				o.logger.Error("persist digest on update failed", "rule_id", rule.ID, "error", err.Error())
			}
		}
		sh.scheduler.Forget(rule.ID)
	case updated.IsDigest():
		if _, err := sh.scheduler.Arm(updated, o.clock.Now()); err != nil {
			o.logger.Warn("digest schedule invalid", "rule_id", rule.ID, "error", err.Error())
		}
	}
	return updated, nil
}

// DeleteRule removes rule and drops its digest buffer.
func (o *Orchestrator) DeleteRule(id string) error {
	sh := o.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := o.registry.Delete(id); err != nil {
		return err
	}
	if dropped := sh.buffer.Pending(id); dropped > 0 {
		o.logger.Info("digest buffer dropped with rule", "rule_id", id, "matches", dropped)
	}
	sh.scheduler.Forget(id)
	return nil
}

// SetRuleState switches active/muted/paused.
func (o *Orchestrator) SetRuleState(id string, state domain.RuleState) (domain.AlertRule, error) {
	sh := o.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return o.registry.SetState(id, state)
}

// GetRule returns one rule.
func (o *Orchestrator) GetRule(id string) (domain.AlertRule, error) {
	return o.registry.Get(id)
}

// ListRules returns all rules sorted by id.
func (o *Orchestrator) ListRules() []domain.AlertRule {
	return o.registry.List()
}

// PreviewRule estimates noise of a rule over sample events without touching live state.
// Params: context, rule (stored id or inline definition), events, and options.
// Returns: estimate; stored rules get their EstimatedNoise refreshed.
func (o *Orchestrator) PreviewRule(ctx context.Context, rule domain.AlertRule, events []domain.Event, opts preview.Options) (preview.Result, error) {
	if o.estimator == nil {
		return preview.Result{}, errors.New("preview is not configured")
	}
	stored := false
	if rule.ID != "" && len(rule.Conditions) == 0 {
		existing, err := o.registry.Get(rule.ID)
		if err != nil {
			return preview.Result{}, err
		}
		rule = existing
		stored = true
	} else {
		rule = rule.Clone()
		rules.Normalize(&rule)
		if err := evaluator.ValidateConditions(rule.Conditions); err != nil {
			return preview.Result{}, err
		}
	}

	result, err := o.estimator.Estimate(ctx, rule, events, opts)
	if err != nil {
		return preview.Result{}, fmt.Errorf("estimate noise: %w", err)
	}
	if stored {
		if err := o.registry.SetEstimatedNoise(rule.ID, result.EstimatedNoise); err != nil {
			o.logger.Warn("store noise estimate failed", "rule_id", rule.ID, "error", err.Error())
		}
	}
	return result, nil
}

// TriggeredEvents lists history rows.
func (o *Orchestrator) TriggeredEvents(ctx context.Context, filter history.Filter) ([]domain.TriggeredEvent, error) {
	return o.history.List(ctx, filter)
}

// TriggeredEvent returns one history row.
func (o *Orchestrator) TriggeredEvent(ctx context.Context, id string) (domain.TriggeredEvent, error) {
	return o.history.Get(ctx, id)
}

// PendingDigest returns buffered match count for rule.
func (o *Orchestrator) PendingDigest(ruleID string) int {
	return o.shardFor(ruleID).buffer.Pending(ruleID)
}

func (o *Orchestrator) shardFor(ruleID string) *shard {
	return o.shards[shardIndex(ruleID, len(o.shards))]
}
