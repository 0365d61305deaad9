// Package preview replays historical events against a draft rule to estimate alert noise.
package preview

import (
	"context"
	"math"
	"sort"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
	"alertengine/internal/evaluator"
	"alertengine/internal/state"
	"alertengine/internal/suppress"
)

// NoiseLevel buckets estimated alert noise.
type NoiseLevel string

const (
	NoiseLow    NoiseLevel = "low"
	NoiseMedium NoiseLevel = "medium"
	NoiseHigh   NoiseLevel = "high"
)

// Options bounds one replay.
// Params: reference time, lookback window, event cap, and sample size.
// Returns: estimator inputs; zero values take config defaults.
type Options struct {
	Now        time.Time
	Window     time.Duration
	MaxEvents  int
	SampleSize int
}

// OptionsFromConfig converts preview section into replay defaults.
func OptionsFromConfig(cfg config.PreviewConfig) Options {
	return Options{
		Window:     time.Duration(cfg.WindowDays) * 24 * time.Hour,
		MaxEvents:  cfg.MaxEvents,
		SampleSize: cfg.SampleSize,
	}
}

// Result is noise estimate for one rule.
type Result struct {
	EstimatedMatches        int              `json:"estimated_matches"`
	DedupedMatches          int              `json:"deduped_matches"`
	SampleDocuments         []map[string]any `json:"sample_documents"`
	HistoricalTriggerCounts map[string]int   `json:"historical_trigger_counts"`
	NoiseLevel              NoiseLevel       `json:"noise_level"`
	EstimatedNoise          int              `json:"estimated_noise"`
	EventsScanned           int              `json:"events_scanned"`
	WindowStart             time.Time        `json:"window_start"`
	WindowEnd               time.Time        `json:"window_end"`
}

// Estimator runs read-only replays.
type Estimator struct {
	defaults Options
	clock    clock.Clock
}

// NewEstimator creates estimator with default bounds.
func NewEstimator(defaults Options, clk clock.Clock) *Estimator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if defaults.Window <= 0 {
		defaults.Window = 30 * 24 * time.Hour
	}
	if defaults.MaxEvents <= 0 {
		defaults.MaxEvents = 10000
	}
	if defaults.SampleSize <= 0 {
		defaults.SampleSize = 5
	}
	return &Estimator{defaults: defaults, clock: clk}
}

// Estimate replays events against rule using scratch dedup state.
// Params: context, draft rule, historical events, and optional overrides.
// Returns: match counts, samples, per-day histogram, and noise classification.
func (e *Estimator) Estimate(ctx context.Context, rule domain.AlertRule, events []domain.Event, opts Options) (Result, error) {
	opts = e.resolve(opts)
	windowStart := opts.Now.Add(-opts.Window)

	inWindow := make([]domain.Event, 0, len(events))
	for _, event := range events {
		if event.Timestamp.Before(windowStart) || event.Timestamp.After(opts.Now) {
			continue
		}
		inWindow = append(inWindow, event)
	}
	sort.SliceStable(inWindow, func(i, j int) bool { return inWindow[i].Timestamp.Before(inWindow[j].Timestamp) })
	if len(inWindow) > opts.MaxEvents {
		inWindow = inWindow[len(inWindow)-opts.MaxEvents:]
	}

	replay := clock.NewManual(windowStart)
	scratch := state.NewMemoryStore()
	defer scratch.Close()
	dedup := suppress.NewDedup(scratch, replay)

	result := Result{
		SampleDocuments:         make([]map[string]any, 0, opts.SampleSize),
		HistoricalTriggerCounts: make(map[string]int),
		EventsScanned:           len(inWindow),
		WindowStart:             windowStart,
		WindowEnd:               opts.Now,
	}
	for _, event := range inWindow {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if !evaluator.Evaluate(rule.Conditions, event) {
			continue
		}
		result.EstimatedMatches++
		replay.Set(event.Timestamp)
		decision, err := dedup.ShouldSuppress(ctx, rule, event)
		if err != nil {
			return Result{}, err
		}
		if decision.Suppressed {
			continue
		}
		result.DedupedMatches++
		result.HistoricalTriggerCounts[event.Timestamp.UTC().Format("2006-01-02")]++
		if len(result.SampleDocuments) < opts.SampleSize {
			result.SampleDocuments = append(result.SampleDocuments, event.Document())
		}
	}

	days := opts.Window.Hours() / 24
	if days < 1 {
		days = 1
	}
	result.NoiseLevel, result.EstimatedNoise = Classify(result.EstimatedMatches, result.DedupedMatches, days)
	return result, nil
}

func (e *Estimator) resolve(opts Options) Options {
	if opts.Now.IsZero() {
		opts.Now = e.clock.Now()
	}
	if opts.Window <= 0 {
		opts.Window = e.defaults.Window
	}
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = e.defaults.MaxEvents
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = e.defaults.SampleSize
	}
	return opts
}

// Classify maps raw/deduped counts to a noise level and 0..100 score.
// Params: raw matches, post-dedup matches, and window length in days.
// Returns: level and score.
func Classify(raw, deduped int, days float64) (NoiseLevel, int) {
	if raw == 0 {
		return NoiseLow, 0
	}
	ratio := 1.0
	if deduped > 0 {
		ratio = float64(raw) / float64(deduped)
	}
	perDay := float64(deduped) / days

	level := NoiseLow
	switch {
	case ratio >= 3 || perDay >= 20:
		level = NoiseHigh
	case ratio >= 1.5 || perDay >= 5:
		level = NoiseMedium
	}
	score := math.Round(50*(1-1/ratio) + 50*math.Min(perDay/20, 1))
	return level, int(math.Min(100, score))
}
