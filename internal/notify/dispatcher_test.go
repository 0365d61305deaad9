package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"alertengine/internal/clock"
	"alertengine/internal/config"
	"alertengine/internal/domain"
)

type flakyAdapter struct {
	channel string
	fails   int
	err     error
	mu      sync.Mutex
	calls   int
}

func (a *flakyAdapter) Channel() string { return a.channel }

func (a *flakyAdapter) Send(_ context.Context, _ string, _ Payload) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.fails {
		if a.err != nil {
			return false, a.err
		}
		return false, errors.New("temporary error")
	}
	return true, nil
}

type captureAdapter struct {
	channel string
	mu      sync.Mutex
	sent    map[string]Payload
}

func (a *captureAdapter) Channel() string { return a.channel }

func (a *captureAdapter) Send(_ context.Context, recipient string, payload Payload) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent == nil {
		a.sent = make(map[string]Payload)
	}
	a.sent[recipient] = payload
	return true, nil
}

func (a *captureAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func newTestDispatcher(t *testing.T, clk clock.Clock, prefs PreferenceProvider, adapters ...Adapter) *Dispatcher {
	t.Helper()
	renderer, err := NewRenderer(config.TemplateConfig{
		Title: "[{{ .Severity }}] {{ .RuleName }}",
		Body:  "{{ .MatchCount }} match(es)",
	})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}
	return NewDispatcher(adapters, renderer, prefs, policy, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testTrigger() domain.TriggeredEvent {
	return domain.TriggeredEvent{
		ID:          "te-1",
		RuleID:      "r1",
		RuleName:    "Disk",
		Severity:    domain.SeverityHigh,
		TriggeredAt: time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
		MatchCount:  1,
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{channel: "webhook", fails: 2}
	dispatcher := newTestDispatcher(t, nil, nil, adapter)

	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "webhook", Enabled: true}}, []string{"u1"})

	if len(result.Statuses) != 1 {
		t.Fatalf("expected one status, got %d", len(result.Statuses))
	}
	status := result.Statuses[0]
	if status.Status != domain.DeliveryDelivered || status.RetryCount != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(result.Actions) != 3 {
		t.Fatalf("expected one action per attempt, got %d", len(result.Actions))
	}
	if result.Actions[0].Success || !result.Actions[2].Success || result.Actions[2].Attempt != 3 {
		t.Fatalf("unexpected actions: %+v", result.Actions)
	}
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{channel: "webhook", fails: 10}
	dispatcher := newTestDispatcher(t, nil, nil, adapter)

	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "webhook", Enabled: true}}, []string{"u1"})

	status := result.Statuses[0]
	if status.Status != domain.DeliveryFailed {
		t.Fatalf("expected failed status, got %+v", status)
	}
	if !strings.Contains(status.ErrorMessage, "after 3 attempts") {
		t.Fatalf("unexpected error message: %q", status.ErrorMessage)
	}
	if adapter.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", adapter.calls)
	}
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{channel: "webhook", fails: 10, err: domain.Permanent(errors.New("bad request"))}
	dispatcher := newTestDispatcher(t, nil, nil, adapter)

	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "webhook", Enabled: true}}, []string{"u1"})

	if adapter.calls != 1 {
		t.Fatalf("expected single call, got %d", adapter.calls)
	}
	if result.Statuses[0].Status != domain.DeliveryFailed || len(result.Actions) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatcherFansOutChannelsAndSubscribers(t *testing.T) {
	t.Parallel()

	slack := &captureAdapter{channel: "slack"}
	inapp := &captureAdapter{channel: "inapp"}
	dispatcher := newTestDispatcher(t, nil, nil, slack, inapp)

	result := dispatcher.Deliver(context.Background(), testTrigger(), []domain.DeliveryConfig{
		{Channel: "slack", Enabled: true},
		{Channel: "inapp", Enabled: true},
		{Channel: "webhook", Enabled: false},
	}, []string{"u1", "u2", "u3"})

	if len(result.Statuses) != 6 {
		t.Fatalf("expected 6 statuses, got %d", len(result.Statuses))
	}
	if slack.count() != 3 || inapp.count() != 3 {
		t.Fatalf("unexpected fan-out: slack=%d inapp=%d", slack.count(), inapp.count())
	}
	if got := slack.sent["u2"].Title; got != "[high] Disk" {
		t.Fatalf("unexpected rendered title %q", got)
	}
}

func TestDispatcherUnknownAdapterFails(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, nil, nil)
	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "telegram", Enabled: true}}, []string{"u1"})
	if len(result.Statuses) != 1 || result.Statuses[0].Status != domain.DeliveryFailed {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatcherWithoutSubscribersUsesConfigRecipient(t *testing.T) {
	t.Parallel()

	adapter := &captureAdapter{channel: "webhook"}
	dispatcher := newTestDispatcher(t, nil, nil, adapter)
	dispatcher.Deliver(context.Background(), testTrigger(), []domain.DeliveryConfig{{
		Channel: "webhook", Enabled: true, Config: map[string]string{"recipient": "ops"},
	}}, nil)

	payload, ok := adapter.sent["ops"]
	if !ok {
		t.Fatalf("expected delivery to config recipient, got %+v", adapter.sent)
	}
	if payload.Config["recipient"] != "ops" || payload.Channel != "webhook" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestDispatcherPreferenceSkipsAndAddresses(t *testing.T) {
	t.Parallel()

	prefs := NewStaticPreferences([]domain.NotificationPreference{
		{UserID: "muted", Channels: map[string]bool{"slack": false}},
		{UserID: "picky", MinSeverity: domain.SeverityCritical},
		{UserID: "mapped", Addresses: map[string]string{"slack": "@mapped"}},
	})
	adapter := &captureAdapter{channel: "slack"}
	dispatcher := newTestDispatcher(t, nil, prefs, adapter)

	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "slack", Enabled: true}}, []string{"muted", "picky", "mapped", "plain"})

	if len(result.Statuses) != 2 {
		t.Fatalf("expected skipped targets to have no status, got %+v", result.Statuses)
	}
	if _, ok := adapter.sent["@mapped"]; !ok {
		t.Fatalf("expected mapped address, got %+v", adapter.sent)
	}
	if _, ok := adapter.sent["plain"]; !ok {
		t.Fatalf("expected plain user delivery, got %+v", adapter.sent)
	}
}

type failingPreferences struct{}

func (failingPreferences) Preference(context.Context, string) (domain.NotificationPreference, bool, error) {
	return domain.NotificationPreference{}, false, errors.New("preference store down")
}

func TestDispatcherPreferenceErrorFailsOpen(t *testing.T) {
	t.Parallel()

	adapter := &captureAdapter{channel: "slack"}
	dispatcher := newTestDispatcher(t, nil, failingPreferences{}, adapter)
	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "slack", Enabled: true}}, []string{"u1"})
	if len(result.Statuses) != 1 || result.Statuses[0].Status != domain.DeliveryDelivered {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatcherQuietHoursDefersUntilWindowEnds(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 3, 5, 23, 30, 0, 0, time.UTC))
	prefs := NewStaticPreferences([]domain.NotificationPreference{{
		UserID:     "u1",
		QuietHours: &domain.QuietHours{Start: "22:00", End: "07:00", Location: "UTC"},
	}})
	adapter := &captureAdapter{channel: "slack"}
	dispatcher := newTestDispatcher(t, clk, prefs, adapter)

	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "slack", Enabled: true}}, []string{"u1"})
	if result.Statuses[0].Status != domain.DeliveryPending || result.Actions[0].Action != domain.ActionQueued {
		t.Fatalf("expected pending queued delivery, got %+v", result)
	}
	if adapter.count() != 0 || dispatcher.Deferred() != 1 {
		t.Fatalf("expected nothing sent and one deferred item")
	}

	if released := dispatcher.ReleaseQuiet(context.Background(), time.Date(2024, 3, 6, 6, 59, 0, 0, time.UTC)); len(released) != 0 {
		t.Fatalf("released before window end: %+v", released)
	}
	released := dispatcher.ReleaseQuiet(context.Background(), time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC))
	if len(released) != 1 || released[0].TriggeredEventID != "te-1" {
		t.Fatalf("unexpected release: %+v", released)
	}
	if released[0].Statuses[0].Status != domain.DeliveryDelivered || adapter.count() != 1 {
		t.Fatalf("expected delivered after release, got %+v", released[0])
	}
	if dispatcher.Deferred() != 0 {
		t.Fatalf("expected empty deferred queue")
	}
}

func TestDispatcherDigestOverrideDefersRealtime(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 3, 5, 12, 10, 0, 0, time.UTC))
	prefs := NewStaticPreferences([]domain.NotificationPreference{{UserID: "u1", DigestOverride: domain.FrequencyHourly}})
	adapter := &captureAdapter{channel: "slack"}
	dispatcher := newTestDispatcher(t, clk, prefs, adapter)

	dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "slack", Enabled: true}}, []string{"u1"})
	if adapter.count() != 0 {
		t.Fatalf("expected deferral")
	}
	released := dispatcher.ReleaseQuiet(context.Background(), time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC))
	if len(released) != 1 || adapter.count() != 1 {
		t.Fatalf("expected release at next hour, got %+v", released)
	}
}

type notDeliveredAdapter struct{}

func (notDeliveredAdapter) Channel() string { return "webhook" }

func (notDeliveredAdapter) Send(context.Context, string, Payload) (bool, error) { return false, nil }

func TestDispatcherNotDeliveredIsPermanent(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, nil, nil, notDeliveredAdapter{})
	result := dispatcher.Deliver(context.Background(), testTrigger(),
		[]domain.DeliveryConfig{{Channel: "webhook", Enabled: true}}, []string{"u1"})
	if len(result.Actions) != 1 || result.Statuses[0].Status != domain.DeliveryFailed {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestQuietWindow(t *testing.T) {
	t.Parallel()

	overnight := &domain.QuietHours{Start: "22:00", End: "07:00", Location: "UTC"}
	daytime := &domain.QuietHours{Start: "12:00", End: "13:00", Location: "UTC"}
	cases := []struct {
		name    string
		quiet   *domain.QuietHours
		now     time.Time
		inside  bool
		wantEnd time.Time
	}{
		{name: "nil", quiet: nil, now: time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC)},
		{name: "before midnight", quiet: overnight, now: time.Date(2024, 3, 5, 23, 0, 0, 0, time.UTC), inside: true, wantEnd: time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC)},
		{name: "after midnight", quiet: overnight, now: time.Date(2024, 3, 6, 3, 0, 0, 0, time.UTC), inside: true, wantEnd: time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC)},
		{name: "outside overnight", quiet: overnight, now: time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC)},
		{name: "inside daytime", quiet: daytime, now: time.Date(2024, 3, 6, 12, 30, 0, 0, time.UTC), inside: true, wantEnd: time.Date(2024, 3, 6, 13, 0, 0, 0, time.UTC)},
		{name: "end exclusive", quiet: daytime, now: time.Date(2024, 3, 6, 13, 0, 0, 0, time.UTC)},
		{name: "empty window", quiet: &domain.QuietHours{Start: "10:00", End: "10:00"}, now: time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			inside, end := QuietWindow(tc.quiet, tc.now)
			if inside != tc.inside || !end.Equal(tc.wantEnd) {
				t.Fatalf("QuietWindow() = %v, %v; want %v, %v", inside, end, tc.inside, tc.wantEnd)
			}
		})
	}
}
