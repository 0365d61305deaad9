package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDecodeEventReader(t *testing.T) {
	t.Parallel()

	event, err := DecodeEventReader(json.NewDecoder(strings.NewReader(validEventJSON("US123"))))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != "patent" {
		t.Fatalf("unexpected type %q", event.Type)
	}
	value, ok := event.Lookup("patentId")
	if !ok || value != "US123" {
		t.Fatalf("unexpected patentId %v (present=%v)", value, ok)
	}
}

func TestDecodeEventsReader(t *testing.T) {
	t.Parallel()

	payload := "[" + validEventJSON("US1") + "," + validEventJSON("US2") + "]"
	events, err := DecodeEventsReader(json.NewDecoder(strings.NewReader(payload)))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestDecodeEventRejectsMissingParts(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"type":      `{"fields":{},"timestamp":"2024-01-01T00:00:00Z"}`,
		"timestamp": `{"type":"patent","fields":{}}`,
		"fields":    `{"type":"patent","timestamp":"2024-01-01T00:00:00Z"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeEvent([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEventLookupNestedPath(t *testing.T) {
	t.Parallel()

	event := Event{Fields: map[string]any{
		"assignee": map[string]any{"name": "Acme"},
	}}
	value, ok := event.Lookup("assignee.name")
	if !ok || value != "Acme" {
		t.Fatalf("unexpected nested lookup %v (present=%v)", value, ok)
	}
	if _, ok := event.Lookup("assignee.country"); ok {
		t.Fatalf("expected missing nested field")
	}
	if _, ok := event.Lookup("assignee.name.first"); ok {
		t.Fatalf("expected lookup through scalar to fail")
	}
}

func TestBuildTriggeredEventBoundsSample(t *testing.T) {
	t.Parallel()

	rule := AlertRule{ID: "r1", Name: "patents", Severity: SeverityHigh, TriggerType: TriggerQuery}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	matches := make([]Match, 0, 15)
	for i := 0; i < 15; i++ {
		matches = append(matches, Match{
			Event:     Event{ID: fmt.Sprintf("e%d", i), Type: "patent", Fields: map[string]any{}, Timestamp: base},
			MatchedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	te := BuildTriggeredEvent("t1", rule, base, matches, true)
	if te.MatchCount != 15 || te.Evidence.TotalMatches != 15 {
		t.Fatalf("unexpected counts %d/%d", te.MatchCount, te.Evidence.TotalMatches)
	}
	if len(te.MatchedDocuments) != MaxMatchedDocuments {
		t.Fatalf("expected %d sampled documents, got %d", MaxMatchedDocuments, len(te.MatchedDocuments))
	}
	if te.Severity != SeverityHigh || !te.Evidence.Digest {
		t.Fatalf("unexpected snapshot %+v", te)
	}
	if !te.Evidence.WindowEnd.Equal(base.Add(14 * time.Minute)) {
		t.Fatalf("unexpected window end %s", te.Evidence.WindowEnd)
	}
}

func TestMergeDeliveriesReplacesByChannelAndRecipient(t *testing.T) {
	t.Parallel()

	existing := []DeliveryStatus{
		{Channel: "slack", Recipient: "u1", Status: DeliveryPending},
		{Channel: "webhook", Recipient: "u1", Status: DeliveryDelivered},
	}
	merged := MergeDeliveries(existing, []DeliveryStatus{
		{Channel: "slack", Recipient: "u1", Status: DeliveryDelivered},
		{Channel: "slack", Recipient: "u2", Status: DeliveryFailed},
	})
	if len(merged) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(merged))
	}
	if merged[0].Status != DeliveryDelivered || merged[2].Recipient != "u2" {
		t.Fatalf("unexpected merge result %+v", merged)
	}
	if existing[0].Status != DeliveryPending {
		t.Fatalf("merge must not mutate input")
	}
}

func TestPermanentMarker(t *testing.T) {
	t.Parallel()

	base := errors.New("bad request")
	wrapped := fmt.Errorf("send: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Fatalf("expected permanent marker through wrap")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("expected root cause to stay reachable")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatalf("unexpected marker state")
	}
}

func TestPreferenceDefaults(t *testing.T) {
	t.Parallel()

	pref := NotificationPreference{
		UserID:      "u1",
		Channels:    map[string]bool{"slack": false},
		Addresses:   map[string]string{"telegram": "42"},
		MinSeverity: SeverityHigh,
	}
	if pref.ChannelEnabled("slack") || !pref.ChannelEnabled("webhook") {
		t.Fatalf("unexpected channel flags")
	}
	if pref.AllowsSeverity(SeverityMedium) || !pref.AllowsSeverity(SeverityCritical) {
		t.Fatalf("unexpected severity filter")
	}
	if pref.Address("telegram") != "42" || pref.Address("inapp") != "u1" {
		t.Fatalf("unexpected address resolution")
	}
}

func validEventJSON(patentID string) string {
	return `{"id":"evt-` + patentID + `","type":"patent","fields":{"patentId":"` + patentID + `","claims":12},"timestamp":"2024-01-01T10:00:00Z"}`
}
