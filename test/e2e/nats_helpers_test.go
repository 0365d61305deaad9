package e2e

import (
	"errors"
	"strings"
	"testing"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/state"

	"github.com/nats-io/nats.go"
)

// ensureEventStream creates JetStream stream used by ingest queue if missing.
// Params: test handle, server URL, stream name, and subject.
// Returns: stream exists with required subject.
func ensureEventStream(tb testing.TB, url, streamName, subject string) {
	tb.Helper()

	nc, err := nats.Connect(url)
	if err != nil {
		tb.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		tb.Fatalf("jetstream init: %v", err)
	}

	if _, err := js.StreamInfo(streamName); err == nil {
		return
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		tb.Fatalf("stream info failed: %v", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		tb.Fatalf("add stream %q failed: %v", streamName, err)
	}
}

// ensureStateBuckets creates the dedup and throttle KV buckets before replicas race for them.
// Params: test handle and server URL.
// Returns: buckets exist.
func ensureStateBuckets(tb testing.TB, url string) {
	tb.Helper()

	cfg := config.DeriveStateNATSConfig(config.Config{Ingest: config.IngestConfig{NATS: config.NATSIngestConfig{URL: []string{url}}}})
	store, err := state.NewNATSStore(cfg)
	if err != nil {
		tb.Fatalf("prepare state buckets: %v", err)
	}
	_ = store.Close()
}
