package deliveryqueue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertengine/internal/config"
	"alertengine/test/testutil"

	"github.com/nats-io/nats.go"
)

func newTestRetryConfig(maxDeliver int) config.RetryConfig {
	return config.RetryConfig{
		Backend:       config.RetryBackendNATS,
		AckWaitSec:    1,
		NackDelayMS:   10,
		MaxDeliver:    maxDeliver,
		MaxAckPending: 128,
		Stream:        "ALERTENGINE_RETRY_TEST",
		Subject:       "alertengine.test.retry",
		ConsumerName:  "alertengine-retry-test",
		DeliverGroup:  "alertengine-retry-test-workers",
		DLQStream:     "ALERTENGINE_RETRY_TEST_DLQ",
		DLQSubject:    "alertengine.test.retry.dlq",
	}
}

func TestNATSReplayerResubmitsWhenCapacityFrees(t *testing.T) {
	natsURL := testutil.JetStream(t)

	cfg := newTestRetryConfig(20)
	retryLog, err := NewNATSRetryLog([]string{natsURL}, cfg)
	if err != nil {
		t.Fatalf("new retry log: %v", err)
	}
	defer func() { _ = retryLog.Close() }()

	var (
		mu       sync.Mutex
		refusals int
		accepted = make(chan Job, 1)
	)
	replayer, err := NewNATSReplayer([]string{natsURL}, cfg, func(job Job) bool {
		mu.Lock()
		defer mu.Unlock()
		if refusals < 2 {
			refusals++
			return false
		}
		accepted <- job
		return true
	}, nil)
	if err != nil {
		t.Fatalf("new replayer: %v", err)
	}
	defer func() { _ = replayer.Close() }()

	if err := retryLog.Append(context.Background(), testJob("te-1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case job := <-accepted:
		if job.ID != "te-1" {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for replay")
	}
}

func TestNATSReplayerDeadLettersAfterMaxDeliver(t *testing.T) {
	natsURL := testutil.JetStream(t)

	cfg := newTestRetryConfig(2)
	cfg.DLQ = true
	retryLog, err := NewNATSRetryLog([]string{natsURL}, cfg)
	if err != nil {
		t.Fatalf("new retry log: %v", err)
	}
	defer func() { _ = retryLog.Close() }()

	var calls int32
	replayer, err := NewNATSReplayer([]string{natsURL}, cfg, func(Job) bool {
		atomic.AddInt32(&calls, 1)
		return false
	}, nil)
	if err != nil {
		t.Fatalf("new replayer: %v", err)
	}
	defer func() { _ = replayer.Close() }()

	nc, err := nats.Connect(natsURL)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(cfg.DLQSubject)
	if err != nil {
		t.Fatalf("subscribe dlq: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush subscribe: %v", err)
	}

	if err := retryLog.Append(context.Background(), testJob("te-2")); err != nil {
		t.Fatalf("append: %v", err)
	}
	message, err := sub.NextMsg(8 * time.Second)
	if err != nil {
		t.Fatalf("wait dlq message: %v", err)
	}
	var entry DLQEntry
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		t.Fatalf("decode dlq entry: %v", err)
	}
	if entry.Reason != DLQReasonMaxDeliverExceeded || entry.Job.ID != "te-2" || entry.Attempts < 2 {
		t.Fatalf("unexpected dlq entry: %+v", entry)
	}
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected >=2 submit attempts, got %d", got)
	}
}
