package deliveryqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertengine/internal/domain"
)

func testJob(id string) Job {
	return Job{ID: id, Triggered: domain.TriggeredEvent{ID: id, RuleID: "r1"}}
}

func TestQueueDrainsOnClose(t *testing.T) {
	t.Parallel()

	var handled int32
	q := New(16, 3, func(_ context.Context, _ Job) {
		atomic.AddInt32(&handled, 1)
	}, nil, nil)
	q.Start(context.Background())

	for i := 0; i < 10; i++ {
		if err := q.Submit(context.Background(), testJob(string(rune('a'+i)))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := atomic.LoadInt32(&handled); got != 10 {
		t.Fatalf("expected 10 handled jobs, got %d", got)
	}
	if err := q.Submit(context.Background(), testJob("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestQueueSubmitNeverBlocksAndOverflows(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var once sync.Once
	q := New(1, 1, func(_ context.Context, _ Job) { <-release }, NewMemoryRetryLog(2), nil)
	q.Start(context.Background())
	defer func() {
		once.Do(func() { close(release) })
		_ = q.Close()
	}()

	// First job occupies the worker, second fills the buffer.
	if err := q.Submit(context.Background(), testJob("1")); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := q.Submit(context.Background(), testJob("2")); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Submit(context.Background(), testJob("3")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("submit 3: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on full queue")
	}

	overflow := q.overflow.(*MemoryRetryLog)
	if overflow.Len() != 1 {
		t.Fatalf("expected overflowed job in retry log, got %d", overflow.Len())
	}
	_ = q.Submit(context.Background(), testJob("4"))
	if err := q.Submit(context.Background(), testJob("5")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull when log is full, got %v", err)
	}
}

func TestQueueWithoutOverflowReportsFull(t *testing.T) {
	t.Parallel()

	q := New(1, 1, func(context.Context, Job) {}, nil, nil)
	if err := q.Submit(context.Background(), testJob("1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Submit(context.Background(), testJob("2")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	_ = q.Close()
}

func TestMemoryRetryLogReplayStopsWhenRefused(t *testing.T) {
	t.Parallel()

	log := NewMemoryRetryLog(0)
	for _, id := range []string{"a", "b", "c"} {
		if err := log.Append(context.Background(), testJob(id)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var accepted []string
	replayed := log.Replay(func(job Job) bool {
		if len(accepted) == 2 {
			return false
		}
		accepted = append(accepted, job.ID)
		return true
	})
	if replayed != 2 || log.Len() != 1 {
		t.Fatalf("replayed=%d remaining=%d", replayed, log.Len())
	}
	if accepted[0] != "a" || accepted[1] != "b" {
		t.Fatalf("unexpected replay order: %v", accepted)
	}
	log.Replay(func(job Job) bool {
		accepted = append(accepted, job.ID)
		return true
	})
	if log.Len() != 0 || accepted[2] != "c" {
		t.Fatalf("expected full replay, got %v", accepted)
	}
}

func TestNewJobCopiesEnabledTargets(t *testing.T) {
	t.Parallel()

	rule := domain.AlertRule{
		ID: "r1",
		Delivery: []domain.DeliveryConfig{
			{Channel: "slack", Enabled: true},
			{Channel: "webhook", Enabled: false},
		},
		Subscribers: []string{"u1"},
	}
	job := NewJob(domain.TriggeredEvent{ID: "te"}, rule, time.Unix(0, 0))
	if len(job.Channels) != 1 || job.Channels[0].Channel != "slack" {
		t.Fatalf("unexpected channels: %+v", job.Channels)
	}
	rule.Subscribers[0] = "changed"
	if job.Subscribers[0] != "u1" {
		t.Fatalf("subscribers alias rule slice")
	}
}
