package deliveryqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"alertengine/internal/domain"
)

// ErrQueueFull reports that neither the queue nor the overflow log could accept a job.
var ErrQueueFull = errors.New("delivery queue is full")

// ErrClosed reports submit after Close.
var ErrClosed = errors.New("delivery queue is closed")

// Job is one triggered event waiting for channel fan-out.
// Params: triggered event snapshot plus rule delivery targets.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID          string                  `json:"id"`
	Triggered   domain.TriggeredEvent   `json:"triggered"`
	Channels    []domain.DeliveryConfig `json:"channels"`
	Subscribers []string                `json:"subscribers,omitempty"`
	EnqueuedAt  time.Time               `json:"enqueued_at"`
}

// NewJob builds queue job from triggered event and rule targets.
func NewJob(triggered domain.TriggeredEvent, rule domain.AlertRule, now time.Time) Job {
	return Job{
		ID:          triggered.ID,
		Triggered:   triggered,
		Channels:    rule.EnabledChannels(),
		Subscribers: append([]string(nil), rule.Subscribers...),
		EnqueuedAt:  now,
	}
}

// Handler processes one job; delivery failures are recorded by the handler itself.
type Handler func(ctx context.Context, job Job)

// RetryLog accepts jobs that overflowed the in-process queue.
type RetryLog interface {
	Append(ctx context.Context, job Job) error
	Close() error
}

// Queue is a bounded in-process delivery queue drained by a worker pool.
// Params: capacity, worker count, handler, and optional overflow log.
// Returns: asynchronous delivery pipeline.
type Queue struct {
	jobs     chan Job
	workers  int
	handler  Handler
	overflow RetryLog
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// New creates queue; call Start to launch workers.
// Params: capacity, workers, handler, overflow log (nil allowed), and logger.
// Returns: queue instance.
func New(capacity, workers int, handler Handler, overflow RetryLog, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:     make(chan Job, capacity),
		workers:  workers,
		handler:  handler,
		overflow: overflow,
		logger:   logger,
	}
}

// Start launches worker goroutines.
// Params: context passed to handler calls.
// Returns: none; second call is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.handler(ctx, job)
			}
		}()
	}
}

// Submit enqueues job without blocking; on overflow job goes to retry log.
// Params: context and job.
// Returns: nil when accepted by queue or retry log.
func (q *Queue) Submit(ctx context.Context, job Job) error {
	if q.TrySubmit(job) {
		return nil
	}
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if q.overflow == nil {
		return ErrQueueFull
	}
	if err := q.overflow.Append(ctx, job); err != nil {
		return errors.Join(ErrQueueFull, err)
	}
	q.logger.Warn("delivery queue full, job moved to retry log", "job_id", job.ID, "rule_id", job.Triggered.RuleID)
	return nil
}

// TrySubmit enqueues job only when capacity is available.
// Params: job.
// Returns: true when accepted.
func (q *Queue) TrySubmit(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Len returns number of buffered jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Cap returns queue capacity.
func (q *Queue) Cap() int { return cap(q.jobs) }

// Close stops accepting jobs and waits until workers drain the buffer.
// Params: none.
// Returns: overflow log close error.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if started {
		q.wg.Wait()
	}
	if q.overflow != nil {
		return q.overflow.Close()
	}
	return nil
}
