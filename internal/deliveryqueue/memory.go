package deliveryqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrRetryLogFull reports that memory retry log reached its limit.
var ErrRetryLogFull = errors.New("memory retry log is full")

// MemoryRetryLog keeps overflowed jobs in a bounded FIFO for single-instance mode.
type MemoryRetryLog struct {
	mu    sync.Mutex
	items []Job
	limit int
}

// NewMemoryRetryLog creates bounded retry log.
func NewMemoryRetryLog(limit int) *MemoryRetryLog {
	return &MemoryRetryLog{limit: limit}
}

// Append stores job unless limit is reached.
func (l *MemoryRetryLog) Append(_ context.Context, job Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.items) >= l.limit {
		return ErrRetryLogFull
	}
	l.items = append(l.items, job)
	return nil
}

// Replay re-submits stored jobs in order until submit refuses one.
// Params: non-blocking submit callback (usually Queue.TrySubmit).
// Returns: number of replayed jobs.
func (l *MemoryRetryLog) Replay(submit func(Job) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	replayed := 0
	for replayed < len(l.items) && submit(l.items[replayed]) {
		replayed++
	}
	l.items = append(l.items[:0], l.items[replayed:]...)
	return replayed
}

// Len returns number of waiting jobs.
func (l *MemoryRetryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Close releases retry log.
func (l *MemoryRetryLog) Close() error { return nil }
