package orchestrator

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"alertengine/internal/digest"
)

// shard owns the digest state of the rules hashed onto it.
// mu serializes batch evaluation against rule mutations of the same shard.
type shard struct {
	id        int
	mu        sync.Mutex
	buffer    *digest.Buffer
	scheduler *digest.Scheduler
}

func newShard(id int, newID func() string, logger *slog.Logger) *shard {
	buffer := digest.NewBuffer()
	return &shard{
		id:        id,
		buffer:    buffer,
		scheduler: digest.NewScheduler(buffer, newID, logger.With("shard", id)),
	}
}

// shardIndex maps rule id onto [0, n) with FNV-1a.
func shardIndex(ruleID string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ruleID))
	return int(h.Sum32() % uint32(n))
}
