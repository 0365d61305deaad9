package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"alertengine/internal/config"

	"github.com/go-redis/redis/v8"
)

// acquireScript increments the window counter only while it stays below the cap.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// NewRedisClient creates Redis client from config.
// Params: redis section.
// Returns: client (connection is lazy).
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisStore keeps dedup/throttle state in Redis with server-side expiry.
// Params: shared client and key prefix.
// Returns: store implementation for redis mode.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore wraps client into state store.
// Params: redis client, key prefix, and whether Close must close the client.
// Returns: redis store.
func NewRedisStore(client *redis.Client, prefix string, owned bool) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, owned: owned}
}

// Claim uses SET NX PX so an existing entry keeps its original TTL.
// Params: rule id, dedup key, current time, and window length.
// Returns: true when this call created the entry.
func (s *RedisStore) Claim(ctx context.Context, ruleID, key string, now time.Time, window time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.dedupKey(ruleID, key), now.UnixMilli(), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup claim: %w", err)
	}
	return ok, nil
}

// Sweep is a no-op because Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Acquire runs the capped INCR script for the rule window key.
// Params: rule id, window start, window length, and cap.
// Returns: true when the trigger fits the window.
func (s *RedisStore) Acquire(ctx context.Context, ruleID string, windowStart time.Time, window time.Duration, max int) (bool, error) {
	key := s.prefix + "throttle:" + ruleID + ":" + strconv.FormatInt(windowStart.Unix(), 10)
	allowed, err := acquireScript.Run(ctx, s.client, []string{key}, max, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis throttle acquire: %w", err)
	}
	return allowed == 1, nil
}

// Close closes client when the store owns it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) dedupKey(ruleID, key string) string {
	return s.prefix + "dedup:" + ruleID + ":" + key
}
