package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"alertengine/internal/config"
	"alertengine/internal/domain"

	"github.com/go-redis/redis/v8"
)

// InAppAdapter publishes payloads to per-user Redis channels and keeps a short inbox.
type InAppAdapter struct {
	client *redis.Client
	prefix string
	limit  int
}

// NewInAppAdapter builds in-app adapter over shared redis client.
// Params: redis client and in-app section.
// Returns: adapter publishing on "<prefix><user>".
func NewInAppAdapter(client *redis.Client, cfg config.InAppConfig) *InAppAdapter {
	return &InAppAdapter{client: client, prefix: cfg.ChannelPrefix, limit: cfg.InboxLimit}
}

// Channel returns in-app channel key.
func (a *InAppAdapter) Channel() string { return config.ChannelInApp }

// Send publishes JSON payload and appends it to recipient inbox.
func (a *InAppAdapter) Send(ctx context.Context, recipient string, payload Payload) (bool, error) {
	if recipient == "" {
		return false, domain.Permanent(fmt.Errorf("in-app recipient is empty"))
	}
	payload.Recipient = recipient
	body, err := json.Marshal(payload)
	if err != nil {
		return false, domain.Permanent(fmt.Errorf("encode in-app payload: %w", err))
	}

	inbox := a.InboxKey(recipient)
	pipe := a.client.TxPipeline()
	pipe.Publish(ctx, a.prefix+recipient, body)
	pipe.LPush(ctx, inbox, body)
	if a.limit > 0 {
		pipe.LTrim(ctx, inbox, 0, int64(a.limit-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis in-app publish: %w", err)
	}
	return true, nil
}

// InboxKey returns list key holding recent payloads for user.
func (a *InAppAdapter) InboxKey(recipient string) string {
	return a.prefix + "inbox:" + recipient
}
