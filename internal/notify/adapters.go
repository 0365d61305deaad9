package notify

import (
	"errors"

	"alertengine/internal/config"

	"github.com/go-redis/redis/v8"
)

// BuildAdapters instantiates adapters for every enabled channel.
// Params: notify section and redis client (required only for in-app).
// Returns: adapter list or init error.
func BuildAdapters(cfg config.NotifyConfig, redisClient *redis.Client) ([]Adapter, error) {
	adapters := make([]Adapter, 0, 4)
	if cfg.Webhook.Enabled {
		adapters = append(adapters, NewWebhookAdapter(cfg.Webhook))
	}
	if cfg.Slack.Enabled {
		adapters = append(adapters, NewSlackAdapter(cfg.Slack))
	}
	if cfg.Telegram.Enabled {
		telegram, err := NewTelegramAdapter(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, telegram)
	}
	if cfg.InApp.Enabled {
		if redisClient == nil {
			return nil, errors.New("in-app channel requires redis")
		}
		adapters = append(adapters, NewInAppAdapter(redisClient, cfg.InApp))
	}
	return adapters, nil
}
