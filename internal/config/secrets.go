package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v9"
)

// Secrets holds credentials that must not live in TOML files.
// Params: process environment variables.
// Returns: values overriding matching config fields when set.
type Secrets struct {
	TelegramToken   string   `env:"ALERTENGINE_TELEGRAM_TOKEN"`
	PostgresDSN     string   `env:"ALERTENGINE_POSTGRES_DSN"`
	RedisPassword   string   `env:"ALERTENGINE_REDIS_PASSWORD"`
	SlackWebhookURL string   `env:"ALERTENGINE_SLACK_WEBHOOK_URL"`
	NATSURL         []string `env:"ALERTENGINE_NATS_URL" envSeparator:","`
}

// LoadSecrets parses secrets from environment.
// Params: explicit environment map, or nil for process environment.
// Returns: parsed secrets or env parse error.
func LoadSecrets(environ map[string]string) (Secrets, error) {
	var secrets Secrets
	var err error
	if environ == nil {
		err = env.Parse(&secrets)
	} else {
		err = env.ParseWithOptions(&secrets, env.Options{Environment: environ})
	}
	if err != nil {
		return Secrets{}, fmt.Errorf("parse environment: %w", err)
	}
	return secrets, nil
}

// applySecrets overlays non-empty environment secrets onto config.
func applySecrets(cfg *Config, environ map[string]string) error {
	secrets, err := LoadSecrets(environ)
	if err != nil {
		return err
	}
	if token := strings.TrimSpace(secrets.TelegramToken); token != "" {
		cfg.Notify.Telegram.BotToken = token
	}
	if dsn := strings.TrimSpace(secrets.PostgresDSN); dsn != "" {
		cfg.History.DSN = dsn
	}
	if password := secrets.RedisPassword; password != "" {
		cfg.Redis.Password = password
	}
	if url := strings.TrimSpace(secrets.SlackWebhookURL); url != "" {
		cfg.Notify.Slack.WebhookURL = url
	}
	if urls := normalizeNATSURLs(secrets.NATSURL); len(urls) > 0 {
		cfg.Ingest.NATS.URL = urls
	}
	return nil
}
