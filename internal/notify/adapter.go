package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/domain"
)

// Adapter delivers one payload to one recipient over a single channel.
// Params: recipient address and rendered payload.
// Returns: delivered flag and transport error; permanent errors are wrapped with domain.Permanent.
type Adapter interface {
	Channel() string
	Send(ctx context.Context, recipient string, payload Payload) (bool, error)
}

// unexpectedHTTPStatusError carries non-2xx provider response.
type unexpectedHTTPStatusError struct {
	target string
	status int
	body   string
}

func (e *unexpectedHTTPStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s returned status %d", e.target, e.status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.target, e.status, e.body)
}

// classifyHTTPStatus maps response status into retryable or permanent error.
// Params: target label and response.
// Returns: nil for 2xx, permanent error for 4xx other than 408/429, retryable otherwise.
func classifyHTTPStatus(target string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := &unexpectedHTTPStatusError{target: target, status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return domain.Permanent(err)
	}
	return err
}

// postJSON sends JSON body and classifies provider response.
func postJSON(ctx context.Context, client *http.Client, target, url string, headers map[string]string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return domain.Permanent(fmt.Errorf("encode %s payload: %w", target, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return domain.Permanent(fmt.Errorf("build %s request: %w", target, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()
	return classifyHTTPStatus(target, resp)
}

// WebhookAdapter posts payload JSON to a generic HTTP endpoint.
type WebhookAdapter struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// NewWebhookAdapter builds webhook adapter.
// Params: webhook section.
// Returns: adapter posting payload JSON.
func NewWebhookAdapter(cfg config.WebhookConfig) *WebhookAdapter {
	return &WebhookAdapter{
		client:  &http.Client{Timeout: secondsOr(cfg.TimeoutSec, 10)},
		url:     cfg.URL,
		headers: cfg.Headers,
	}
}

// Channel returns webhook channel key.
func (a *WebhookAdapter) Channel() string { return config.ChannelWebhook }

// Send posts payload to rule URL, recipient URL, or configured default.
func (a *WebhookAdapter) Send(ctx context.Context, recipient string, payload Payload) (bool, error) {
	url := payload.Config["url"]
	if url == "" && (strings.HasPrefix(recipient, "http://") || strings.HasPrefix(recipient, "https://")) {
		url = recipient
	}
	if url == "" {
		url = a.url
	}
	if url == "" {
		return false, domain.Permanent(fmt.Errorf("webhook url is not configured"))
	}
	payload.Recipient = recipient
	if err := postJSON(ctx, a.client, "webhook", url, a.headers, payload); err != nil {
		return false, err
	}
	return true, nil
}

// SlackAdapter posts message into Slack incoming webhook.
type SlackAdapter struct {
	client     *http.Client
	webhookURL string
}

// NewSlackAdapter builds Slack adapter.
func NewSlackAdapter(cfg config.SlackConfig) *SlackAdapter {
	return &SlackAdapter{
		client:     &http.Client{Timeout: secondsOr(cfg.TimeoutSec, 10)},
		webhookURL: cfg.WebhookURL,
	}
}

// Channel returns slack channel key.
func (a *SlackAdapter) Channel() string { return config.ChannelSlack }

// Send posts text message; recipient starting with '#' or '@' selects Slack channel.
func (a *SlackAdapter) Send(ctx context.Context, recipient string, payload Payload) (bool, error) {
	url := payload.Config["webhook_url"]
	if url == "" {
		url = a.webhookURL
	}
	if url == "" {
		return false, domain.Permanent(fmt.Errorf("slack webhook url is not configured"))
	}
	body := map[string]string{"text": payload.Message()}
	if strings.HasPrefix(recipient, "#") || strings.HasPrefix(recipient, "@") {
		body["channel"] = recipient
	}
	if err := postJSON(ctx, a.client, "slack webhook", url, nil, body); err != nil {
		return false, err
	}
	return true, nil
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
