package notify

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"alertengine/internal/config"
	"alertengine/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramAdapter sends payloads through Telegram Bot API.
type TelegramAdapter struct {
	bot    *tgbot.Bot
	chatID string
}

// NewTelegramAdapter creates Telegram adapter.
// Params: telegram section (token, API base, fallback chat id).
// Returns: adapter or bot init error.
func NewTelegramAdapter(cfg config.TelegramConfig) (*TelegramAdapter, error) {
	opts := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if cfg.APIBase != "" {
		opts = append(opts, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	bot, err := tgbot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramAdapter{bot: bot, chatID: cfg.ChatID}, nil
}

// Channel returns telegram channel key.
func (a *TelegramAdapter) Channel() string { return config.ChannelTelegram }

// Send delivers HTML message to recipient chat (or configured fallback chat).
func (a *TelegramAdapter) Send(ctx context.Context, recipient string, payload Payload) (bool, error) {
	chat := payload.Config["chat_id"]
	if chat == "" {
		chat = recipient
	}
	if chat == "" {
		chat = a.chatID
	}
	if chat == "" {
		return false, domain.Permanent(fmt.Errorf("telegram chat id is empty"))
	}

	text := "<b>" + html.EscapeString(payload.Title) + "</b>"
	if payload.Text != "" {
		text += "\n" + html.EscapeString(payload.Text)
	}
	sent, err := a.bot.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(chat),
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		if isPermanentTelegramError(err) {
			return false, domain.Permanent(fmt.Errorf("telegram send: %w", err))
		}
		return false, fmt.Errorf("telegram send: %w", err)
	}
	return sent != nil && sent.ID > 0, nil
}

func normalizeChatID(chatID string) any {
	if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return parsed
	}
	return chatID
}

func isPermanentTelegramError(err error) bool {
	text := strings.ToLower(err.Error())
	for _, marker := range []string{"bad request", "forbidden", "unauthorized", "not found"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
