// Package notifier delivers alerts to people and systems.
package notifier

import (
	"context"
	"log/slog"

	"airmon/internal/config"
	"airmon/internal/models"
)

// Channel is one delivery route. Send on a disabled channel returns nil and
// does nothing.
type Channel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, a models.Alert) error
	TestConnection(ctx context.Context) error
}

// FromConfig builds every configured channel. The log channel is always
// present. A nil tg is built from cfg.
func FromConfig(cfg config.Notifications, tg *Telegram, logger *slog.Logger) []Channel {
	if tg == nil {
		tg = NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}
	return []Channel{
		NewEmail(cfg.Email),
		NewWebhook(cfg.Webhook),
		tg,
		NewLog(cfg.Log.Enabled, cfg.Log.Level, logger),
	}
}
