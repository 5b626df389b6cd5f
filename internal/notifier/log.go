package notifier

import (
	"context"
	"log/slog"
	"strings"

	"airmon/internal/config"
	"airmon/internal/models"
)

type Log struct {
	enabled bool
	level   slog.Level
	log     *slog.Logger
}

func NewLog(enabled bool, level string, logger *slog.Logger) *Log {
	return &Log{enabled: enabled, level: config.ParseLevel(level), log: logger}
}

func (l *Log) Name() string  { return "log" }
func (l *Log) Enabled() bool { return l.enabled }

func (l *Log) Send(ctx context.Context, a models.Alert) error {
	if !l.enabled {
		return nil
	}
	l.log.Log(ctx, l.level, "ALERT ["+strings.ToUpper(string(a.Severity))+"] "+a.Title,
		"alert_id", a.ID,
		"alert_type", a.Type,
		"message", a.Message)
	l.log.Debug("alert data", "alert_id", a.ID, "data", a.Data)
	return nil
}

func (l *Log) TestConnection(context.Context) error { return nil }
