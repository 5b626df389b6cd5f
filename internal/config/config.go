package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"airmon/internal/models"
)

type Config struct {
	Addr         string        `mapstructure:"addr"`
	DataDir      string        `mapstructure:"data_dir"`
	DBPath       string        `mapstructure:"db_path"`
	LogLevel     string        `mapstructure:"log_level"`
	LiveInterval time.Duration `mapstructure:"live_interval"`

	Sensor      Sensor      `mapstructure:"sensor"`
	Aggregation Aggregation `mapstructure:"aggregation"`
	System      System      `mapstructure:"system"`
	Retention   Retention   `mapstructure:"retention"`
	Alerts      Alerts      `mapstructure:"alerts"`
}

type Sensor struct {
	Enabled     bool          `mapstructure:"enabled"`
	Port        string        `mapstructure:"port"`
	Baud        int           `mapstructure:"baud"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	ID          string        `mapstructure:"id"`
}

type Aggregation struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	WriteInterval time.Duration `mapstructure:"write_interval"`
}

type System struct {
	Interval time.Duration `mapstructure:"interval"`
	DiskPath string        `mapstructure:"disk_path"`
}

type Retention struct {
	Horizon  time.Duration `mapstructure:"horizon"`
	Interval time.Duration `mapstructure:"interval"`
}

type Alerts struct {
	Enabled          bool                     `mapstructure:"enabled"`
	Rules            []models.AlertRule       `mapstructure:"rules"`
	RateLimits       map[string]time.Duration `mapstructure:"rate_limits"`
	DefaultRateLimit time.Duration            `mapstructure:"default_rate_limit"`
	MaxHistory       int                      `mapstructure:"max_history"`
	NotifyAttempts   int                      `mapstructure:"notify_attempts"`
	Monitor          Monitor                  `mapstructure:"monitor"`
	Notifications    Notifications            `mapstructure:"notifications"`
}

type Monitor struct {
	StalenessInterval  time.Duration `mapstructure:"staleness_interval"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	AirQualityInterval time.Duration `mapstructure:"air_quality_interval"`
	SystemInterval     time.Duration `mapstructure:"system_interval"`
}

type Notifications struct {
	Log      LogChannel      `mapstructure:"log"`
	Email    EmailChannel    `mapstructure:"email"`
	Webhook  WebhookChannel  `mapstructure:"webhook"`
	Telegram TelegramChannel `mapstructure:"telegram"`
}

type LogChannel struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

type EmailChannel struct {
	Enabled    bool     `mapstructure:"enabled"`
	SMTP       SMTP     `mapstructure:"smtp"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

type SMTP struct {
	Server   string        `mapstructure:"server"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// WebhookChannel header and custom field names arrive lowercased.
type WebhookChannel struct {
	Enabled      bool              `mapstructure:"enabled"`
	URL          string            `mapstructure:"url"`
	Headers      map[string]string `mapstructure:"headers"`
	CustomFields map[string]any    `mapstructure:"custom_fields"`
	Timeout      time.Duration     `mapstructure:"timeout"`
}

type TelegramChannel struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("live_interval", "2s")

	v.SetDefault("sensor.enabled", true)
	v.SetDefault("sensor.port", "/dev/serial0")
	v.SetDefault("sensor.baud", 9600)
	v.SetDefault("sensor.read_timeout", "2s")
	v.SetDefault("sensor.stale_after", "60s")
	v.SetDefault("sensor.id", "PMS7003")

	v.SetDefault("aggregation.poll_interval", "500ms")
	v.SetDefault("aggregation.write_interval", "5s")

	v.SetDefault("system.interval", "30s")
	v.SetDefault("system.disk_path", "/")

	v.SetDefault("retention.horizon", "24h")
	v.SetDefault("retention.interval", "1h")

	v.SetDefault("alerts.enabled", true)
	v.SetDefault("alerts.default_rate_limit", "15m")
	v.SetDefault("alerts.max_history", 100)
	v.SetDefault("alerts.notify_attempts", 1)
	v.SetDefault("alerts.monitor.staleness_interval", "2m")
	v.SetDefault("alerts.monitor.staleness_threshold", "5m")
	v.SetDefault("alerts.monitor.air_quality_interval", "1m")
	v.SetDefault("alerts.monitor.system_interval", "5m")

	v.SetDefault("alerts.notifications.log.enabled", true)
	v.SetDefault("alerts.notifications.log.level", "info")
	v.SetDefault("alerts.notifications.email.enabled", false)
	v.SetDefault("alerts.notifications.email.from", "")
	v.SetDefault("alerts.notifications.email.smtp.server", "")
	v.SetDefault("alerts.notifications.email.smtp.port", 587)
	v.SetDefault("alerts.notifications.email.smtp.username", "")
	v.SetDefault("alerts.notifications.email.smtp.password", "")
	v.SetDefault("alerts.notifications.email.smtp.use_tls", true)
	v.SetDefault("alerts.notifications.email.smtp.timeout", "15s")
	v.SetDefault("alerts.notifications.webhook.enabled", false)
	v.SetDefault("alerts.notifications.webhook.url", "")
	v.SetDefault("alerts.notifications.webhook.timeout", "10s")
	v.SetDefault("alerts.notifications.telegram.bot_token", "")
	v.SetDefault("alerts.notifications.telegram.chat_id", "")
}

// Load layers defaults, an optional config file and AIRMON_* environment
// variables. An empty path falls back to $AIRMON_CONFIG; a path that does not
// exist is ignored.
func Load(path string) (Config, error) {
	var cfg Config
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AIRMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("alerts.notifications.telegram.bot_token", "AIRMON_ALERTS_NOTIFICATIONS_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("alerts.notifications.telegram.chat_id", "AIRMON_ALERTS_NOTIFICATIONS_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID")

	if path == "" {
		path = os.Getenv("AIRMON_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "airmon.db")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for name, d := range map[string]time.Duration{
		"live_interval":      c.LiveInterval,
		"system.interval":    c.System.Interval,
		"retention.interval": c.Retention.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	for i, r := range c.Alerts.Rules {
		switch r.Type {
		case models.AlertAirQuality, models.AlertSystemHealth, models.AlertSensorFailure, models.AlertDataStaleness:
		default:
			return fmt.Errorf("alerts.rules[%d] %q: unknown type %q", i, r.Name, r.Type)
		}
		if r.Severity != "" && !r.Severity.Valid() {
			return fmt.Errorf("alerts.rules[%d] %q: unknown severity %q", i, r.Name, r.Severity)
		}
	}
	return nil
}

// SlogLevel maps log_level onto slog; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
