package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"airmon/internal/config"
	"airmon/internal/models"
	"airmon/internal/notifier"
)

const (
	defaultMaxHistory = 100
	defaultRateLimit  = 15 * time.Minute
)

// Recorder persists the outcome of each channel delivery.
type Recorder interface {
	InsertNotificationEvent(ctx context.Context, alertID, channel, status string, attempts int, lastErr string, sent *time.Time) error
}

type Stats struct {
	Enabled          bool           `json:"enabled"`
	Total24h         int            `json:"total_alerts_24h"`
	Types24h         map[string]int `json:"alert_types_24h"`
	Severities24h    map[string]int `json:"severity_counts_24h"`
	Channels         int            `json:"notification_methods"`
	ActiveRules      int            `json:"active_rules"`
	RateLimitsActive int            `json:"rate_limits_active"`
}

// Engine turns metric snapshots into alerts, rate limits them per
// (type, severity) and fans admitted alerts out to every channel.
type Engine struct {
	cfg      config.Alerts
	rules    []models.AlertRule
	channels []notifier.Channel
	recorder Recorder
	log      *slog.Logger
	now      func() time.Time
	sleep    func(context.Context, time.Duration)

	mu       sync.Mutex
	lastSent map[string]time.Time
	history  []models.HistoryEntry
}

// NewEngine falls back to DefaultRules when cfg has none. recorder may be nil.
func NewEngine(cfg config.Alerts, channels []notifier.Channel, recorder Recorder, logger *slog.Logger) *Engine {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = defaultRateLimit
	}
	if cfg.NotifyAttempts <= 0 {
		cfg.NotifyAttempts = 1
	}
	e := &Engine{
		cfg:      cfg,
		rules:    rules,
		channels: channels,
		recorder: recorder,
		log:      logger,
		now:      time.Now,
		sleep:    sleepCtx,
		lastSent: map[string]time.Time{},
	}
	logger.Info("alert engine ready", "enabled", cfg.Enabled, "channels", len(channels), "rules", len(rules))
	return e
}

func (e *Engine) Enabled() bool { return e.cfg.Enabled }

func (e *Engine) Rules() []models.AlertRule {
	return append([]models.AlertRule(nil), e.rules...)
}

func (e *Engine) rulesOf(t models.AlertType) []models.AlertRule {
	var out []models.AlertRule
	for _, r := range e.rules {
		if r.Type == t && r.IsEnabled() {
			out = append(out, r)
		}
	}
	return out
}

func severityOr(s, def models.Severity) models.Severity {
	if s == "" {
		return def
	}
	return s
}

func (e *Engine) build(r models.AlertRule, def models.Severity, title, message string, data Snapshot) models.Alert {
	if r.Title != "" {
		title = render(r.Title, data)
	}
	if r.Message != "" {
		message = render(r.Message, data)
	}
	return models.NewAlert(r.Type, severityOr(r.Severity, def), title, message, map[string]any(data), e.now())
}

// admit applies the rate limit and records the alert in history in one step.
func (e *Engine) admit(a models.Alert) bool {
	key := string(a.Type) + "_" + string(a.Severity)
	window, ok := e.cfg.RateLimits[key]
	if !ok {
		window = e.cfg.DefaultRateLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if last, seen := e.lastSent[key]; seen && now.Sub(last) < window {
		e.log.Debug("alert rate limited", "key", key, "alert_id", a.ID)
		return false
	}
	e.lastSent[key] = now
	e.history = append(e.history, models.HistoryEntry{Alert: a, SentAt: now})
	if over := len(e.history) - e.cfg.MaxHistory; over > 0 {
		e.history = append([]models.HistoryEntry(nil), e.history[over:]...)
	}
	return true
}

func (e *Engine) CheckAirQuality(s Snapshot) []models.Alert {
	if !e.cfg.Enabled || len(s) == 0 {
		return nil
	}
	var out []models.Alert
	for _, r := range e.rulesOf(models.AlertAirQuality) {
		if !matchAirQuality(r.Condition, s) {
			continue
		}
		level, _ := s.Text("aqi_level")
		a := e.build(r, models.SeverityWarning, "Air Quality Alert - "+level, "", s)
		if e.admit(a) {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) CheckSystemHealth(s Snapshot) []models.Alert {
	if !e.cfg.Enabled || len(s) == 0 {
		return nil
	}
	var out []models.Alert
	for _, r := range e.rulesOf(models.AlertSystemHealth) {
		if !matchSystem(r.Condition, s) {
			continue
		}
		a := e.build(r, models.SeverityWarning, "System Health Alert", "", s)
		if e.admit(a) {
			out = append(out, a)
		}
	}
	return out
}

// CheckSensorFailure returns nil when no sensor_failure rule exists or every
// candidate was rate limited.
func (e *Engine) CheckSensorFailure(message, sensorID string) *models.Alert {
	if !e.cfg.Enabled {
		return nil
	}
	data := Snapshot{"sensor_type": sensorID, "error": message}
	for _, r := range e.rulesOf(models.AlertSensorFailure) {
		a := e.build(r, models.SeverityCritical,
			sensorID+" Sensor Failure",
			"Sensor failure detected: "+message, data)
		if e.admit(a) {
			return &a
		}
	}
	return nil
}

// CheckDataStaleness parses lastUpdate and alerts when it is older than
// threshold. An unparseable timestamp is logged and yields nil.
func (e *Engine) CheckDataStaleness(lastUpdate string, threshold time.Duration) *models.Alert {
	if !e.cfg.Enabled {
		return nil
	}
	ts, err := ParseTimestamp(lastUpdate)
	if err != nil {
		e.log.Warn("cannot evaluate staleness", "last_update", lastUpdate, "err", err)
		return nil
	}
	age := e.now().Sub(ts)
	if age <= threshold {
		return nil
	}
	ageMin := age.Minutes()
	data := Snapshot{
		"age_minutes":       ageMin,
		"threshold_minutes": threshold.Minutes(),
		"last_update":       ts.Format(time.RFC3339),
	}
	for _, r := range e.rulesOf(models.AlertDataStaleness) {
		a := e.build(r, models.SeverityWarning, "Stale Data Alert",
			fmt.Sprintf("Data is %.1f minutes old", ageMin), data)
		if e.admit(a) {
			return &a
		}
	}
	return nil
}

// SendAlert tries every channel and reports true only if none failed.
func (e *Engine) SendAlert(ctx context.Context, a models.Alert) bool {
	if !e.cfg.Enabled {
		return false
	}
	ok := true
	for _, ch := range e.channels {
		if err := e.deliver(ctx, ch, a); err != nil {
			ok = false
		}
	}
	return ok
}

func (e *Engine) deliver(ctx context.Context, ch notifier.Channel, a models.Alert) error {
	if !ch.Enabled() {
		return nil
	}
	attempts := 0
	var err error
	for attempts < e.cfg.NotifyAttempts {
		attempts++
		err = safeSend(ctx, ch, a)
		if err == nil {
			now := e.now().UTC()
			e.record(ctx, a.ID, ch.Name(), "sent", attempts, "", &now)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempts < e.cfg.NotifyAttempts {
			e.sleep(ctx, time.Duration(attempts)*300*time.Millisecond)
		}
	}
	e.record(context.WithoutCancel(ctx), a.ID, ch.Name(), "failed", attempts, err.Error(), nil)
	e.log.Warn("notify failed", "channel", ch.Name(), "alert_id", a.ID, "attempts", attempts, "err", err)
	return err
}

func (e *Engine) record(ctx context.Context, alertID, channel, status string, attempts int, lastErr string, sent *time.Time) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.InsertNotificationEvent(ctx, alertID, channel, status, attempts, lastErr, sent); err != nil {
		e.log.Error("record notification", "err", err, "alert_id", alertID)
	}
}

func safeSend(ctx context.Context, ch notifier.Channel, a models.Alert) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", ch.Name(), p)
		}
	}()
	return ch.Send(ctx, a)
}

func (e *Engine) sendAll(ctx context.Context, alerts []models.Alert) int {
	sent := 0
	for _, a := range alerts {
		if e.SendAlert(ctx, a) {
			sent++
		}
	}
	return sent
}

// NotifyAirQuality checks s and dispatches what was admitted. It returns the
// number of alerts every channel accepted.
func (e *Engine) NotifyAirQuality(ctx context.Context, s Snapshot) int {
	return e.sendAll(ctx, e.CheckAirQuality(s))
}

func (e *Engine) NotifySystemHealth(ctx context.Context, s Snapshot) int {
	return e.sendAll(ctx, e.CheckSystemHealth(s))
}

func (e *Engine) NotifySensorFailure(ctx context.Context, message, sensorID string) bool {
	if a := e.CheckSensorFailure(message, sensorID); a != nil {
		return e.SendAlert(ctx, *a)
	}
	return false
}

func (e *Engine) NotifyDataStaleness(ctx context.Context, lastUpdate string, threshold time.Duration) bool {
	if a := e.CheckDataStaleness(lastUpdate, threshold); a != nil {
		return e.SendAlert(ctx, *a)
	}
	return false
}

// SendTestAlert bypasses rules and rate limiting.
func (e *Engine) SendTestAlert(ctx context.Context) bool {
	now := e.now()
	a := models.NewAlert(models.AlertSystemHealth, models.SeverityInfo,
		"airmon test alert",
		"This is a test alert to verify the alerting system is working properly.",
		map[string]any{"test": true, "timestamp": now.Unix()}, now)
	return e.SendAlert(ctx, a)
}

// TestChannels probes every channel, enabled or not.
func (e *Engine) TestChannels(ctx context.Context) map[string]bool {
	out := make(map[string]bool, len(e.channels))
	for _, ch := range e.channels {
		err := safeTest(ctx, ch)
		if err != nil {
			e.log.Warn("channel test failed", "channel", ch.Name(), "err", err)
		}
		out[ch.Name()] = err == nil
	}
	return out
}

func safeTest(ctx context.Context, ch notifier.Channel) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s panicked: %v", ch.Name(), p)
		}
	}()
	return ch.TestConnection(ctx)
}

// History returns up to limit admitted alerts, newest first. limit <= 0
// returns all of them.
func (e *Engine) History(limit int) []models.HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Enabled:          e.cfg.Enabled,
		Types24h:         map[string]int{},
		Severities24h:    map[string]int{},
		Channels:         len(e.channels),
		RateLimitsActive: len(e.lastSent),
	}
	for _, r := range e.rules {
		if r.IsEnabled() {
			st.ActiveRules++
		}
	}
	dayAgo := e.now().Add(-24 * time.Hour)
	for _, h := range e.history {
		if !h.SentAt.After(dayAgo) {
			continue
		}
		st.Total24h++
		st.Types24h[string(h.Alert.Type)]++
		st.Severities24h[string(h.Alert.Severity)]++
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
