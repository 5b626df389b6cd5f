package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"airmon/internal/config"
	"airmon/internal/db"
	"airmon/internal/models"
)

// MonitorStore is the read side the periodic checks need.
type MonitorStore interface {
	LatestReadingTimestamp(ctx context.Context) (string, error)
	LatestReading(ctx context.Context) (models.AveragedReading, error)
	LatestSystemSnapshot(ctx context.Context) (models.SystemSnapshot, error)
}

// Monitor runs the staleness, air quality and system health checks against
// stored data, each on its own cadence. Tick is meant to be called often; a
// check runs only once its interval has elapsed.
type Monitor struct {
	engine *Engine
	store  MonitorStore
	cfg    config.Monitor
	log    *slog.Logger
	now    func() time.Time

	lastStale  time.Time
	lastAir    time.Time
	lastSystem time.Time
}

func NewMonitor(engine *Engine, store MonitorStore, cfg config.Monitor, logger *slog.Logger) *Monitor {
	if cfg.StalenessInterval <= 0 {
		cfg.StalenessInterval = 2 * time.Minute
	}
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 5 * time.Minute
	}
	if cfg.AirQualityInterval <= 0 {
		cfg.AirQualityInterval = time.Minute
	}
	if cfg.SystemInterval <= 0 {
		cfg.SystemInterval = 5 * time.Minute
	}
	return &Monitor{engine: engine, store: store, cfg: cfg, log: logger, now: time.Now}
}

func due(last, now time.Time, every time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= every
}

func (m *Monitor) Tick(ctx context.Context) {
	if !m.engine.Enabled() {
		return
	}
	now := m.now()
	if due(m.lastStale, now, m.cfg.StalenessInterval) {
		m.lastStale = now
		m.checkStaleness(ctx)
	}
	if due(m.lastAir, now, m.cfg.AirQualityInterval) {
		m.lastAir = now
		m.checkAirQuality(ctx)
	}
	if due(m.lastSystem, now, m.cfg.SystemInterval) {
		m.lastSystem = now
		m.checkSystem(ctx)
	}
}

func (m *Monitor) checkStaleness(ctx context.Context) {
	ts, err := m.store.LatestReadingTimestamp(ctx)
	if errors.Is(err, db.ErrNoData) {
		m.log.Debug("staleness check skipped, no readings yet")
		return
	}
	if err != nil {
		m.log.Error("load latest reading timestamp", "err", err)
		return
	}
	if m.engine.NotifyDataStaleness(ctx, ts, m.cfg.StalenessThreshold) {
		m.log.Info("stale data alert sent", "last_update", ts)
	}
}

func (m *Monitor) checkAirQuality(ctx context.Context) {
	r, err := m.store.LatestReading(ctx)
	if errors.Is(err, db.ErrNoData) {
		return
	}
	if err != nil {
		m.log.Error("load latest reading", "err", err)
		return
	}
	if n := m.engine.NotifyAirQuality(ctx, AveragedSnapshot(r)); n > 0 {
		m.log.Info("air quality alerts sent", "count", n, "aqi", r.AQI)
	}
}

func (m *Monitor) checkSystem(ctx context.Context) {
	s, err := m.store.LatestSystemSnapshot(ctx)
	if errors.Is(err, db.ErrNoData) {
		return
	}
	if err != nil {
		m.log.Error("load latest system snapshot", "err", err)
		return
	}
	if n := m.engine.NotifySystemHealth(ctx, SystemSnapshot(s)); n > 0 {
		m.log.Info("system health alerts sent", "count", n)
	}
}
