package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"airmon/internal/aggregator"
	"airmon/internal/alerts"
	"airmon/internal/collector"
	"airmon/internal/config"
	"airmon/internal/db"
	"airmon/internal/notifier"
	"airmon/internal/retention"
	"airmon/internal/sensor"
	"airmon/internal/web"
)

const (
	notifyTimeout   = 30 * time.Second
	monitorInterval = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db *db.Repository

	link       *sensor.Link
	aggregator *aggregator.Aggregator
	collector  *collector.Service
	alerts     *alerts.Engine
	monitor    *alerts.Monitor
	retention  *retention.Service
	notify     *notifier.Telegram
	hub        *web.Hub

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	return newApp(cfg, logger, sensor.SerialOpener(cfg.Sensor.Port, cfg.Sensor.Baud, cfg.Sensor.ReadTimeout))
}

func newApp(cfg config.Config, logger *slog.Logger, openSensor sensor.Opener) (*App, error) {
	sqldb, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqldb); err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	repo := db.NewRepository(sqldb)

	// Settings saved through the API win over the config file.
	tgCfg := cfg.Alerts.Notifications.Telegram
	token, chatID, err := repo.LoadTelegramSettings(context.Background())
	if err != nil {
		logger.Warn("load saved telegram settings, using config values", "err", err)
	}
	if token == "" {
		token = tgCfg.BotToken
	}
	if chatID == "" {
		chatID = tgCfg.ChatID
	}
	tg := notifier.NewTelegram(token, chatID)

	alertLog := logger.With("module", "alerts")
	channels := notifier.FromConfig(cfg.Alerts.Notifications, tg, logger.With("module", "notifier"))
	engine := alerts.NewEngine(cfg.Alerts, channels, repo, alertLog)

	a := &App{
		cfg:       cfg,
		log:       logger,
		db:        repo,
		collector: collector.NewService(repo, collector.GopsutilProbes(cfg.System.DiskPath), logger.With("module", "collector")),
		alerts:    engine,
		monitor:   alerts.NewMonitor(engine, repo, cfg.Alerts.Monitor, alertLog),
		retention: retention.NewService(repo, cfg.Retention.Horizon, logger.With("module", "retention")),
		notify:    tg,
		hub:       web.NewHub(logger.With("module", "live")),
	}

	var live web.LiveSource
	if cfg.Sensor.Enabled {
		a.link = sensor.NewLink(openSensor, logger.With("module", "sensor"),
			sensor.WithStaleAfter(cfg.Sensor.StaleAfter),
			sensor.WithFailureHook(a.sensorFailed),
		)
		a.aggregator = aggregator.New(a.link, repo, a.observeReading,
			cfg.Aggregation.PollInterval, cfg.Aggregation.WriteInterval,
			logger.With("module", "aggregator"))
		live = a.link
	}

	w := web.NewServer(repo, live, a.collector, engine, tg, a.hub, logger.With("module", "web"))
	a.httpSrv = &http.Server{Addr: cfg.Addr, Handler: w.Routes(), ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

func (a *App) sensorFailed(ctx context.Context, err error) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	a.alerts.NotifySensorFailure(ctx, err.Error(), a.cfg.Sensor.ID)
}

func (a *App) observeReading(ctx context.Context, r sensor.Reading) {
	a.alerts.NotifyAirQuality(ctx, alerts.ReadingSnapshot(r))
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server failed", "err", err)
		}
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	var aggWG sync.WaitGroup
	aggCtx, stopAgg := context.WithCancel(context.Background())
	defer stopAgg()
	if a.link != nil {
		if err := a.link.Start(ctx); err != nil {
			a.log.Error("sensor unavailable, running without live data", "err", err, "port", a.cfg.Sensor.Port)
			a.sensorFailed(ctx, err)
		}
		aggWG.Add(1)
		go func() {
			defer aggWG.Done()
			a.aggregator.Run(aggCtx)
		}()
	}

	systemTicker := time.NewTicker(a.cfg.System.Interval)
	monitorTicker := time.NewTicker(monitorInterval)
	retentionTicker := time.NewTicker(a.cfg.Retention.Interval)
	liveTicker := time.NewTicker(a.cfg.LiveInterval)
	defer systemTicker.Stop()
	defer monitorTicker.Stop()
	defer retentionTicker.Stop()
	defer liveTicker.Stop()

	// Immediate first run
	a.collectSystem(ctx)
	a.monitor.Tick(ctx)
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(stopAgg, &aggWG, stopHub)
		case <-systemTicker.C:
			a.collectSystem(ctx)
		case <-monitorTicker.C:
			a.monitor.Tick(ctx)
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		case <-liveTicker.C:
			a.publishLive()
		}
	}
}

func (a *App) collectSystem(ctx context.Context) {
	if snap, err := a.collector.Tick(ctx); err == nil {
		a.hub.Broadcast("system", snap)
	}
}

func (a *App) publishLive() {
	if a.link == nil {
		return
	}
	if r, ok := a.link.Latest(); ok {
		a.hub.Broadcast("reading", r)
	}
}

// shutdown flushes buffered samples before the sensor and the database go away.
func (a *App) shutdown(stopAgg context.CancelFunc, aggWG *sync.WaitGroup, stopHub context.CancelFunc) error {
	a.log.Info("shutting down")
	stopAgg()
	aggWG.Wait()
	if a.link != nil {
		a.link.Stop()
	}
	stopHub()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", "err", err)
	}
	return a.db.DB().Close()
}
