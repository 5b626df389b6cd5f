package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"airmon/internal/alerts"
	"airmon/internal/db"
	"airmon/internal/models"
	"airmon/internal/notifier"
	"airmon/internal/sensor"
)

// LiveSource is the in-memory view of the sensor.
type LiveSource interface {
	Latest() (sensor.Reading, bool)
	Stats() sensor.Stats
}

type SystemSource interface {
	Latest() (models.SystemSnapshot, bool)
}

type Server struct {
	repo     *db.Repository
	live     LiveSource
	system   SystemSource
	engine   *alerts.Engine
	telegram *notifier.Telegram
	hub      *Hub
	log      *slog.Logger
	now      func() time.Time
}

// NewServer wires the API. live and system may be nil when the process runs
// without a sensor or host collector.
func NewServer(repo *db.Repository, live LiveSource, system SystemSource, engine *alerts.Engine, telegram *notifier.Telegram, hub *Hub, logger *slog.Logger) *Server {
	return &Server{repo: repo, live: live, system: system, engine: engine, telegram: telegram, hub: hub, log: logger, now: time.Now}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logMiddleware(s.log))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/air-quality/latest", s.handleLatestReading)
		r.Get("/air-quality/history", s.handleReadingHistory)
		r.Get("/air-quality/worst", s.handleWorstReading)
		r.Get("/system/latest", s.handleLatestSystem)
		r.Get("/system/history", s.handleSystemHistory)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Get("/alerts/stats", s.handleAlertStats)
		r.Post("/alerts/test", s.handleTestAlert)
		r.Post("/alerts/test-channels", s.handleTestChannels)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/settings/telegram", s.handleSettingsTelegram)
		r.Get("/stats", s.handleStats)
	})
	if s.hub != nil {
		r.Get("/ws/live", s.hub.serveWS)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeStatus(w, http.StatusServiceUnavailable, "no_data")
		return
	}
	reading, ok := s.live.Latest()
	if !ok {
		writeStatus(w, http.StatusServiceUnavailable, "no_data")
		return
	}
	writeJSON(w, reading)
}

// handleReadingHistory returns raw stored readings, or per-bucket means when
// interval is given.
func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := s.now().Add(-parseRange(q.Get("range"), 24*time.Hour))
	if iv := q.Get("interval"); iv != "" {
		d, err := time.ParseDuration(iv)
		if err != nil || d <= 0 {
			http.Error(w, "invalid interval", http.StatusBadRequest)
			return
		}
		buckets, err := s.repo.IntervalAverages(r.Context(), from, d)
		if err != nil {
			s.fail(w, "interval averages", err)
			return
		}
		writeJSON(w, nonNil(buckets))
		return
	}
	readings, err := s.repo.RecentReadings(r.Context(), from, queryInt(q.Get("limit"), 1000))
	if err != nil {
		s.fail(w, "recent readings", err)
		return
	}
	writeJSON(w, readings)
}

func (s *Server) handleWorstReading(w http.ResponseWriter, r *http.Request) {
	from := s.now().Add(-parseRange(r.URL.Query().Get("range"), 24*time.Hour))
	m, err := s.repo.WorstReading(r.Context(), from)
	if errors.Is(err, db.ErrNoData) {
		writeStatus(w, http.StatusNotFound, "no_data")
		return
	}
	if err != nil {
		s.fail(w, "worst reading", err)
		return
	}
	writeJSON(w, m)
}

func (s *Server) handleLatestSystem(w http.ResponseWriter, r *http.Request) {
	if s.system != nil {
		if snap, ok := s.system.Latest(); ok {
			writeJSON(w, snap)
			return
		}
	}
	snap, err := s.repo.LatestSystemSnapshot(r.Context())
	if errors.Is(err, db.ErrNoData) {
		writeStatus(w, http.StatusServiceUnavailable, "no_data")
		return
	}
	if err != nil {
		s.fail(w, "latest system snapshot", err)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleSystemHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := s.now().Add(-parseRange(q.Get("range"), 24*time.Hour))
	snaps, err := s.repo.RecentSystemSnapshots(r.Context(), from, queryInt(q.Get("limit"), 1000))
	if err != nil {
		s.fail(w, "recent system snapshots", err)
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.History(queryInt(r.URL.Query().Get("limit"), 50)))
}

func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Stats())
}

func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	sent := s.engine.SendTestAlert(r.Context())
	status := http.StatusOK
	if !sent {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]bool{"sent": sent})
}

func (s *Server) handleTestChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.TestChannels(r.Context()))
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	events, err := s.repo.RecentNotificationEvents(r.Context(), queryInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.fail(w, "notification events", err)
		return
	}
	writeJSON(w, nonNil(events))
}

type telegramSettings struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

func (s *Server) handleSettingsTelegram(w http.ResponseWriter, r *http.Request) {
	var in telegramSettings
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in.Token, in.ChatID = r.FormValue("token"), r.FormValue("chat_id")
	}
	in.Token, in.ChatID = strings.TrimSpace(in.Token), strings.TrimSpace(in.ChatID)
	if err := s.repo.SaveTelegramSettings(r.Context(), in.Token, in.ChatID); err != nil {
		s.fail(w, "save telegram settings", err)
		return
	}
	s.telegram.Update(in.Token, in.ChatID)
	writeJSON(w, map[string]any{"status": "ok", "enabled": s.telegram.Enabled()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		s.fail(w, "database stats", err)
		return
	}
	out := map[string]any{"database": st}
	if s.live != nil {
		out["sensor"] = s.live.Stats()
	}
	writeJSON(w, out)
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.log.Error(what, "err", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func queryInt(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseRange(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
