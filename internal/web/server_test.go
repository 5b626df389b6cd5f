package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"airmon/internal/alerts"
	"airmon/internal/config"
	"airmon/internal/db"
	"airmon/internal/models"
	"airmon/internal/notifier"
	"airmon/internal/sensor"
)

type fakeLive struct {
	reading sensor.Reading
	ok      bool
}

func (f fakeLive) Latest() (sensor.Reading, bool) { return f.reading, f.ok }
func (f fakeLive) Stats() sensor.Stats            { return sensor.Stats{Running: f.ok, Frames: 7} }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, live LiveSource) (*Server, *db.Repository) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := db.NewRepository(conn)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tg := notifier.NewTelegram("", "")
	engine := alerts.NewEngine(config.Alerts{Enabled: true},
		[]notifier.Channel{tg, notifier.NewLog(true, "info", logger)}, repo, logger)
	s := NewServer(repo, live, nil, engine, tg, NewHub(logger), logger)
	s.now = func() time.Time { return testNow }
	return s, repo
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestLatestReading(t *testing.T) {
	s, _ := newTestServer(t, fakeLive{})
	rec := get(t, s.Routes(), "/api/air-quality/latest")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"no_data"`) {
		t.Fatalf("silent sensor: %d %s", rec.Code, rec.Body.String())
	}

	reading := sensor.NewReading(sensor.Sample{PM1: 8, PM25: 13, PM10: 19}, testNow)
	s, _ = newTestServer(t, fakeLive{reading: reading, ok: true})
	rec = get(t, s.Routes(), "/api/air-quality/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["aqi"].(float64) != 53 || got["aqi_level"] != "Moderate" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestHistoryAndWorst(t *testing.T) {
	s, repo := newTestServer(t, nil)
	ctx := context.Background()
	h := s.Routes()

	if rec := get(t, h, "/api/air-quality/worst"); rec.Code != http.StatusNotFound {
		t.Fatalf("worst on empty db = %d", rec.Code)
	}
	for i, aqi := range []int{40, 90, 60} {
		ts := testNow.Add(-time.Duration(3-i) * 20 * time.Minute)
		if _, err := repo.InsertReading(ctx, models.AveragedReading{TS: ts, PM25: float64(aqi) / 4, AQI: aqi, AQILevel: "Good", SampleCount: 10}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	rec := get(t, h, "/api/air-quality/history?range=2h")
	var readings []models.AveragedReading
	if err := json.Unmarshal(rec.Body.Bytes(), &readings); err != nil || len(readings) != 3 {
		t.Fatalf("history = %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/api/air-quality/history?range=2h&interval=1h")
	var buckets []models.IntervalAverage
	if err := json.Unmarshal(rec.Body.Bytes(), &buckets); err != nil || len(buckets) != 1 || buckets[0].Readings != 3 {
		t.Fatalf("buckets = %s (%v)", rec.Body.String(), err)
	}

	if rec := get(t, h, "/api/air-quality/history?interval=soon"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad interval = %d", rec.Code)
	}

	rec = get(t, h, "/api/air-quality/worst?range=2h")
	var worst models.AveragedReading
	if err := json.Unmarshal(rec.Body.Bytes(), &worst); err != nil || worst.AQI != 90 {
		t.Fatalf("worst = %s (%v)", rec.Body.String(), err)
	}
}

func TestSystemLatestFallsBackToDatabase(t *testing.T) {
	s, repo := newTestServer(t, nil)
	h := s.Routes()
	if rec := get(t, h, "/api/system/latest"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("empty = %d", rec.Code)
	}
	if _, err := repo.InsertSystemSnapshot(context.Background(), models.SystemSnapshot{TS: testNow, CPUTemp: models.Float(55)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec := get(t, h, "/api/system/latest")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cpu_temp": 55`) || !strings.Contains(rec.Body.String(), `"disk_usage": null`) {
		t.Fatalf("latest = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAlertEndpoints(t *testing.T) {
	s, _ := newTestServer(t, fakeLive{ok: true})
	h := s.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/test", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sent":true`) {
		t.Fatalf("test alert = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/alerts/test-channels", nil))
	var results map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !results["log"] || results["telegram"] {
		t.Fatalf("channel results = %v", results)
	}

	// only the log channel is enabled, so one event was recorded
	rec = get(t, h, "/api/notifications")
	var events []db.NotificationEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) != 1 || events[0].Channel != "log" {
		t.Fatalf("events = %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/api/alerts/stats")
	if !strings.Contains(rec.Body.String(), `"active_rules": 9`) {
		t.Fatalf("stats = %s", rec.Body.String())
	}

	if rec := get(t, h, "/api/alerts/test"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on test alert = %d", rec.Code)
	}
}

func TestSettingsTelegram(t *testing.T) {
	s, repo := newTestServer(t, nil)
	h := s.Routes()

	form := url.Values{"token": {" tok "}, "chat_id": {"42"}}
	req := httptest.NewRequest(http.MethodPost, "/api/settings/telegram", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !s.telegram.Enabled() {
		t.Fatalf("form update = %d %s", rec.Code, rec.Body.String())
	}
	token, chat, err := repo.LoadTelegramSettings(context.Background())
	if err != nil || token != "tok" || chat != "42" {
		t.Fatalf("stored settings %q %q %v", token, chat, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/settings/telegram", strings.NewReader(`{"token":"","chat_id":""}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || s.telegram.Enabled() {
		t.Fatalf("json clear = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStatsAndProbes(t *testing.T) {
	s, _ := newTestServer(t, fakeLive{ok: true})
	h := s.Routes()
	rec := get(t, h, "/api/stats")
	if !strings.Contains(rec.Body.String(), `"air_quality_rows": 0`) || !strings.Contains(rec.Body.String(), `"sensor"`) {
		t.Fatalf("stats = %s", rec.Body.String())
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("readyz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestLiveFeed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// registration is asynchronous, so keep publishing until the client hears one
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				s.hub.Broadcast("reading", map[string]int{"aqi": 61})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]int `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "reading" || msg.Payload["aqi"] != 61 {
		t.Fatalf("unexpected message %+v", msg)
	}
}
