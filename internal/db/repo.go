package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"airmon/internal/models"
)

// ErrNoData is returned by the Latest* and Worst* lookups on an empty table.
var ErrNoData = errors.New("db: no data")

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

type Stats struct {
	AirQualityRows   int64  `json:"air_quality_rows"`
	SystemRows       int64  `json:"system_rows"`
	NotificationRows int64  `json:"notification_rows"`
	OldestReading    string `json:"oldest_reading,omitempty"`
	NewestReading    string `json:"newest_reading,omitempty"`
}

type NotificationEvent struct {
	ID        int64      `json:"id"`
	AlertID   string     `json:"alert_id"`
	Channel   string     `json:"channel"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repository) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return r.now().UTC()
	}
	return ts.UTC()
}

// InsertReading stores one averaged reading. A zero TS is replaced by the
// write time.
func (r *Repository) InsertReading(ctx context.Context, m models.AveragedReading) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO air_quality_readings
		(ts,pm1_0,pm2_5,pm10,aqi,aqi_level,sample_count) VALUES (?,?,?,?,?,?,?)`,
		r.stamp(m.TS), m.PM1, m.PM25, m.PM10, m.AQI, m.AQILevel, m.SampleCount)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) InsertSystemSnapshot(ctx context.Context, s models.SystemSnapshot) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO system_readings
		(ts,cpu_temp,cpu_usage,memory_usage,disk_usage) VALUES (?,?,?,?,?)`,
		r.stamp(s.TS), s.CPUTemp, s.CPUUsage, s.MemoryUsage, s.DiskUsage)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const readingCols = `id,ts,pm1_0,pm2_5,pm10,aqi,aqi_level,sample_count`

func scanReading(row interface{ Scan(...any) error }) (models.AveragedReading, error) {
	var m models.AveragedReading
	err := row.Scan(&m.ID, &m.TS, &m.PM1, &m.PM25, &m.PM10, &m.AQI, &m.AQILevel, &m.SampleCount)
	return m, err
}

func (r *Repository) LatestReading(ctx context.Context) (models.AveragedReading, error) {
	m, err := scanReading(r.db.QueryRowContext(ctx, `SELECT `+readingCols+` FROM air_quality_readings ORDER BY ts DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNoData
	}
	return m, err
}

// LatestReadingTimestamp returns the stored timestamp text as written by the
// driver, for consumers that parse it themselves.
func (r *Repository) LatestReadingTimestamp(ctx context.Context) (string, error) {
	var ts string
	err := r.db.QueryRowContext(ctx, `SELECT CAST(ts AS TEXT) FROM air_quality_readings ORDER BY ts DESC, id DESC LIMIT 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoData
	}
	return ts, err
}

func (r *Repository) WorstReading(ctx context.Context, from time.Time) (models.AveragedReading, error) {
	m, err := scanReading(r.db.QueryRowContext(ctx, `SELECT `+readingCols+` FROM air_quality_readings WHERE ts >= ? ORDER BY aqi DESC, ts DESC LIMIT 1`, from.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNoData
	}
	return m, err
}

func (r *Repository) RecentReadings(ctx context.Context, from time.Time, limit int) ([]models.AveragedReading, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+readingCols+` FROM air_quality_readings WHERE ts >= ? ORDER BY ts ASC LIMIT ?`, from.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AveragedReading, 0, 64)
	for rows.Next() {
		m, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IntervalAverages groups readings since from into buckets of width interval,
// oldest first. Empty buckets are omitted.
func (r *Repository) IntervalAverages(ctx context.Context, from time.Time, interval time.Duration) ([]models.IntervalAverage, error) {
	if interval <= 0 {
		interval = time.Hour
	}
	readings, err := r.RecentReadings(ctx, from, 10000)
	if err != nil {
		return nil, err
	}
	var out []models.IntervalAverage
	for _, m := range readings {
		start := m.TS.UTC().Truncate(interval)
		if len(out) == 0 || !out[len(out)-1].Start.Equal(start) {
			out = append(out, models.IntervalAverage{Start: start})
		}
		b := &out[len(out)-1]
		b.PM1 += m.PM1
		b.PM25 += m.PM25
		b.PM10 += m.PM10
		b.AQI += float64(m.AQI)
		b.Readings++
	}
	for i := range out {
		n := float64(out[i].Readings)
		out[i].PM1 /= n
		out[i].PM25 /= n
		out[i].PM10 /= n
		out[i].AQI /= n
	}
	return out, nil
}

const systemCols = `id,ts,cpu_temp,cpu_usage,memory_usage,disk_usage`

func scanSnapshot(row interface{ Scan(...any) error }) (models.SystemSnapshot, error) {
	var s models.SystemSnapshot
	var temp, cpu, mem, disk sql.NullFloat64
	if err := row.Scan(&s.ID, &s.TS, &temp, &cpu, &mem, &disk); err != nil {
		return s, err
	}
	s.CPUTemp, s.CPUUsage, s.MemoryUsage, s.DiskUsage = nullable(temp), nullable(cpu), nullable(mem), nullable(disk)
	return s, nil
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func (r *Repository) LatestSystemSnapshot(ctx context.Context) (models.SystemSnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRowContext(ctx, `SELECT `+systemCols+` FROM system_readings ORDER BY ts DESC, id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNoData
	}
	return s, err
}

func (r *Repository) RecentSystemSnapshots(ctx context.Context, from time.Time, limit int) ([]models.SystemSnapshot, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+systemCols+` FROM system_readings WHERE ts >= ? ORDER BY ts ASC LIMIT ?`, from.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.SystemSnapshot, 0, 64)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) InsertNotificationEvent(ctx context.Context, alertID, channel, status string, attempts int, lastErr string, sent *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_events (alert_id,channel,status,attempts,last_error,sent_ts_nullable,created_ts) VALUES (?,?,?,?,?,?,?)`,
		alertID, channel, status, attempts, lastErr, sent, r.now().UTC())
	return err
}

func (r *Repository) RecentNotificationEvents(ctx context.Context, limit int) ([]NotificationEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,alert_id,channel,status,attempts,COALESCE(last_error,''),sent_ts_nullable,created_ts
		FROM notification_events ORDER BY created_ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NotificationEvent
	for rows.Next() {
		var e NotificationEvent
		var sent sql.NullTime
		if err := rows.Scan(&e.ID, &e.AlertID, &e.Channel, &e.Status, &e.Attempts, &e.LastError, &sent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if sent.Valid {
			e.SentAt = &sent.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes readings and notification events older than cutoff
// and reports how many rows went. The file is compacted only when something
// was deleted.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	queries := []string{
		`DELETE FROM air_quality_readings WHERE ts < ?`,
		`DELETE FROM system_readings WHERE ts < ?`,
		`DELETE FROM notification_events WHERE created_ts < ?`,
	}
	var total int64
	for _, q := range queries {
		res, err := r.db.ExecContext(ctx, q, cutoff.UTC())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
			return total, err
		}
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return total, nil
}

func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var oldest, newest sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM air_quality_readings),
		(SELECT COUNT(*) FROM system_readings),
		(SELECT COUNT(*) FROM notification_events),
		(SELECT CAST(MIN(ts) AS TEXT) FROM air_quality_readings),
		(SELECT CAST(MAX(ts) AS TEXT) FROM air_quality_readings)`).
		Scan(&s.AirQualityRows, &s.SystemRows, &s.NotificationRows, &oldest, &newest)
	s.OldestReading, s.NewestReading = oldest.String, newest.String
	return s, err
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	for k, v := range map[string]string{"telegram_token": token, "telegram_chat_id": chatID} {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN ('telegram_token','telegram_chat_id')`)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", "", err
		}
		switch k {
		case "telegram_token":
			token = v
		case "telegram_chat_id":
			chatID = v
		}
	}
	return token, chatID, rows.Err()
}
