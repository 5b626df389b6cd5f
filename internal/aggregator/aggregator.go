// Package aggregator turns the sensor's high-rate readings into periodic
// averaged rows.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"airmon/internal/aqi"
	"airmon/internal/models"
	"airmon/internal/sensor"
)

const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultWriteInterval = 5 * time.Second
)

type LatestSource interface {
	Latest() (sensor.Reading, bool)
}

type ReadingStore interface {
	InsertReading(ctx context.Context, m models.AveragedReading) (int64, error)
}

// Observer sees every polled reading. It runs on the aggregation goroutine.
type Observer func(ctx context.Context, r sensor.Reading)

type Aggregator struct {
	source   LatestSource
	store    ReadingStore
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	pollInterval  time.Duration
	writeInterval time.Duration

	flushMu sync.Mutex

	mu        sync.Mutex
	buffer    []sensor.Reading
	lastFlush time.Time
}

func New(source LatestSource, store ReadingStore, observer Observer, pollInterval, writeInterval time.Duration, logger *slog.Logger) *Aggregator {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if writeInterval <= 0 {
		writeInterval = DefaultWriteInterval
	}
	return &Aggregator{
		source:        source,
		store:         store,
		observer:      observer,
		log:           logger,
		now:           time.Now,
		pollInterval:  pollInterval,
		writeInterval: writeInterval,
	}
}

func (a *Aggregator) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Poll samples the source once and flushes when the write interval is due.
func (a *Aggregator) Poll(ctx context.Context) {
	if r, ok := a.source.Latest(); ok {
		a.mu.Lock()
		a.buffer = append(a.buffer, r)
		a.mu.Unlock()
		if a.observer != nil {
			a.observer(ctx, r)
		}
	}

	a.mu.Lock()
	if a.lastFlush.IsZero() {
		a.lastFlush = a.now()
	}
	due := a.now().Sub(a.lastFlush) >= a.writeInterval
	a.mu.Unlock()
	if due {
		if _, err := a.Flush(ctx); err != nil {
			a.log.Error("write averaged reading", "err", err, "buffered", a.Buffered())
		}
	}
}

// Flush writes the mean of the buffered readings. The buffer survives a
// failed write and is folded into the next window. Polls that land during the
// write stay buffered for the next one.
func (a *Aggregator) Flush(ctx context.Context) (bool, error) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	a.lastFlush = a.now()
	n := len(a.buffer)
	if n == 0 {
		a.mu.Unlock()
		return false, nil
	}
	avg := average(a.buffer[:n])
	a.mu.Unlock()

	if _, err := a.store.InsertReading(ctx, avg); err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}
	a.mu.Lock()
	a.buffer = append(a.buffer[:0], a.buffer[n:]...)
	a.mu.Unlock()
	a.log.Debug("averaged reading stored", "samples", avg.SampleCount, "pm2_5", avg.PM25, "aqi", avg.AQI)
	return true, nil
}

func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	a.log.Info("aggregator started", "poll", a.pollInterval, "write", a.writeInterval)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if ok, err := a.Flush(fctx); err != nil {
				a.log.Error("final flush", "err", err)
			} else if ok {
				a.log.Info("final flush stored")
			}
			cancel()
			return
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

func average(buf []sensor.Reading) models.AveragedReading {
	var pm1, pm25, pm10 float64
	var idx int
	for _, r := range buf {
		pm1 += float64(r.PM1)
		pm25 += float64(r.PM25)
		pm10 += float64(r.PM10)
		idx += r.AQI
	}
	n := len(buf)
	meanAQI := int(float64(idx) / float64(n))
	return models.AveragedReading{
		PM1:         pm1 / float64(n),
		PM25:        pm25 / float64(n),
		PM10:        pm10 / float64(n),
		AQI:         meanAQI,
		AQILevel:    aqi.Level(meanAQI),
		SampleCount: n,
	}
}
