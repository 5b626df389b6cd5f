package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"airmon/internal/aqi"
)

const (
	defaultStaleAfter   = 60 * time.Second
	defaultRetryBackoff = time.Second
	defaultIdleWait     = 100 * time.Millisecond
	stopGrace           = 5 * time.Second
	summaryEvery        = 10
)

var ErrAlreadyStarted = errors.New("sensor: link already started")

// Opener produces the stream a Link reads from.
type Opener func(ctx context.Context) (Stream, error)

// Reading is the most recent decoded sample plus its derived index.
type Reading struct {
	Sample
	AQI       int       `json:"aqi"`
	AQILevel  string    `json:"aqi_level"`
	UpdatedAt time.Time `json:"last_update"`
}

func NewReading(s Sample, at time.Time) Reading {
	idx := aqi.FromPM25(float64(s.PM25))
	return Reading{Sample: s, AQI: idx, AQILevel: aqi.Level(idx), UpdatedAt: at}
}

type Stats struct {
	Running    bool      `json:"running"`
	Frames     uint64    `json:"frames"`
	Errors     uint64    `json:"errors"`
	LastUpdate time.Time `json:"last_update"`
}

type Option func(*Link)

// WithStaleAfter sets how long a reading stays current. Zero disables aging.
func WithStaleAfter(d time.Duration) Option { return func(l *Link) { l.staleAfter = d } }

func WithBackoff(retry, idle time.Duration) Option {
	return func(l *Link) {
		l.retryBackoff = retry
		l.idleWait = idle
	}
}

// WithFailureHook is called from the acquisition goroutine for every read
// error other than ErrNoFrame. ctx is cancelled by Stop.
func WithFailureHook(fn func(ctx context.Context, err error)) Option {
	return func(l *Link) { l.onFailure = fn }
}

func WithClock(now func() time.Time) Option { return func(l *Link) { l.now = now } }

// Link owns the sensor stream and the goroutine that keeps Latest current.
type Link struct {
	open Opener
	log  *slog.Logger
	now  func() time.Time

	staleAfter   time.Duration
	retryBackoff time.Duration
	idleWait     time.Duration
	onFailure    func(context.Context, error)

	lifeMu  sync.Mutex
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	mu      sync.Mutex
	latest  *Sample
	updated time.Time

	frames atomic.Uint64
	errs   atomic.Uint64
}

func NewLink(open Opener, logger *slog.Logger, opts ...Option) *Link {
	l := &Link{
		open:         open,
		log:          logger,
		now:          time.Now,
		staleAfter:   defaultStaleAfter,
		retryBackoff: defaultRetryBackoff,
		idleWait:     defaultIdleWait,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start opens the stream and launches acquisition. An open failure leaves the
// link stopped.
func (l *Link) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyStarted
	}
	s, err := l.open(ctx)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	l.stream = s
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.loop(loopCtx, s, l.done)
	l.log.Info("sensor started")
	return nil
}

// Stop halts acquisition and closes the stream. Closing unblocks a pending
// read; Stop waits a bounded time for the goroutine to notice.
func (l *Link) Stop() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.cancel == nil {
		return
	}
	l.running.Store(false)
	l.cancel()
	if err := l.stream.Close(); err != nil {
		l.log.Warn("close sensor stream", "err", err)
	}
	select {
	case <-l.done:
	case <-time.After(stopGrace):
		l.log.Warn("sensor goroutine did not exit in time")
	}
	l.cancel, l.stream, l.done = nil, nil, nil
	l.log.Info("sensor stopped")
}

// Latest returns the newest reading, or false if none has arrived or it has
// gone stale.
func (l *Link) Latest() (Reading, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.latest == nil {
		return Reading{}, false
	}
	if l.staleAfter > 0 && l.now().Sub(l.updated) > l.staleAfter {
		return Reading{}, false
	}
	return NewReading(*l.latest, l.updated), true
}

func (l *Link) Stats() Stats {
	l.mu.Lock()
	last := l.updated
	l.mu.Unlock()
	return Stats{
		Running:    l.running.Load(),
		Frames:     l.frames.Load(),
		Errors:     l.errs.Load(),
		LastUpdate: last,
	}
}

func (l *Link) loop(ctx context.Context, s Stream, done chan struct{}) {
	defer close(done)
	r := NewReader(s, l.log)
	for l.running.Load() {
		err := l.step(ctx, r)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrNoFrame):
			l.log.Debug("no frame available")
			sleepCtx(ctx, l.idleWait)
		default:
			l.errs.Add(1)
			l.log.Warn("sensor read failed", "err", err)
			if l.onFailure != nil {
				l.onFailure(ctx, err)
			}
			sleepCtx(ctx, l.retryBackoff)
		}
	}
}

func (l *Link) step(ctx context.Context, r *Reader) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("acquisition panic: %v", p)
		}
	}()
	frame, err := r.ReadFrame(ctx)
	if err != nil {
		return err
	}
	sample := Decode(frame)
	at := l.now()
	n := l.frames.Add(1)

	l.mu.Lock()
	l.latest = &sample
	l.updated = at
	l.mu.Unlock()

	if n%summaryEvery == 0 {
		l.log.Info("sensor reading",
			"frames", n,
			"pm1_0", sample.PM1,
			"pm2_5", sample.PM25,
			"pm10", sample.PM10)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
