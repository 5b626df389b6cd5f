package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitLatest(t *testing.T, l *Link) Reading {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := l.Latest(); ok {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no reading before deadline")
	return Reading{}
}

func TestLinkPublishesLatestReading(t *testing.T) {
	s := newFakeStream(makeFrame(testWords))
	l := NewLink(func(context.Context) (Stream, error) { return s, nil }, discardLogger(),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	if _, ok := l.Latest(); ok {
		t.Fatal("expected no reading before start")
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	r := waitLatest(t, l)
	if r.PM25 != 13 || r.PM10 != 21 || r.PM1 != 6 {
		t.Fatalf("unexpected reading %+v", r)
	}
	// PM2.5 of 13 sits just inside the Moderate band
	if r.AQI != 53 || r.AQILevel != "Moderate" {
		t.Fatalf("unexpected index %d %q", r.AQI, r.AQILevel)
	}
	if st := l.Stats(); !st.Running || st.Frames != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestLinkStartTwiceFails(t *testing.T) {
	l := NewLink(func(context.Context) (Stream, error) { return newFakeStream(), nil }, discardLogger(),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()
	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestLinkStartReportsOpenFailure(t *testing.T) {
	boom := errors.New("no such device")
	l := NewLink(func(context.Context) (Stream, error) { return nil, boom }, discardLogger())
	if err := l.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if l.Stats().Running {
		t.Fatal("link must not run after a failed open")
	}
	l.Stop()
}

func TestLinkStopIsIdempotent(t *testing.T) {
	NewLink(nil, discardLogger()).Stop()

	s := newFakeStream()
	l := NewLink(func(context.Context) (Stream, error) { return s, nil }, discardLogger(),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Stop()
	l.Stop()
	if s.closes != 1 {
		t.Fatalf("expected one close, got %d", s.closes)
	}
	if l.Stats().Running {
		t.Fatal("expected stopped link")
	}
}

func TestLinkReadingGoesStale(t *testing.T) {
	var clock atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Store(base.UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	s := newFakeStream(makeFrame(testWords))
	l := NewLink(func(context.Context) (Stream, error) { return s, nil }, discardLogger(),
		WithClock(now), WithStaleAfter(time.Minute), WithBackoff(5*time.Millisecond, 5*time.Millisecond))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	if r := waitLatest(t, l); !r.UpdatedAt.Equal(base) {
		t.Fatalf("expected update time %v, got %v", base, r.UpdatedAt)
	}
	clock.Store(base.Add(2 * time.Minute).UnixNano())
	if _, ok := l.Latest(); ok {
		t.Fatal("expected stale reading to be withheld")
	}
}

func TestLinkFailureHookSeesReadErrors(t *testing.T) {
	s := newFakeStream(makeFrame(testWords))
	_ = s.Close()
	s.closes = 0
	var failures atomic.Int32
	l := NewLink(func(context.Context) (Stream, error) { return s, nil }, discardLogger(),
		WithBackoff(5*time.Millisecond, 5*time.Millisecond),
		WithFailureHook(func(context.Context, error) { failures.Add(1) }))
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for failures.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	l.Stop()
	if failures.Load() == 0 {
		t.Fatal("expected failure hook to fire")
	}
	if l.Stats().Errors == 0 {
		t.Fatal("expected error counter to advance")
	}
}
