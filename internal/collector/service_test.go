package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/sensors"

	"airmon/internal/db"
	"airmon/internal/models"
)

func fixed(v float64) Probe {
	return func(context.Context) (*float64, error) { return models.Float(v), nil }
}

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db.NewRepository(conn)
}

func TestTickStoresSnapshotWithMissingMetrics(t *testing.T) {
	repo := newRepo(t)
	probes := HostProbes{
		CPUTemp:     func(context.Context) (*float64, error) { return nil, nil },
		CPUUsage:    fixed(12.5),
		MemoryUsage: func(context.Context) (*float64, error) { return nil, errors.New("meminfo unreadable") },
		DiskUsage:   fixed(40),
	}
	s := NewService(repo, probes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	if _, ok := s.Latest(); ok {
		t.Fatal("latest before first tick")
	}
	snap, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snap.ID == 0 || snap.CPUTemp != nil || snap.MemoryUsage != nil || *snap.CPUUsage != 12.5 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	stored, err := repo.LatestSystemSnapshot(context.Background())
	if err != nil {
		t.Fatalf("latest stored: %v", err)
	}
	if stored.MemoryUsage != nil || stored.DiskUsage == nil || *stored.DiskUsage != 40 {
		t.Fatalf("unexpected stored snapshot %+v", stored)
	}
	if got, ok := s.Latest(); !ok || got.ID != snap.ID {
		t.Fatalf("latest = %+v, %v", got, ok)
	}
}

type failingStore struct{}

func (failingStore) InsertSystemSnapshot(context.Context, models.SystemSnapshot) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestTickKeepsPreviousLatestOnStoreError(t *testing.T) {
	s := NewService(failingStore{}, HostProbes{CPUUsage: fixed(1)}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("unstored snapshot exposed as latest")
	}
}

func TestSnapshotJoinsProbeErrors(t *testing.T) {
	boom := func(context.Context) (*float64, error) { return nil, errors.New("boom") }
	_, err := HostProbes{CPUTemp: boom, DiskUsage: boom}.Snapshot(context.Background(), time.Now())
	if err == nil || !strings.Contains(err.Error(), "cpu_temp: boom") || !strings.Contains(err.Error(), "disk_usage: boom") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPickCPUTemp(t *testing.T) {
	tests := []struct {
		name  string
		temps []sensors.TemperatureStat
		want  float64
	}{
		{"raspberry pi", []sensors.TemperatureStat{{SensorKey: "rp1_adc", Temperature: 38}, {SensorKey: "cpu_thermal", Temperature: 51.5}}, 51.5},
		{"intel package", []sensors.TemperatureStat{{SensorKey: "acpitz", Temperature: 27}, {SensorKey: "coretemp_package_id_0", Temperature: 63}}, 63},
		{"fallback", []sensors.TemperatureStat{{SensorKey: "nvme_composite", Temperature: 40}, {SensorKey: "SoC", Temperature: 47}}, 47},
		{"none", []sensors.TemperatureStat{{SensorKey: "nvme_composite", Temperature: 40}}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := pickCPUTemp(tc.temps)
			if tc.want == 0 {
				if got != nil {
					t.Fatalf("expected nil, got %v", *got)
				}
				return
			}
			if got == nil || *got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
