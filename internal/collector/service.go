package collector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"airmon/internal/models"
)

type SnapshotStore interface {
	InsertSystemSnapshot(ctx context.Context, s models.SystemSnapshot) (int64, error)
}

// Service samples the host once per Tick, stores the snapshot and keeps the
// most recent one in memory.
type Service struct {
	store  SnapshotStore
	probes HostProbes
	log    *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	latest *models.SystemSnapshot
}

func NewService(store SnapshotStore, probes HostProbes, logger *slog.Logger) *Service {
	return &Service{store: store, probes: probes, log: logger, now: time.Now}
}

func (s *Service) Tick(ctx context.Context) (models.SystemSnapshot, error) {
	snap, perr := s.probes.Snapshot(ctx, s.now())
	if perr != nil {
		s.log.Warn("collect system metrics", "err", perr)
	}
	id, err := s.store.InsertSystemSnapshot(ctx, snap)
	if err != nil {
		s.log.Error("insert system snapshot", "err", err)
		return snap, err
	}
	snap.ID = id

	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()
	s.log.Debug("system snapshot stored", "id", id)
	return snap, nil
}

// Latest returns the last stored snapshot.
func (s *Service) Latest() (models.SystemSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return models.SystemSnapshot{}, false
	}
	return *s.latest, true
}
