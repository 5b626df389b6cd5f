package retention

import (
	"context"
	"log/slog"
	"time"
)

const defaultHorizon = 24 * time.Hour

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service drops readings older than the retention horizon.
type Service struct {
	repo    Pruner
	horizon time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewService(repo Pruner, horizon time.Duration, logger *slog.Logger) *Service {
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	return &Service{repo: repo, horizon: horizon, log: logger, now: time.Now}
}

// Run performs one sweep. Failures are logged and left for the next sweep.
func (s *Service) Run(ctx context.Context) int64 {
	cutoff := s.now().UTC().Add(-s.horizon)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("retention cleanup failed", "err", err, "cutoff", cutoff)
		return 0
	}
	if n > 0 {
		s.log.Info("retention cleanup completed", "cutoff", cutoff, "deleted", n)
	} else {
		s.log.Debug("retention cleanup found nothing", "cutoff", cutoff)
	}
	return n
}
