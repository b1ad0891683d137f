package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
)

const defaultRetention = 90 * 24 * time.Hour

var endOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// RollupService persists time buckets of the aggregator and prunes expired ones.
type RollupService struct {
	repo       repository.RollupRepository
	aggregator *Aggregator
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRollupService constructs a RollupService. A nil repository keeps buckets in memory only.
func NewRollupService(repo repository.RollupRepository, aggregator *Aggregator, logger *slog.Logger, retention time.Duration) *RollupService {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger != nil {
		logger = logger.With("component", "metrics_rollup")
	}
	return &RollupService{
		repo:       repo,
		aggregator: aggregator,
		retention:  retention,
		logger:     logger,
		now:        time.Now,
	}
}

// Flush persists every modified bucket, including the one still filling.
func (s *RollupService) Flush(ctx context.Context) error {
	if s == nil || s.aggregator == nil {
		return errors.New("rollup service not initialised")
	}
	cutoff := s.now().UTC().Add(s.aggregator.BucketSpan())
	return s.persist(ctx, s.aggregator.Rollups(cutoff))
}

// Shutdown persists every remaining modified bucket.
func (s *RollupService) Shutdown(ctx context.Context) error {
	if s == nil || s.aggregator == nil {
		return nil
	}
	err := s.persist(ctx, s.aggregator.Rollups(endOfTime))
	if s.logger != nil {
		if err != nil {
			s.logger.Warn("final rollup flush failed", "error", err)
		} else {
			s.logger.Info("metrics rollup service stopped")
		}
	}
	return err
}

func (s *RollupService) persist(ctx context.Context, rollups []domain.MetricRollup) error {
	if len(rollups) == 0 || s.repo == nil {
		return nil
	}
	if err := s.repo.UpsertBuildRollups(ctx, rollups); err != nil {
		s.aggregator.MarkDirty(rollups)
		return err
	}
	if s.logger != nil {
		s.logger.Debug("persisted metric rollups", "count", len(rollups))
	}
	return nil
}

// Prune drops buckets older than the retention period from memory.
func (s *RollupService) Prune(ctx context.Context) error {
	if s == nil || s.aggregator == nil {
		return errors.New("rollup service not initialised")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	removed := s.aggregator.Prune(s.now().UTC().Add(-s.retention))
	if removed > 0 && s.logger != nil {
		s.logger.Info("pruned metric buckets", "removed", removed, "retention", s.retention)
	}
	return nil
}

// History returns persisted buckets, falling back to nothing when no repository is configured.
func (s *RollupService) History(ctx context.Context, repo, branch string, since time.Time, limit int) ([]domain.MetricRollup, error) {
	if s == nil {
		return nil, errors.New("rollup service not initialised")
	}
	if s.repo == nil {
		return []domain.MetricRollup{}, nil
	}
	return s.repo.ListBuildRollups(ctx, repository.RollupQuery{
		Repository: strings.TrimSpace(repo),
		Branch:     strings.TrimSpace(branch),
		Since:      since,
		BucketSpan: s.aggregator.BucketSpan(),
		Limit:      limit,
	})
}
