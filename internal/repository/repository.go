package repository

import (
	"context"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

// BuildRunRepository persists the folded state of build runs.
type BuildRunRepository interface {
	UpsertBuildRun(ctx context.Context, run domain.BuildRun) error
	GetBuildRun(ctx context.Context, key domain.RunKey) (*domain.BuildRun, error)
	ListBuildRuns(ctx context.Context) ([]domain.BuildRun, error)
}

// RollupQuery filters persisted metric rollups.
type RollupQuery struct {
	Repository string
	Branch     string
	Since      time.Time
	BucketSpan time.Duration
	Limit      int
}

// RollupRepository stores hourly metric buckets.
type RollupRepository interface {
	UpsertBuildRollups(ctx context.Context, rollups []domain.MetricRollup) error
	ListBuildRollups(ctx context.Context, query RollupQuery) ([]domain.MetricRollup, error)
}

// AlertRepository keeps alert history.
type AlertRepository interface {
	InsertAlert(ctx context.Context, alert domain.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]domain.Alert, error)
	AlertStats(ctx context.Context, since time.Time) (domain.AlertStats, error)
}

// AlertThresholdRepository stores per-repository alert overrides.
type AlertThresholdRepository interface {
	ListAlertThresholds(ctx context.Context) ([]domain.AlertThresholds, error)
	UpsertAlertThresholds(ctx context.Context, t domain.AlertThresholds) error
	DeleteAlertThresholds(ctx context.Context, repository string) error
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
