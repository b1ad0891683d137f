package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
)

const defaultRollupLimit = 1000

// UpsertBuildRollups writes every rollup in one batch inside a transaction.
func (r *Repository) UpsertBuildRollups(ctx context.Context, rollups []domain.MetricRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO build_metric_rollups (
			repository, branch, bucket_start, bucket_span_seconds,
			queued_count, in_progress_count, success_count, failure_count, cancelled_count,
			duration_count, duration_mean, duration_p50, duration_p95, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (repository, branch, bucket_start, bucket_span_seconds) DO UPDATE SET
			queued_count = EXCLUDED.queued_count,
			in_progress_count = EXCLUDED.in_progress_count,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			cancelled_count = EXCLUDED.cancelled_count,
			duration_count = EXCLUDED.duration_count,
			duration_mean = EXCLUDED.duration_mean,
			duration_p50 = EXCLUDED.duration_p50,
			duration_p95 = EXCLUDED.duration_p95,
			updated_at = EXCLUDED.updated_at`
	batch := &pgx.Batch{}
	for _, ru := range rollups {
		batch.Queue(query,
			ru.Repository,
			ru.Branch,
			ru.BucketStart,
			int(ru.BucketSpan/time.Second),
			ru.Counts.Queued,
			ru.Counts.InProgress,
			ru.Counts.Success,
			ru.Counts.Failure,
			ru.Counts.Cancelled,
			ru.Duration.Count,
			ru.Duration.Mean,
			ru.Duration.P50,
			ru.Duration.P95,
			ru.UpdatedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range rollups {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert rollup: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListBuildRollups returns persisted buckets newest first.
func (r *Repository) ListBuildRollups(ctx context.Context, q repository.RollupQuery) ([]domain.MetricRollup, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Repository != "" {
		add("repository = $%d", q.Repository)
	}
	if q.Branch != "" {
		add("branch = $%d", q.Branch)
	}
	if !q.Since.IsZero() {
		add("bucket_start >= $%d", q.Since)
	}
	if q.BucketSpan > 0 {
		add("bucket_span_seconds = $%d", int(q.BucketSpan/time.Second))
	}
	limit := q.Limit
	if limit <= 0 || limit > defaultRollupLimit {
		limit = defaultRollupLimit
	}

	query := `SELECT repository, branch, bucket_start, bucket_span_seconds,
			queued_count, in_progress_count, success_count, failure_count, cancelled_count,
			duration_count, duration_mean, duration_p50, duration_p95, updated_at
		FROM build_metric_rollups`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY bucket_start DESC, repository, branch LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MetricRollup
	for rows.Next() {
		var (
			ru   domain.MetricRollup
			span int32
		)
		if err := rows.Scan(
			&ru.Repository,
			&ru.Branch,
			&ru.BucketStart,
			&span,
			&ru.Counts.Queued,
			&ru.Counts.InProgress,
			&ru.Counts.Success,
			&ru.Counts.Failure,
			&ru.Counts.Cancelled,
			&ru.Duration.Count,
			&ru.Duration.Mean,
			&ru.Duration.P50,
			&ru.Duration.P95,
			&ru.UpdatedAt,
		); err != nil {
			return nil, err
		}
		ru.BucketSpan = time.Duration(span) * time.Second
		ru.BucketStart = ru.BucketStart.UTC()
		out = append(out, ru)
	}
	return out, rows.Err()
}
