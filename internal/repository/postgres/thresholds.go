package postgres

import (
	"context"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
)

// ListAlertThresholds returns every repository override ordered by repository.
func (r *Repository) ListAlertThresholds(ctx context.Context) ([]domain.AlertThresholds, error) {
	const query = `SELECT repository, consecutive_failures, failure_rate_percent, duration_threshold_sec, muted, updated_at
		FROM alert_thresholds ORDER BY repository`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AlertThresholds
	for rows.Next() {
		var (
			t       domain.AlertThresholds
			seconds float64
		)
		if err := rows.Scan(&t.Repository, &t.ConsecutiveFailures, &t.FailureRatePercent, &seconds, &t.Muted, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.DurationThreshold = time.Duration(seconds * float64(time.Second))
		t.UpdatedAt = t.UpdatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertAlertThresholds creates or replaces the override for t.Repository.
func (r *Repository) UpsertAlertThresholds(ctx context.Context, t domain.AlertThresholds) error {
	const query = `INSERT INTO alert_thresholds
		(repository, consecutive_failures, failure_rate_percent, duration_threshold_sec, muted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (repository) DO UPDATE SET
			consecutive_failures = EXCLUDED.consecutive_failures,
			failure_rate_percent = EXCLUDED.failure_rate_percent,
			duration_threshold_sec = EXCLUDED.duration_threshold_sec,
			muted = EXCLUDED.muted,
			updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		t.Repository,
		t.ConsecutiveFailures,
		t.FailureRatePercent,
		t.DurationThreshold.Seconds(),
		t.Muted,
		t.UpdatedAt,
	)
	return invalidArgument(err)
}

// DeleteAlertThresholds removes the override for repo.
func (r *Repository) DeleteAlertThresholds(ctx context.Context, repo string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM alert_thresholds WHERE repository = $1`, repo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
