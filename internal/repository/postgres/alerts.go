package postgres

import (
	"context"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

// InsertAlert stores a fired alert.
func (r *Repository) InsertAlert(ctx context.Context, a domain.Alert) error {
	const query = `INSERT INTO build_alerts
		(id, alert_type, repository, branch, message, value, threshold, provider_run_id, attempt, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, query,
		a.ID,
		string(a.Type),
		a.Repository,
		a.Branch,
		a.Message,
		a.Value,
		a.Threshold,
		nilIfEmpty(a.Run.ProviderRunID),
		intToNil(a.Run.Attempt),
		a.TriggeredAt,
	)
	return err
}

// ListAlerts returns the most recent alerts first.
func (r *Repository) ListAlerts(ctx context.Context, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id::text, alert_type, repository, branch, message, value, threshold,
			provider_run_id, attempt, triggered_at
		FROM build_alerts ORDER BY triggered_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var (
			a       domain.Alert
			kind    string
			runID   *string
			attempt *int32
		)
		if err := rows.Scan(&a.ID, &kind, &a.Repository, &a.Branch, &a.Message, &a.Value, &a.Threshold, &runID, &attempt, &a.TriggeredAt); err != nil {
			return nil, err
		}
		a.Type = domain.AlertType(kind)
		a.Run.ProviderRunID = derefString(runID)
		if attempt != nil {
			a.Run.Attempt = int(*attempt)
		}
		a.TriggeredAt = a.TriggeredAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// AlertStats counts alerts triggered at or after since, in total, per type and per UTC day.
func (r *Repository) AlertStats(ctx context.Context, since time.Time) (domain.AlertStats, error) {
	stats := domain.AlertStats{Since: since.UTC(), ByType: make(map[domain.AlertType]int64)}
	const totals = `SELECT COUNT(*), COUNT(DISTINCT repository) FROM build_alerts WHERE triggered_at >= $1`
	if err := r.pool.QueryRow(ctx, totals, since).Scan(&stats.Total, &stats.Repositories); err != nil {
		return domain.AlertStats{}, err
	}

	const daily = `SELECT (date_trunc('day', triggered_at AT TIME ZONE 'UTC')) AS day, alert_type, COUNT(*)
		FROM build_alerts WHERE triggered_at >= $1
		GROUP BY day, alert_type ORDER BY day, alert_type`
	rows, err := r.pool.Query(ctx, daily, since)
	if err != nil {
		return domain.AlertStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			day  domain.AlertDay
			kind string
		)
		if err := rows.Scan(&day.Date, &kind, &day.Count); err != nil {
			return domain.AlertStats{}, err
		}
		day.Type = domain.AlertType(kind)
		day.Date = time.Date(day.Date.Year(), day.Date.Month(), day.Date.Day(), 0, 0, 0, 0, time.UTC)
		stats.ByType[day.Type] += day.Count
		stats.Daily = append(stats.Daily, day)
	}
	return stats, rows.Err()
}
