package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.BuildRunRepository       = (*Repository)(nil)
	_ repository.RollupRepository         = (*Repository)(nil)
	_ repository.AlertRepository          = (*Repository)(nil)
	_ repository.AlertThresholdRepository = (*Repository)(nil)
	_ repository.Pinger                   = (*Repository)(nil)
)

// Ping checks that the pool can reach the database.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const runColumns = `provider_run_id, attempt, provider, run_number, repository, branch, commit_sha, status,
	workflow_name, actor, url, created_at, last_updated_at, started_at, finished_at, duration_seconds`

// UpsertBuildRun inserts or replaces the stored state of a run. Rows whose
// last_updated_at is newer than run's are left alone.
func (r *Repository) UpsertBuildRun(ctx context.Context, run domain.BuildRun) error {
	const query = `INSERT INTO build_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (provider_run_id, attempt) DO UPDATE SET
			run_number = EXCLUDED.run_number,
			status = EXCLUDED.status,
			workflow_name = EXCLUDED.workflow_name,
			actor = EXCLUDED.actor,
			url = EXCLUDED.url,
			last_updated_at = EXCLUDED.last_updated_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			duration_seconds = EXCLUDED.duration_seconds
		WHERE build_runs.last_updated_at <= EXCLUDED.last_updated_at`
	_, err := r.pool.Exec(ctx, query,
		run.ProviderRunID,
		run.Attempt,
		run.Provider,
		intToNil(run.RunNumber),
		run.Repository,
		run.Branch,
		run.CommitSHA,
		string(run.Status),
		nilIfEmpty(run.WorkflowName),
		nilIfEmpty(run.Actor),
		nilIfEmpty(run.URL),
		run.CreatedAt,
		run.LastUpdatedAt,
		run.StartedAt,
		run.FinishedAt,
		run.DurationSeconds,
	)
	return invalidArgument(err)
}

// invalidArgument maps constraint and data errors to repository.ErrInvalidArgument.
func invalidArgument(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.CheckViolation, pgerrcode.InvalidTextRepresentation, pgerrcode.StringDataRightTruncationDataException:
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

// GetBuildRun fetches one run by key.
func (r *Repository) GetBuildRun(ctx context.Context, key domain.RunKey) (*domain.BuildRun, error) {
	query := `SELECT ` + runColumns + ` FROM build_runs WHERE provider_run_id = $1 AND attempt = $2`
	run, err := scanRun(r.pool.QueryRow(ctx, query, key.ProviderRunID, key.Attempt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

// ListBuildRuns returns every stored run.
func (r *Repository) ListBuildRuns(ctx context.Context) ([]domain.BuildRun, error) {
	query := `SELECT ` + runColumns + ` FROM build_runs ORDER BY last_updated_at, provider_run_id, attempt`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.BuildRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (domain.BuildRun, error) {
	var (
		run       domain.BuildRun
		status    string
		runNumber *int32
		workflow  *string
		actor     *string
		url       *string
	)
	if err := row.Scan(
		&run.ProviderRunID,
		&run.Attempt,
		&run.Provider,
		&runNumber,
		&run.Repository,
		&run.Branch,
		&run.CommitSHA,
		&status,
		&workflow,
		&actor,
		&url,
		&run.CreatedAt,
		&run.LastUpdatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.DurationSeconds,
	); err != nil {
		return domain.BuildRun{}, err
	}
	run.Status = domain.BuildStatus(status)
	if runNumber != nil {
		run.RunNumber = int(*runNumber)
	}
	run.WorkflowName = derefString(workflow)
	run.Actor = derefString(actor)
	run.URL = derefString(url)
	run.CreatedAt = run.CreatedAt.UTC()
	run.LastUpdatedAt = run.LastUpdatedAt.UTC()
	run.StartedAt = utcPtr(run.StartedAt)
	run.FinishedAt = utcPtr(run.FinishedAt)
	return run, nil
}

func intToNil(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nilIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
