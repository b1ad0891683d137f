package query

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
	"github.com/splax/buildboard/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	// DefaultCompareWindow is the period length used when Compare gets none.
	DefaultCompareWindow = 7 * 24 * time.Hour
)

var (
	// ErrInvalidCursor is returned for cursors this service did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")
	// ErrInvalidFilter is returned for unknown status filters.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrRunNotFound is returned by GetRun for unknown keys.
	ErrRunNotFound = errors.New("build run not found")
)

// RunSource exposes the stored runs.
type RunSource interface {
	Page(after *store.Position, limit int, match func(domain.BuildRun) bool) ([]domain.BuildRun, bool)
	Get(key domain.RunKey) (domain.BuildRun, bool)
}

// RunReader reads runs persisted by other replicas sharing the database.
type RunReader interface {
	GetBuildRun(ctx context.Context, key domain.RunKey) (*domain.BuildRun, error)
}

// MetricsSource exposes aggregated metrics.
type MetricsSource interface {
	Snapshot(f buildmetrics.Filter) domain.MetricsSnapshot
	Trends(f buildmetrics.TrendFilter) []domain.TrendPoint
	Compare(f buildmetrics.Filter) domain.Comparison
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Repository string
	Branch     string
	Status     domain.BuildStatus
}

// Page selects a slice of an ordered listing.
type Page struct {
	Cursor string
	Limit  int
}

// RunPage is one page of runs ordered newest first.
type RunPage struct {
	Runs       []domain.BuildRun
	NextCursor string
}

// Option configures a Service.
type Option func(*Service)

// WithRunReader makes GetRun fall back to reader for runs this process has not seen.
func WithRunReader(reader RunReader) Option {
	return func(s *Service) {
		s.reader = reader
	}
}

// Service answers read-only questions about builds.
type Service struct {
	runs    RunSource
	metrics MetricsSource
	reader  RunReader
	logger  *slog.Logger
}

// New returns a query service.
func New(runs RunSource, metrics MetricsSource, logger *slog.Logger, opts ...Option) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := Service{runs: runs, metrics: metrics, logger: logger}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Summary returns all-time metrics over every build.
func (s Service) Summary(ctx context.Context) (domain.MetricsSnapshot, error) {
	return s.SummaryFor(ctx, buildmetrics.Filter{})
}

// SummaryFor returns metrics for the runs matching f.
func (s Service) SummaryFor(ctx context.Context, f buildmetrics.Filter) (domain.MetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetricsSnapshot{}, err
	}
	f.Repository = strings.TrimSpace(f.Repository)
	f.Branch = strings.TrimSpace(f.Branch)
	return s.metrics.Snapshot(f), nil
}

// Trends returns bucketed success rate and duration series.
func (s Service) Trends(ctx context.Context, f buildmetrics.TrendFilter) ([]domain.TrendPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.metrics.Trends(f), nil
}

// Compare returns the window ending now against the window before it.
func (s Service) Compare(ctx context.Context, f buildmetrics.Filter) (domain.Comparison, error) {
	if err := ctx.Err(); err != nil {
		return domain.Comparison{}, err
	}
	if f.Window <= 0 {
		f.Window = DefaultCompareWindow
	}
	f.Repository = strings.TrimSpace(f.Repository)
	f.Branch = strings.TrimSpace(f.Branch)
	return s.metrics.Compare(f), nil
}

// GetRun returns one run by key.
func (s Service) GetRun(ctx context.Context, key domain.RunKey) (domain.BuildRun, error) {
	if err := ctx.Err(); err != nil {
		return domain.BuildRun{}, err
	}
	if key.Attempt == 0 {
		key.Attempt = 1
	}
	if run, ok := s.runs.Get(key); ok {
		return run, nil
	}
	if s.reader == nil {
		return domain.BuildRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, key)
	}
	run, err := s.reader.GetBuildRun(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.BuildRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, key)
	case err != nil:
		return domain.BuildRun{}, fmt.Errorf("read build run %s: %w", key, err)
	}
	s.logger.Debug("build run served from repository", "run", key.String())
	return *run, nil
}

// ListRuns pages through runs ordered by (last_updated_at, provider_run_id, attempt) descending.
func (s Service) ListRuns(ctx context.Context, f RunFilter, p Page) (RunPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return RunPage{}, fmt.Errorf("%w: status %q", ErrInvalidFilter, f.Status)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if err := ctx.Err(); err != nil {
		return RunPage{}, err
	}
	var after *store.Position
	if p.Cursor != "" {
		c, err := decodeCursor(p.Cursor)
		if err != nil {
			return RunPage{}, err
		}
		pos := store.Position(c)
		after = &pos
	}

	runs, more := s.runs.Page(after, limit, f.matches)
	page := RunPage{Runs: runs}
	if more && len(runs) > 0 {
		page.NextCursor = encodeCursor(cursor(store.PositionOf(runs[len(runs)-1])))
	}
	return page, nil
}

func (f RunFilter) matches(run domain.BuildRun) bool {
	if f.Repository != "" && f.Repository != run.Repository {
		return false
	}
	if f.Branch != "" && f.Branch != run.Branch {
		return false
	}
	if f.Status != "" && f.Status != run.Status {
		return false
	}
	return true
}

type cursor struct {
	UpdatedAt time.Time `json:"u"`
	RunID     string    `json:"r"`
	Attempt   int       `json:"a"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(value string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return cursor{}, ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.RunID == "" || c.UpdatedAt.IsZero() {
		return cursor{}, ErrInvalidCursor
	}
	return c, nil
}
