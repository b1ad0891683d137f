// Package store keeps the authoritative state of every build run.
//
// Each event is guarded, folded into its run and persisted while the run's key
// is locked. The in-memory map and the metrics aggregator are then updated
// together under the shared side of the commit lock, so a full recompute, which
// takes the exclusive side, never observes half of a commit.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/guard"
	"github.com/splax/buildboard/internal/metrics"
	"github.com/splax/buildboard/internal/repository"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
)

const defaultPersistTimeout = 2 * time.Second

// Publisher receives committed transitions for fan-out.
type Publisher interface {
	Publish(ctx context.Context, t domain.Transition) error
}

// Receipt describes what happened to an ingested event.
type Receipt struct {
	Verdict    guard.Verdict
	Applied    bool
	Transition domain.Transition
	Rejection  *TransitionError
}

// Option configures a Store.
type Option func(*Store)

// WithPersistTimeout bounds every repository write.
func WithPersistTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPublisher sets the fan-out target for committed transitions.
func WithPublisher(p Publisher) Option {
	return func(s *Store) {
		s.publisher = p
	}
}

// WithMetrics sets the operational metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *Store) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithClock overrides the clock that stamps events carrying no timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStripes sets the number of per-key lock stripes.
func WithStripes(n int) Option {
	return func(s *Store) {
		s.locks = newStripedLocks(n)
	}
}

// Store is the build state store.
type Store struct {
	repo       repository.BuildRunRepository
	aggregator *buildmetrics.Aggregator
	publisher  Publisher
	sink       metrics.Sink
	logger     *slog.Logger
	timeout    time.Duration
	now        func() time.Time

	locks  *stripedLocks
	commit sync.RWMutex

	mu    sync.RWMutex
	runs  map[domain.RunKey]domain.BuildRun
	order recency
}

// New constructs a Store. A nil repository keeps runs in memory only.
func New(repo repository.BuildRunRepository, aggregator *buildmetrics.Aggregator, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		repo:       repo,
		aggregator: aggregator,
		sink:       metrics.NewNoopSink(),
		logger:     logger.With("component", "build_store"),
		timeout:    defaultPersistTimeout,
		now:        time.Now,
		locks:      newStripedLocks(defaultStripes),
		runs:       make(map[domain.RunKey]domain.BuildRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the persisted runs and rebuilds the aggregator.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	runs, err := s.repo.ListBuildRuns(ctx)
	if err != nil {
		return fmt.Errorf("load build runs: %w", err)
	}
	s.commit.Lock()
	defer s.commit.Unlock()

	s.mu.Lock()
	s.runs = make(map[domain.RunKey]domain.BuildRun, len(runs))
	for _, run := range runs {
		s.runs[run.Key()] = run
	}
	s.order.reset(runs)
	s.mu.Unlock()

	started := time.Now()
	s.aggregator.Rebuild(runs)
	s.sink.AggregatorRecomputed("load", time.Since(started))
	s.reportCounts()
	s.logger.Info("build runs loaded", "count", len(runs))
	return nil
}

// Ingest runs event through the idempotency guard and applies it when admitted.
// Rejected transitions are absorbed and reported on the receipt.
func (s *Store) Ingest(ctx context.Context, event domain.BuildEvent) (Receipt, error) {
	if err := validateEvent(event); err != nil {
		return Receipt{}, err
	}
	key := event.Key()
	unlock := s.locks.lock(key)
	defer unlock()

	current, seen := s.get(key)
	decision := guard.Admit(guard.MarkOf(current), seen, event)
	receipt := Receipt{Verdict: decision.Verdict}
	if !decision.Forward {
		s.logger.Debug("event not forwarded", "run", key.String(), "verdict", decision.Verdict, "status", event.Status)
		return receipt, nil
	}

	t, err := s.applyLocked(ctx, current, seen, s.stamp(event))
	var terr *TransitionError
	if errors.As(err, &terr) {
		receipt.Rejection = terr
		return receipt, nil
	}
	if err != nil {
		return receipt, err
	}
	receipt.Applied = true
	receipt.Transition = t
	return receipt, nil
}

// Apply folds event into its run without the idempotency guard.
func (s *Store) Apply(ctx context.Context, event domain.BuildEvent) (domain.Transition, error) {
	if err := validateEvent(event); err != nil {
		return domain.Transition{}, err
	}
	key := event.Key()
	unlock := s.locks.lock(key)
	defer unlock()

	current, seen := s.get(key)
	return s.applyLocked(ctx, current, seen, s.stamp(event))
}

// stamp gives an untimed event the receive time. It runs only for events that
// change their run, so replays never move a run's position.
func (s *Store) stamp(event domain.BuildEvent) domain.BuildEvent {
	if event.Untimed() {
		event.UpdatedAt = s.now().UTC()
	}
	return event
}

func (s *Store) applyLocked(ctx context.Context, current domain.BuildRun, seen bool, event domain.BuildEvent) (domain.Transition, error) {
	next, t, err := fold(current, seen, event)
	if err != nil {
		var terr *TransitionError
		if errors.As(err, &terr) {
			s.sink.TransitionRejected(string(terr.Kind))
			s.logger.Info("transition rejected", "run", terr.Run.String(), "kind", terr.Kind, "from", terr.From, "to", terr.To)
		}
		return domain.Transition{}, err
	}

	if err := s.persist(ctx, next); err != nil {
		return domain.Transition{}, err
	}

	if err := s.commitTransition(t); err != nil {
		var inconsistency *buildmetrics.InconsistencyError
		if errors.As(err, &inconsistency) {
			s.logger.Error("aggregator inconsistent, recomputing", "error", err)
			s.Recompute("inconsistency")
		} else {
			s.logger.Error("aggregator update failed", "error", err)
		}
	}
	s.sink.TransitionApplied(string(t.Old), string(t.New))
	s.publish(ctx, t)
	return t, nil
}

// persist writes run with the configured timeout. Client cancellation does not abort the write.
func (s *Store) persist(ctx context.Context, run domain.BuildRun) error {
	if s.repo == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	started := time.Now()
	err := s.repo.UpsertBuildRun(writeCtx, run)
	s.sink.PersistenceObserve(time.Since(started), err)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("build run write timed out", "run", run.Key().String(), "timeout", s.timeout)
		return fmt.Errorf("%w: run %s", ErrPersistenceTimeout, run.Key())
	}
	return fmt.Errorf("persist build run %s: %w", run.Key(), err)
}

func (s *Store) commitTransition(t domain.Transition) error {
	s.commit.RLock()
	defer s.commit.RUnlock()

	key := t.Run.Key()
	s.mu.Lock()
	if old, ok := s.runs[key]; ok {
		s.order.move(PositionOf(old), PositionOf(t.Run))
	} else {
		s.order.insert(PositionOf(t.Run))
	}
	s.runs[key] = t.Run
	s.mu.Unlock()
	return s.aggregator.OnTransition(t)
}

func (s *Store) publish(ctx context.Context, t domain.Transition) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, t); err != nil {
		s.logger.Warn("transition not published", "run", t.Run.Key().String(), "error", err)
	}
}

// Recompute rebuilds the aggregator from the stored runs while holding off all commits.
func (s *Store) Recompute(reason string) {
	s.commit.Lock()
	defer s.commit.Unlock()

	started := time.Now()
	runs := s.Snapshot()
	s.aggregator.Rebuild(runs)
	elapsed := time.Since(started)
	s.sink.AggregatorRecomputed(reason, elapsed)
	s.reportCounts()
	s.logger.Info("aggregator recomputed", "reason", reason, "runs", len(runs), "duration", elapsed)
}

// Audit compares aggregator counts with the stored runs and recomputes on drift.
// It reports whether a recompute happened.
func (s *Store) Audit(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.commit.Lock()
	want := countsOf(s.Snapshot())
	got := s.aggregator.Counts()
	s.commit.Unlock()

	s.reportCounts()
	if want == got {
		return false, nil
	}
	s.logger.Warn("aggregator drift detected", "stored", want, "aggregated", got)
	s.Recompute("audit")
	return true, nil
}

func (s *Store) reportCounts() {
	c := s.aggregator.Counts()
	s.sink.BuildsByStatus(string(domain.StatusQueued), c.Queued)
	s.sink.BuildsByStatus(string(domain.StatusInProgress), c.InProgress)
	s.sink.BuildsByStatus(string(domain.StatusSuccess), c.Success)
	s.sink.BuildsByStatus(string(domain.StatusFailure), c.Failure)
	s.sink.BuildsByStatus(string(domain.StatusCancelled), c.Cancelled)
}

// Get returns a copy of the run stored under key.
func (s *Store) Get(key domain.RunKey) (domain.BuildRun, bool) {
	run, ok := s.get(key)
	if !ok {
		return domain.BuildRun{}, false
	}
	return run.Clone(), true
}

func (s *Store) get(key domain.RunKey) (domain.BuildRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[key]
	return run, ok
}

// Page returns up to limit runs accepted by match, newest first, starting
// strictly after the position after (nil starts at the newest run). more
// reports whether another matching run follows the page. A nil match accepts
// every run.
func (s *Store) Page(after *Position, limit int, match func(domain.BuildRun) bool) ([]domain.BuildRun, bool) {
	if limit <= 0 {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := len(s.order.positions)
	if after != nil {
		i = s.order.before(*after)
	}
	runs := make([]domain.BuildRun, 0, min(limit, i))
	for i--; i >= 0; i-- {
		run := s.runs[s.order.positions[i].key()]
		if match != nil && !match(run) {
			continue
		}
		if len(runs) == limit {
			return runs, true
		}
		runs = append(runs, run.Clone())
	}
	return runs, false
}

// Snapshot returns copies of every stored run ordered by last update, newest first.
func (s *Store) Snapshot() []domain.BuildRun {
	s.mu.RLock()
	runs := make([]domain.BuildRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	s.mu.RUnlock()
	SortRuns(runs)
	return runs
}

// Len returns the number of stored runs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// SortRuns orders runs by (last_updated_at, provider_run_id, attempt), all descending.
func SortRuns(runs []domain.BuildRun) {
	sort.Slice(runs, func(i, j int) bool {
		return Less(runs[j], runs[i])
	})
}

// Less orders runs ascending by (last_updated_at, provider_run_id, attempt).
func Less(a, b domain.BuildRun) bool {
	return comparePositions(PositionOf(a), PositionOf(b)) < 0
}

func validateEvent(event domain.BuildEvent) error {
	switch {
	case event.ProviderRunID == "":
		return errors.New("store: event has no provider run id")
	case event.Attempt < 1:
		return fmt.Errorf("store: event attempt %d must be positive", event.Attempt)
	case !event.Status.Valid():
		return fmt.Errorf("store: event status %q is not canonical", event.Status)
	}
	return nil
}
