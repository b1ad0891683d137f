package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/events"
	"github.com/splax/buildboard/internal/metrics"
	"github.com/splax/buildboard/internal/repository"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
	"github.com/splax/buildboard/internal/ws"
)

// Config holds alert thresholds.
type Config struct {
	ConsecutiveFailures  int
	FailureRateThreshold float64
	FailureRateWindow    time.Duration
	FailureRateMinBuilds int64
	DurationThreshold    time.Duration
	Cooldown             time.Duration
	History              int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailures:  3,
		FailureRateThreshold: 50,
		FailureRateWindow:    24 * time.Hour,
		FailureRateMinBuilds: 5,
		DurationThreshold:    30 * time.Minute,
		Cooldown:             15 * time.Minute,
		History:              100,
	}
}

var (
	// ErrInvalidThresholds is returned for overrides with an empty repository or out of range values.
	ErrInvalidThresholds = errors.New("invalid alert thresholds")
	// ErrThresholdsNotFound is returned when a repository has no override.
	ErrThresholdsNotFound = errors.New("alert thresholds not found")
)

// Broadcaster pushes alerts to live subscribers.
type Broadcaster interface {
	BroadcastJSON(topic string, v any) error
}

// Snapshotter exposes windowed metrics for failure-rate checks.
type Snapshotter interface {
	Snapshot(f buildmetrics.Filter) domain.MetricsSnapshot
}

// Notifier delivers alerts to an outbound channel.
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert) error
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sends every fired alert to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithThresholdRepository persists per-repository overrides in repo.
func WithThresholdRepository(repo repository.AlertThresholdRepository) Option {
	return func(s *Service) {
		s.overridesRepo = repo
	}
}

type cooldownKey struct {
	repository string
	kind       domain.AlertType
}

// Service evaluates terminal transitions against alert rules.
type Service struct {
	cfg           Config
	metrics       Snapshotter
	repo          repository.AlertRepository
	overridesRepo repository.AlertThresholdRepository
	hub           Broadcaster
	notifier      Notifier
	sink          metrics.Sink
	logger        *slog.Logger
	now           func() time.Time

	mu        sync.Mutex
	streaks   map[domain.Partition]int
	cooldowns map[cooldownKey]time.Time
	overrides map[string]domain.AlertThresholds
	recent    []domain.Alert
	next      int
	full      bool
}

// New returns an alert service. repo, hub and sink may be nil.
func New(cfg Config, snapshots Snapshotter, repo repository.AlertRepository, hub Broadcaster, sink metrics.Sink, logger *slog.Logger, opts ...Option) *Service {
	defaults := DefaultConfig()
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	if cfg.FailureRateWindow <= 0 {
		cfg.FailureRateWindow = defaults.FailureRateWindow
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg,
		metrics:   snapshots,
		repo:      repo,
		hub:       hub,
		sink:      sink,
		logger:    logger.With("component", "alerts"),
		now:       time.Now,
		streaks:   make(map[domain.Partition]int),
		cooldowns: make(map[cooldownKey]time.Time),
		overrides: make(map[string]domain.AlertThresholds),
		recent:    make([]domain.Alert, cfg.History),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// rules returns the thresholds in force for repo and whether it is muted.
// Callers hold s.mu.
func (s *Service) rules(repo string) (Config, bool) {
	cfg := s.cfg
	o, ok := s.overrides[repo]
	if !ok {
		return cfg, false
	}
	if o.ConsecutiveFailures > 0 {
		cfg.ConsecutiveFailures = o.ConsecutiveFailures
	}
	if o.FailureRatePercent > 0 {
		cfg.FailureRateThreshold = o.FailureRatePercent
	}
	if o.DurationThreshold > 0 {
		cfg.DurationThreshold = o.DurationThreshold
	}
	return cfg, o.Muted
}

// Evaluate checks t against every rule and dispatches the alerts that fire.
func (s *Service) Evaluate(ctx context.Context, t domain.Transition) []domain.Alert {
	if !t.Changed() || !t.New.Terminal() {
		return nil
	}
	run := t.Run
	now := s.now().UTC()

	var fired []domain.Alert
	s.mu.Lock()
	cfg, muted := s.rules(run.Repository)
	streak := s.track(run)
	if muted {
		s.mu.Unlock()
		return nil
	}
	if a, ok := s.checkStreak(cfg, run, streak, now); ok {
		fired = append(fired, a)
	}
	if a, ok := s.checkDuration(cfg, run, now); ok {
		fired = append(fired, a)
	}
	s.mu.Unlock()

	if a, ok := s.checkFailureRate(cfg, run, now); ok {
		fired = append(fired, a)
	}
	for _, a := range fired {
		s.dispatch(ctx, a)
	}
	return fired
}

// track updates the failure streak of run's partition and returns it.
// Callers hold s.mu.
func (s *Service) track(run domain.BuildRun) int {
	p := run.Partition()
	switch run.Status {
	case domain.StatusSuccess:
		delete(s.streaks, p)
	case domain.StatusFailure:
		s.streaks[p]++
	}
	return s.streaks[p]
}

func (s *Service) checkStreak(cfg Config, run domain.BuildRun, streak int, now time.Time) (domain.Alert, bool) {
	if run.Status != domain.StatusFailure || streak < cfg.ConsecutiveFailures || !s.claim(run.Repository, domain.AlertConsecutiveFailures, now) {
		return domain.Alert{}, false
	}
	return s.newAlert(domain.AlertConsecutiveFailures, run, now, float64(streak), float64(cfg.ConsecutiveFailures),
		fmt.Sprintf("%d consecutive failed builds on %s@%s", streak, run.Repository, run.Branch)), true
}

func (s *Service) checkDuration(cfg Config, run domain.BuildRun, now time.Time) (domain.Alert, bool) {
	if cfg.DurationThreshold <= 0 || run.DurationSeconds == nil {
		return domain.Alert{}, false
	}
	limit := cfg.DurationThreshold.Seconds()
	if *run.DurationSeconds <= limit || !s.claim(run.Repository, domain.AlertBuildDuration, now) {
		return domain.Alert{}, false
	}
	return s.newAlert(domain.AlertBuildDuration, run, now, *run.DurationSeconds, limit,
		fmt.Sprintf("build %s took %s, above %s", run.Key(), time.Duration(*run.DurationSeconds*float64(time.Second)).Round(time.Second), cfg.DurationThreshold)), true
}

func (s *Service) checkFailureRate(cfg Config, run domain.BuildRun, now time.Time) (domain.Alert, bool) {
	if s.metrics == nil || cfg.FailureRateThreshold <= 0 || run.Status != domain.StatusFailure {
		return domain.Alert{}, false
	}
	snap := s.metrics.Snapshot(buildmetrics.Filter{Repository: run.Repository, Window: cfg.FailureRateWindow})
	decided := snap.Counts.Success + snap.Counts.Failure
	if decided == 0 || decided < cfg.FailureRateMinBuilds {
		return domain.Alert{}, false
	}
	rate := float64(snap.Counts.Failure) / float64(decided) * 100
	if rate < cfg.FailureRateThreshold {
		return domain.Alert{}, false
	}
	s.mu.Lock()
	claimed := s.claim(run.Repository, domain.AlertFailureRate, now)
	s.mu.Unlock()
	if !claimed {
		return domain.Alert{}, false
	}
	return s.newAlert(domain.AlertFailureRate, run, now, rate, cfg.FailureRateThreshold,
		fmt.Sprintf("%.1f%% of %d builds failed in %s over the last %s", rate, decided, run.Repository, cfg.FailureRateWindow)), true
}

// claim starts a cooldown for (repository, kind). It reports false while one is running.
// Callers hold s.mu.
func (s *Service) claim(repository string, kind domain.AlertType, now time.Time) bool {
	key := cooldownKey{repository: repository, kind: kind}
	if until, ok := s.cooldowns[key]; ok && now.Before(until) {
		return false
	}
	s.cooldowns[key] = now.Add(s.cfg.Cooldown)
	return true
}

func (s *Service) newAlert(kind domain.AlertType, run domain.BuildRun, now time.Time, value, threshold float64, message string) domain.Alert {
	return domain.Alert{
		ID:          uuid.NewString(),
		Type:        kind,
		Repository:  run.Repository,
		Branch:      run.Branch,
		Message:     message,
		Value:       value,
		Threshold:   threshold,
		Run:         run.Key(),
		TriggeredAt: now,
	}
}

func (s *Service) dispatch(ctx context.Context, a domain.Alert) {
	s.sink.AlertFired(string(a.Type))
	s.logger.Warn("alert fired", "type", a.Type, "repository", a.Repository, "branch", a.Branch, "value", a.Value, "threshold", a.Threshold)

	s.mu.Lock()
	s.recent[s.next] = a
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	if s.hub != nil {
		if err := s.hub.BroadcastJSON(ws.TopicAlerts, events.AlertFrom(a)); err != nil {
			s.logger.Warn("alert broadcast failed", "id", a.ID, "error", err)
		}
	}
	if s.repo != nil {
		if err := s.repo.InsertAlert(ctx, a); err != nil {
			s.logger.Error("alert not persisted", "id", a.ID, "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, a); err != nil {
			s.logger.Warn("alert notification dropped", "id", a.ID, "error", err)
		}
	}
}

// Recent returns up to limit alerts, newest first. The persisted history is used
// when a repository is configured.
func (s *Service) Recent(ctx context.Context, limit int) ([]domain.Alert, error) {
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	if s.repo != nil {
		return s.repo.ListAlerts(ctx, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered(limit), nil
}

// buffered returns up to limit alerts from the in-memory history, newest first.
// Callers hold s.mu.
func (s *Service) buffered(limit int) []domain.Alert {
	size := s.next
	if s.full {
		size = len(s.recent)
	}
	out := make([]domain.Alert, 0, min(limit, size))
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (s.next - i + len(s.recent)) % len(s.recent)
		out = append(out, s.recent[idx])
	}
	return out
}

// Stats counts the alerts fired since since. Without a repository only the
// in-memory history is counted.
func (s *Service) Stats(ctx context.Context, since time.Time) (domain.AlertStats, error) {
	if s.repo != nil {
		return s.repo.AlertStats(ctx, since)
	}
	s.mu.Lock()
	alerts := s.buffered(len(s.recent))
	s.mu.Unlock()

	stats := domain.AlertStats{Since: since.UTC(), ByType: make(map[domain.AlertType]int64)}
	type dayKey struct {
		date time.Time
		kind domain.AlertType
	}
	days := make(map[dayKey]int64)
	repos := make(map[string]struct{})
	for _, a := range alerts {
		if a.TriggeredAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByType[a.Type]++
		repos[a.Repository] = struct{}{}
		t := a.TriggeredAt.UTC()
		days[dayKey{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), a.Type}]++
	}
	stats.Repositories = int64(len(repos))
	for k, n := range days {
		stats.Daily = append(stats.Daily, domain.AlertDay{Date: k.date, Type: k.kind, Count: n})
	}
	sort.Slice(stats.Daily, func(i, j int) bool {
		x, y := stats.Daily[i], stats.Daily[j]
		if !x.Date.Equal(y.Date) {
			return x.Date.Before(y.Date)
		}
		return x.Type < y.Type
	})
	return stats, nil
}

// LoadThresholds replaces the in-memory overrides with the persisted ones.
func (s *Service) LoadThresholds(ctx context.Context) error {
	if s.overridesRepo == nil {
		return nil
	}
	list, err := s.overridesRepo.ListAlertThresholds(ctx)
	if err != nil {
		return fmt.Errorf("load alert thresholds: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]domain.AlertThresholds, len(list))
	for _, t := range list {
		s.overrides[t.Repository] = t
	}
	s.logger.Info("alert thresholds loaded", "count", len(list))
	return nil
}

// Thresholds lists every repository override ordered by repository.
func (s *Service) Thresholds(context.Context) ([]domain.AlertThresholds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AlertThresholds, 0, len(s.overrides))
	for _, t := range s.overrides {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })
	return out, nil
}

// SetThresholds creates or replaces the override for t.Repository.
func (s *Service) SetThresholds(ctx context.Context, t domain.AlertThresholds) (domain.AlertThresholds, error) {
	t.Repository = strings.TrimSpace(t.Repository)
	switch {
	case t.Repository == "":
		return domain.AlertThresholds{}, fmt.Errorf("%w: repository is required", ErrInvalidThresholds)
	case t.ConsecutiveFailures < 0:
		return domain.AlertThresholds{}, fmt.Errorf("%w: consecutive_failures must not be negative", ErrInvalidThresholds)
	case t.FailureRatePercent < 0 || t.FailureRatePercent > 100:
		return domain.AlertThresholds{}, fmt.Errorf("%w: failure_rate_percent must be within 0..100", ErrInvalidThresholds)
	case t.DurationThreshold < 0:
		return domain.AlertThresholds{}, fmt.Errorf("%w: duration threshold must not be negative", ErrInvalidThresholds)
	}
	t.UpdatedAt = s.now().UTC()
	if s.overridesRepo != nil {
		if err := s.overridesRepo.UpsertAlertThresholds(ctx, t); err != nil {
			return domain.AlertThresholds{}, fmt.Errorf("store alert thresholds: %w", err)
		}
	}
	s.mu.Lock()
	s.overrides[t.Repository] = t
	s.mu.Unlock()
	s.logger.Info("alert thresholds updated", "repository", t.Repository, "muted", t.Muted)
	return t, nil
}

// DeleteThresholds removes the override for repo so the global rules apply again.
func (s *Service) DeleteThresholds(ctx context.Context, repo string) error {
	s.mu.Lock()
	_, ok := s.overrides[repo]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrThresholdsNotFound, repo)
	}
	if s.overridesRepo != nil {
		if err := s.overridesRepo.DeleteAlertThresholds(ctx, repo); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("delete alert thresholds: %w", err)
		}
	}
	s.mu.Lock()
	delete(s.overrides, repo)
	s.mu.Unlock()
	return nil
}
