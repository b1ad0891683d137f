package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/repository"
	buildmetrics "github.com/splax/buildboard/internal/service/metrics"
)

type stubSnapshots struct {
	counts domain.StatusCounts
	last   buildmetrics.Filter
}

func (s *stubSnapshots) Snapshot(f buildmetrics.Filter) domain.MetricsSnapshot {
	s.last = f
	return domain.MetricsSnapshot{Counts: s.counts}
}

type stubHub struct {
	mu     sync.Mutex
	topics []string
}

func (h *stubHub) BroadcastJSON(topic string, _ any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	return nil
}

type stubAlertRepo struct {
	inserted []domain.Alert
}

func (r *stubAlertRepo) InsertAlert(_ context.Context, a domain.Alert) error {
	r.inserted = append(r.inserted, a)
	return nil
}

func (r *stubAlertRepo) ListAlerts(_ context.Context, limit int) ([]domain.Alert, error) {
	if limit > len(r.inserted) {
		limit = len(r.inserted)
	}
	return r.inserted[:limit], nil
}

func (r *stubAlertRepo) AlertStats(_ context.Context, since time.Time) (domain.AlertStats, error) {
	stats := domain.AlertStats{Since: since, ByType: make(map[domain.AlertType]int64)}
	for _, a := range r.inserted {
		stats.Total++
		stats.ByType[a.Type]++
	}
	return stats, nil
}

type stubThresholdRepo struct {
	rows    map[string]domain.AlertThresholds
	failErr error
}

func (r *stubThresholdRepo) ListAlertThresholds(context.Context) ([]domain.AlertThresholds, error) {
	var out []domain.AlertThresholds
	for _, t := range r.rows {
		out = append(out, t)
	}
	return out, nil
}

func (r *stubThresholdRepo) UpsertAlertThresholds(_ context.Context, t domain.AlertThresholds) error {
	if r.failErr != nil {
		return r.failErr
	}
	r.rows[t.Repository] = t
	return nil
}

func (r *stubThresholdRepo) DeleteAlertThresholds(_ context.Context, repo string) error {
	delete(r.rows, repo)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

var now = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestService(cfg Config, snaps Snapshotter, repo repository.AlertRepository, hub Broadcaster, opts ...Option) *Service {
	svc := New(cfg, snaps, repo, hub, nil, nil, opts...)
	svc.now = func() time.Time { return now }
	return svc
}

func terminal(id string, status domain.BuildStatus, duration float64) domain.Transition {
	return domain.Transition{
		Old: domain.StatusInProgress,
		New: status,
		Run: domain.BuildRun{
			ProviderRunID:   id,
			Attempt:         1,
			Repository:      "org/app",
			Branch:          "main",
			Status:          status,
			DurationSeconds: &duration,
		},
	}
}

func TestConsecutiveFailuresFiresOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0
	hub := &stubHub{}
	svc := newTestService(cfg, nil, nil, hub)

	ctx := context.Background()
	if got := svc.Evaluate(ctx, terminal("1", domain.StatusFailure, 10)); len(got) != 0 {
		t.Fatalf("unexpected alerts %+v", got)
	}
	svc.Evaluate(ctx, terminal("2", domain.StatusFailure, 10))
	fired := svc.Evaluate(ctx, terminal("3", domain.StatusFailure, 10))
	if len(fired) != 1 || fired[0].Type != domain.AlertConsecutiveFailures || fired[0].Value != 3 {
		t.Fatalf("expected a consecutive failure alert, got %+v", fired)
	}
	if got := svc.Evaluate(ctx, terminal("4", domain.StatusFailure, 10)); len(got) != 0 {
		t.Fatalf("expected cooldown to suppress the alert, got %+v", got)
	}
	if len(hub.topics) != 1 || hub.topics[0] != "alerts" {
		t.Fatalf("expected one broadcast on alerts, got %v", hub.topics)
	}

	svc.now = func() time.Time { return now.Add(cfg.Cooldown + time.Minute) }
	svc.Evaluate(ctx, terminal("5", domain.StatusSuccess, 10))
	svc.Evaluate(ctx, terminal("6", domain.StatusFailure, 10))
	if got := svc.Evaluate(ctx, terminal("7", domain.StatusFailure, 10)); len(got) != 0 {
		t.Fatalf("a success must reset the streak, got %+v", got)
	}
}

func TestBuildDurationAlert(t *testing.T) {
	repo := &stubAlertRepo{}
	svc := newTestService(DefaultConfig(), nil, repo, nil)
	fired := svc.Evaluate(context.Background(), terminal("1", domain.StatusSuccess, 45*60))
	if len(fired) != 1 || fired[0].Type != domain.AlertBuildDuration || fired[0].Threshold != 1800 {
		t.Fatalf("expected a duration alert, got %+v", fired)
	}
	if len(repo.inserted) != 1 || repo.inserted[0].ID == "" {
		t.Fatalf("expected the alert to be persisted, got %+v", repo.inserted)
	}
}

func TestFailureRateAlert(t *testing.T) {
	snaps := &stubSnapshots{counts: domain.StatusCounts{Success: 2, Failure: 3}}
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 100
	svc := newTestService(cfg, snaps, nil, nil)

	fired := svc.Evaluate(context.Background(), terminal("1", domain.StatusFailure, 1))
	if len(fired) != 1 || fired[0].Type != domain.AlertFailureRate || fired[0].Value != 60 {
		t.Fatalf("expected a failure rate alert, got %+v", fired)
	}
	if snaps.last.Repository != "org/app" || snaps.last.Window != 24*time.Hour {
		t.Fatalf("unexpected snapshot filter %+v", snaps.last)
	}
}

func TestFailureRateNeedsMinimumBuilds(t *testing.T) {
	snaps := &stubSnapshots{counts: domain.StatusCounts{Failure: 4}}
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 100
	svc := newTestService(cfg, snaps, nil, nil)
	if fired := svc.Evaluate(context.Background(), terminal("1", domain.StatusFailure, 1)); len(fired) != 0 {
		t.Fatalf("expected no alert below the minimum, got %+v", fired)
	}
}

func TestNonTerminalTransitionsAreIgnored(t *testing.T) {
	svc := newTestService(DefaultConfig(), nil, nil, nil)
	tr := domain.Transition{Old: domain.StatusQueued, New: domain.StatusInProgress}
	if fired := svc.Evaluate(context.Background(), tr); fired != nil {
		t.Fatalf("expected nothing, got %+v", fired)
	}
}

func TestRecentIsNewestFirstAndBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History = 2
	cfg.Cooldown = 0
	cfg.FailureRateThreshold = 0
	svc := newTestService(cfg, nil, nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		svc.Evaluate(context.Background(), terminal(id, domain.StatusSuccess, 3600))
	}
	recent, err := svc.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Run.ProviderRunID != "c" || recent[1].Run.ProviderRunID != "b" {
		t.Fatalf("unexpected history %+v", recent)
	}
}

func TestRepositoryThresholdsOverrideGlobalRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureRateThreshold = 0
	repo := &stubThresholdRepo{rows: map[string]domain.AlertThresholds{
		"org/app": {Repository: "org/app", ConsecutiveFailures: 2, DurationThreshold: time.Hour},
	}}
	svc := newTestService(cfg, nil, nil, nil, WithThresholdRepository(repo))
	if err := svc.LoadThresholds(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx := context.Background()
	if got := svc.Evaluate(ctx, terminal("1", domain.StatusFailure, 45*60)); len(got) != 0 {
		t.Fatalf("45m is below the repository duration threshold, got %+v", got)
	}
	fired := svc.Evaluate(ctx, terminal("2", domain.StatusFailure, 10))
	if len(fired) != 1 || fired[0].Type != domain.AlertConsecutiveFailures || fired[0].Threshold != 2 {
		t.Fatalf("expected the override streak of 2 to fire, got %+v", fired)
	}
}

func TestMutedRepositoryRaisesNothing(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newTestService(DefaultConfig(), nil, nil, nil, WithNotifier(notifier))
	if _, err := svc.SetThresholds(context.Background(), domain.AlertThresholds{Repository: " org/app ", Muted: true}); err != nil {
		t.Fatalf("set: %v", err)
	}
	for i := 0; i < 5; i++ {
		if got := svc.Evaluate(context.Background(), terminal("m", domain.StatusFailure, 7200)); len(got) != 0 {
			t.Fatalf("muted repository fired %+v", got)
		}
	}
	if len(notifier.alerts) != 0 {
		t.Fatalf("expected no notifications, got %d", len(notifier.alerts))
	}

	if err := svc.DeleteThresholds(context.Background(), "org/app"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.DeleteThresholds(context.Background(), "org/app"); !errors.Is(err, ErrThresholdsNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if got := svc.Evaluate(context.Background(), terminal("n", domain.StatusSuccess, 7200)); len(got) != 1 {
		t.Fatalf("expected a duration alert once unmuted, got %+v", got)
	}
	if len(notifier.alerts) != 1 || notifier.alerts[0].Type != domain.AlertBuildDuration {
		t.Fatalf("expected the alert to be handed to the notifier, got %+v", notifier.alerts)
	}
}

func TestSetThresholdsValidates(t *testing.T) {
	repo := &stubThresholdRepo{rows: map[string]domain.AlertThresholds{}}
	svc := newTestService(DefaultConfig(), nil, nil, nil, WithThresholdRepository(repo))
	bad := []domain.AlertThresholds{
		{},
		{Repository: "org/app", ConsecutiveFailures: -1},
		{Repository: "org/app", FailureRatePercent: 101},
		{Repository: "org/app", DurationThreshold: -time.Second},
	}
	for _, tc := range bad {
		if _, err := svc.SetThresholds(context.Background(), tc); !errors.Is(err, ErrInvalidThresholds) {
			t.Fatalf("%+v: expected ErrInvalidThresholds, got %v", tc, err)
		}
	}
	saved, err := svc.SetThresholds(context.Background(), domain.AlertThresholds{Repository: "org/app", FailureRatePercent: 25})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !saved.UpdatedAt.Equal(now) || repo.rows["org/app"].FailureRatePercent != 25 {
		t.Fatalf("expected the override to be persisted, got %+v", repo.rows)
	}

	repo.failErr = errors.New("connection reset")
	if _, err := svc.SetThresholds(context.Background(), domain.AlertThresholds{Repository: "org/lib"}); err == nil {
		t.Fatalf("expected the repository error")
	}
	list, _ := svc.Thresholds(context.Background())
	if len(list) != 1 || list[0].Repository != "org/app" {
		t.Fatalf("failed write must not change overrides, got %+v", list)
	}
}

func TestStatsFromHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	cfg.FailureRateThreshold = 0
	svc := newTestService(cfg, nil, nil, nil)
	ctx := context.Background()
	svc.Evaluate(ctx, terminal("1", domain.StatusSuccess, 3600))
	svc.now = func() time.Time { return now.Add(24 * time.Hour) }
	svc.Evaluate(ctx, terminal("2", domain.StatusSuccess, 3600))
	tr := terminal("3", domain.StatusSuccess, 3600)
	tr.Run.Repository = "org/lib"
	svc.Evaluate(ctx, tr)

	stats, err := svc.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Repositories != 2 || stats.ByType[domain.AlertBuildDuration] != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Daily) != 2 || stats.Daily[0].Count != 1 || stats.Daily[1].Count != 2 {
		t.Fatalf("unexpected daily breakdown %+v", stats.Daily)
	}

	later, _ := svc.Stats(ctx, now.Add(time.Hour))
	if later.Total != 2 {
		t.Fatalf("expected the first day to be excluded, got %+v", later)
	}
}

func TestStatsPreferRepository(t *testing.T) {
	repo := &stubAlertRepo{inserted: []domain.Alert{{Type: domain.AlertFailureRate}}}
	svc := newTestService(DefaultConfig(), nil, repo, nil)
	stats, err := svc.Stats(context.Background(), now)
	if err != nil || stats.Total != 1 || stats.ByType[domain.AlertFailureRate] != 1 {
		t.Fatalf("expected repository stats, got %+v %v", stats, err)
	}
}
