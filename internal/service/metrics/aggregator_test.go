package metrics

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

var testNow = time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)

func newTestAggregator() *Aggregator {
	return NewAggregator(WithClock(func() time.Time { return testNow }))
}

func testRun(id string, repo, branch string, status domain.BuildStatus, created time.Time, duration *float64) domain.BuildRun {
	return domain.BuildRun{
		ProviderRunID:   id,
		Attempt:         1,
		Repository:      repo,
		Branch:          branch,
		Status:          status,
		CreatedAt:       created,
		LastUpdatedAt:   created,
		DurationSeconds: duration,
	}
}

func seconds(v float64) *float64 { return &v }

func mustApply(t *testing.T, a *Aggregator, tr domain.Transition) {
	t.Helper()
	if err := a.OnTransition(tr); err != nil {
		t.Fatalf("on transition: %v", err)
	}
}

func TestSuccessRateIsZeroWithoutTerminalBuilds(t *testing.T) {
	a := newTestAggregator()
	snap := a.Snapshot(Filter{})
	if snap.SuccessRate() != 0 || snap.TotalBuilds() != 0 {
		t.Fatalf("expected empty snapshot, got rate %.1f total %d", snap.SuccessRate(), snap.TotalBuilds())
	}
	mustApply(t, a, domain.Transition{New: domain.StatusInProgress, Run: testRun("1", "r", "main", domain.StatusInProgress, testNow, nil)})
	snap = a.Snapshot(Filter{})
	if snap.SuccessRate() != 0 {
		t.Fatalf("expected 0 success rate with only running builds, got %.1f", snap.SuccessRate())
	}
	if snap.Duration.Mean != nil || snap.Duration.P50 != nil {
		t.Fatalf("expected no duration stats, got %+v", snap.Duration)
	}
}

func TestThreeSuccessesTwoFailures(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 5; i++ {
		status := domain.StatusSuccess
		if i >= 3 {
			status = domain.StatusFailure
		}
		run := testRun(fmt.Sprint(i), "org/app", "main", status, testNow.Add(-time.Hour), seconds(float64(60*(i+1))))
		mustApply(t, a, domain.Transition{New: status, Run: run})
	}
	snap := a.Snapshot(Filter{})
	if snap.SuccessRate() != 60.0 {
		t.Fatalf("expected 60.0, got %.1f", snap.SuccessRate())
	}
	if snap.Counts.Failure != 2 || snap.TotalBuilds() != 5 {
		t.Fatalf("unexpected counts %+v", snap.Counts)
	}
	if snap.Duration.Mean == nil || *snap.Duration.Mean != 180 {
		t.Fatalf("expected mean 180, got %v", snap.Duration.Mean)
	}
	if snap.Duration.P50 == nil || *snap.Duration.P50 != 180 {
		t.Fatalf("expected p50 180, got %v", snap.Duration.P50)
	}
}

func TestTransitionMovesBetweenBuckets(t *testing.T) {
	a := newTestAggregator()
	run := testRun("222", "org/app", "main", domain.StatusInProgress, testNow, nil)
	mustApply(t, a, domain.Transition{New: domain.StatusInProgress, Run: run})

	run.Status = domain.StatusFailure
	run.DurationSeconds = seconds(42)
	mustApply(t, a, domain.Transition{Old: domain.StatusInProgress, New: domain.StatusFailure, Run: run})

	counts := a.Counts()
	if counts.InProgress != 0 || counts.Failure != 1 || counts.Total() != 1 {
		t.Fatalf("expected the run to move without double counting, got %+v", counts)
	}
	windowed := a.Snapshot(Filter{Window: time.Hour})
	if windowed.Counts != counts {
		t.Fatalf("expected bucket counts %+v to match global %+v", windowed.Counts, counts)
	}
	if windowed.Duration.Count != 1 {
		t.Fatalf("expected one recorded duration, got %d", windowed.Duration.Count)
	}
}

func TestRefreshDoesNotCount(t *testing.T) {
	a := newTestAggregator()
	run := testRun("1", "r", "main", domain.StatusQueued, testNow, nil)
	mustApply(t, a, domain.Transition{New: domain.StatusQueued, Run: run})
	mustApply(t, a, domain.Transition{Old: domain.StatusQueued, New: domain.StatusQueued, Run: run})
	if got := a.Counts(); got.Queued != 1 || got.Total() != 1 {
		t.Fatalf("expected refresh to leave counts alone, got %+v", got)
	}
}

func TestNegativeCountIsInconsistency(t *testing.T) {
	a := newTestAggregator()
	run := testRun("1", "r", "main", domain.StatusSuccess, testNow, seconds(1))
	err := a.OnTransition(domain.Transition{Old: domain.StatusInProgress, New: domain.StatusSuccess, Run: run})
	var inconsistency *InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if got := a.Counts(); got.InProgress != 0 {
		t.Fatalf("expected count to stay at zero, got %+v", got)
	}
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	runs := []domain.BuildRun{
		testRun("1", "org/a", "main", domain.StatusSuccess, testNow.Add(-2*time.Hour), seconds(10)),
		testRun("2", "org/a", "dev", domain.StatusFailure, testNow.Add(-30*time.Minute), seconds(20)),
		testRun("3", "org/b", "main", domain.StatusQueued, testNow.Add(-10*time.Minute), nil),
	}
	incremental := newTestAggregator()
	for _, r := range runs {
		mustApply(t, incremental, domain.Transition{New: r.Status, Run: r})
	}
	rebuilt := newTestAggregator()
	mustApply(t, rebuilt, domain.Transition{New: domain.StatusCancelled, Run: testRun("stale", "x", "y", domain.StatusCancelled, testNow, nil)})
	rebuilt.Rebuild(runs)

	f := Filter{Breakdown: true}
	a, b := incremental.Snapshot(f), rebuilt.Snapshot(f)
	if a.Counts != b.Counts {
		t.Fatalf("expected equal counts, got %+v and %+v", a.Counts, b.Counts)
	}
	if len(a.Breakdown) != 3 || len(b.Breakdown) != 3 {
		t.Fatalf("expected three partitions, got %d and %d", len(a.Breakdown), len(b.Breakdown))
	}
	if *a.Duration.Mean != *b.Duration.Mean {
		t.Fatalf("expected equal means, got %v and %v", *a.Duration.Mean, *b.Duration.Mean)
	}
}

func TestSnapshotFiltersAndWindow(t *testing.T) {
	a := newTestAggregator()
	runs := []domain.BuildRun{
		testRun("1", "org/a", "main", domain.StatusSuccess, testNow.Add(-3*24*time.Hour), seconds(10)),
		testRun("2", "org/a", "main", domain.StatusFailure, testNow.Add(-2*time.Hour), seconds(20)),
		testRun("3", "org/a", "dev", domain.StatusSuccess, testNow.Add(-time.Hour), seconds(30)),
		testRun("4", "org/b", "main", domain.StatusSuccess, testNow.Add(-time.Hour), seconds(40)),
	}
	for _, r := range runs {
		mustApply(t, a, domain.Transition{New: r.Status, Run: r})
	}

	repo := a.Snapshot(Filter{Repository: "org/a"})
	if repo.TotalBuilds() != 3 || repo.SuccessRate() != 66.7 {
		t.Fatalf("expected 3 builds at 66.7%%, got %d at %.1f", repo.TotalBuilds(), repo.SuccessRate())
	}
	branch := a.Snapshot(Filter{Repository: "org/a", Branch: "main", Window: 24 * time.Hour})
	if branch.TotalBuilds() != 1 || branch.Counts.Failure != 1 {
		t.Fatalf("expected only the recent main failure, got %+v", branch.Counts)
	}
	day := a.Snapshot(Filter{Window: 24 * time.Hour, Breakdown: true})
	if day.TotalBuilds() != 3 || len(day.Breakdown) != 3 {
		t.Fatalf("expected 3 builds in 3 partitions, got %d in %d", day.TotalBuilds(), len(day.Breakdown))
	}
	if day.Breakdown[0].Partition.Branch != "dev" {
		t.Fatalf("expected breakdown sorted by repository then branch, got %+v", day.Breakdown[0].Partition)
	}
}

func TestTrendsGroupByInterval(t *testing.T) {
	a := newTestAggregator()
	base := time.Date(2025, time.November, 4, 0, 0, 0, 0, time.UTC)
	mustApply(t, a, domain.Transition{New: domain.StatusSuccess, Run: testRun("1", "r", "main", domain.StatusSuccess, base.Add(time.Hour), seconds(10))})
	mustApply(t, a, domain.Transition{New: domain.StatusFailure, Run: testRun("2", "r", "main", domain.StatusFailure, base.Add(5*time.Hour), seconds(30))})
	mustApply(t, a, domain.Transition{New: domain.StatusSuccess, Run: testRun("3", "r", "main", domain.StatusSuccess, base.Add(26*time.Hour), seconds(50))})

	points := a.Trends(TrendFilter{Interval: 24 * time.Hour})
	if len(points) != 2 {
		t.Fatalf("expected two daily points, got %d", len(points))
	}
	first := points[0]
	if !first.BucketStart.Equal(base) || first.Executions != 2 || first.SuccessRate != 50 {
		t.Fatalf("unexpected first point %+v", first)
	}
	if first.AvgDurationSeconds == nil || *first.AvgDurationSeconds != 20 {
		t.Fatalf("expected average 20s, got %v", first.AvgDurationSeconds)
	}
}

func TestRollupsReturnDirtyBucketsOnce(t *testing.T) {
	a := newTestAggregator()
	run := testRun("1", "r", "main", domain.StatusSuccess, testNow.Add(-2*time.Hour), seconds(12))
	mustApply(t, a, domain.Transition{New: domain.StatusSuccess, Run: run})

	rollups := a.Rollups(testNow)
	if len(rollups) != 1 {
		t.Fatalf("expected one rollup, got %d", len(rollups))
	}
	if rollups[0].Counts.Success != 1 || rollups[0].BucketSpan != time.Hour {
		t.Fatalf("unexpected rollup %+v", rollups[0])
	}
	if again := a.Rollups(testNow); len(again) != 0 {
		t.Fatalf("expected clean buckets to be skipped, got %d", len(again))
	}
	a.MarkDirty(rollups)
	if again := a.Rollups(testNow); len(again) != 1 {
		t.Fatalf("expected re-marked bucket, got %d", len(again))
	}
}

func TestPruneKeepsPartitionCounts(t *testing.T) {
	a := newTestAggregator()
	old := testRun("1", "r", "main", domain.StatusInProgress, testNow.Add(-100*24*time.Hour), nil)
	mustApply(t, a, domain.Transition{New: domain.StatusInProgress, Run: old})
	if removed := a.Prune(testNow.Add(-90 * 24 * time.Hour)); removed != 1 {
		t.Fatalf("expected one pruned bucket, got %d", removed)
	}
	old.Status = domain.StatusSuccess
	old.DurationSeconds = seconds(5)
	mustApply(t, a, domain.Transition{Old: domain.StatusInProgress, New: domain.StatusSuccess, Run: old})
	if got := a.Counts(); got.Success != 1 || got.InProgress != 0 {
		t.Fatalf("unexpected counts after prune %+v", got)
	}
}

func TestConcurrentTransitionsConserveTotals(t *testing.T) {
	a := newTestAggregator()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				run := testRun(fmt.Sprintf("%d-%d", w, i), fmt.Sprintf("repo-%d", w%3), "main", domain.StatusQueued, testNow.Add(-time.Duration(i)*time.Minute), nil)
				if err := a.OnTransition(domain.Transition{New: domain.StatusQueued, Run: run}); err != nil {
					t.Errorf("create: %v", err)
					return
				}
				run.Status = domain.StatusSuccess
				run.DurationSeconds = seconds(float64(i))
				if err := a.OnTransition(domain.Transition{Old: domain.StatusQueued, New: domain.StatusSuccess, Run: run}); err != nil {
					t.Errorf("finish: %v", err)
					return
				}
				snap := a.Snapshot(Filter{})
				if snap.TotalBuilds() != snap.Counts.Total() {
					t.Errorf("conservation broken")
					return
				}
			}
		}(w)
	}
	wg.Wait()
	counts := a.Counts()
	if counts.Success != 1600 || counts.Total() != 1600 {
		t.Fatalf("expected 1600 successes, got %+v", counts)
	}
	if snap := a.Snapshot(Filter{Window: 7 * 24 * time.Hour}); snap.Counts != counts {
		t.Fatalf("expected bucket totals %+v to equal global %+v", snap.Counts, counts)
	}
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"":    0,
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"1d":  24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"90d": 90 * 24 * time.Hour,
		"90m": 90 * time.Minute,
	}
	for raw, want := range cases {
		got, err := ParseWindow(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	for _, raw := range []string{"0d", "-1h", "week", "3x"} {
		if _, err := ParseWindow(raw); !errors.Is(err, ErrInvalidWindow) {
			t.Fatalf("%q: expected ErrInvalidWindow, got %v", raw, err)
		}
	}
	if FormatWindow(7*24*time.Hour) != "7d" || FormatWindow(time.Hour) != "1h" {
		t.Fatalf("unexpected window formatting")
	}
}

func TestCompareSplitsWindows(t *testing.T) {
	a := newTestAggregator()
	runs := []domain.BuildRun{
		testRun("old", "org/app", "main", domain.StatusFailure, testNow.Add(-72*time.Hour), seconds(900)),
		testRun("p1", "org/app", "main", domain.StatusSuccess, testNow.Add(-30*time.Hour), seconds(100)),
		testRun("p2", "org/app", "main", domain.StatusFailure, testNow.Add(-36*time.Hour), seconds(300)),
		testRun("c1", "org/app", "main", domain.StatusSuccess, testNow.Add(-2*time.Hour), seconds(60)),
		testRun("c2", "org/app", "main", domain.StatusSuccess, testNow.Add(-time.Hour), seconds(60)),
		testRun("other", "org/lib", "main", domain.StatusFailure, testNow.Add(-time.Hour), seconds(10)),
	}
	for _, run := range runs {
		mustApply(t, a, domain.Transition{New: run.Status, Run: run})
	}

	c := a.Compare(Filter{Repository: "org/app", Window: 24 * time.Hour})
	if c.Current.Counts.Total() != 2 || c.Previous.Counts.Total() != 2 {
		t.Fatalf("unexpected periods %+v / %+v", c.Current.Counts, c.Previous.Counts)
	}
	if c.SuccessRateChange() != 50 || c.BuildCountChange() != 0 {
		t.Fatalf("unexpected changes rate=%.1f count=%d", c.SuccessRateChange(), c.BuildCountChange())
	}
	if d := c.DurationChangePercent(); d == nil || *d != -70 {
		t.Fatalf("expected -70%% duration change, got %v", d)
	}
	if !c.Current.End.Equal(testNow) || !c.Previous.End.Equal(c.Current.Start) {
		t.Fatalf("periods are not adjacent: %+v %+v", c.Current, c.Previous)
	}
}

func TestCompareWithoutHistoryHasNoDurationChange(t *testing.T) {
	a := newTestAggregator()
	mustApply(t, a, domain.Transition{New: domain.StatusSuccess, Run: testRun("1", "r", "main", domain.StatusSuccess, testNow.Add(-time.Hour), seconds(30))})
	c := a.Compare(Filter{Window: 24 * time.Hour})
	if c.DurationChangePercent() != nil {
		t.Fatalf("expected no duration change without a previous period")
	}
	if c.SuccessRateChange() != 100 {
		t.Fatalf("expected +100 points, got %.1f", c.SuccessRateChange())
	}
}
