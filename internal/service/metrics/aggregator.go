package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

const defaultBucketSpan = time.Hour

type bucketKey struct {
	partition domain.Partition
	start     time.Time
}

// stats is one set of status counts plus a duration reservoir.
type stats struct {
	counts    [5]atomic.Int64
	durations *reservoir
	dirty     atomic.Bool
}

func newStats(samples int) *stats {
	return &stats{durations: newReservoir(samples)}
}

func (s *stats) inc(status domain.BuildStatus) {
	s.counts[status.Index()].Add(1)
}

// dec reports false, leaving the count untouched, when it would go negative.
func (s *stats) dec(status domain.BuildStatus) bool {
	c := &s.counts[status.Index()]
	if c.Add(-1) < 0 {
		c.Add(1)
		return false
	}
	return true
}

func (s *stats) statusCounts() domain.StatusCounts {
	return domain.StatusCounts{
		Queued:     s.counts[domain.StatusQueued.Index()].Load(),
		InProgress: s.counts[domain.StatusInProgress.Index()].Load(),
		Success:    s.counts[domain.StatusSuccess.Index()].Load(),
		Failure:    s.counts[domain.StatusFailure.Index()].Load(),
		Cancelled:  s.counts[domain.StatusCancelled.Index()].Load(),
	}
}

// state is replaced, never mutated in place, when partitions or buckets are added or removed.
// The stats it points to are shared between generations.
type state struct {
	global     *stats
	partitions map[domain.Partition]*stats
	buckets    map[bucketKey]*stats
	floor      time.Time
}

func (s *state) clone() *state {
	next := &state{
		global:     s.global,
		partitions: make(map[domain.Partition]*stats, len(s.partitions)),
		buckets:    make(map[bucketKey]*stats, len(s.buckets)),
		floor:      s.floor,
	}
	for k, v := range s.partitions {
		next.partitions[k] = v
	}
	for k, v := range s.buckets {
		next.buckets[k] = v
	}
	return next
}

// Filter selects the runs a snapshot covers. Zero values match everything.
type Filter struct {
	Repository string
	Branch     string
	Window     time.Duration
	Breakdown  bool
}

func (f Filter) matches(p domain.Partition) bool {
	if f.Repository != "" && f.Repository != p.Repository {
		return false
	}
	if f.Branch != "" && f.Branch != p.Branch {
		return false
	}
	return true
}

// TrendFilter selects the buckets a trend series covers.
type TrendFilter struct {
	Repository string
	Branch     string
	Window     time.Duration
	Interval   time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBucketSpan sets the width of time buckets.
func WithBucketSpan(span time.Duration) Option {
	return func(a *Aggregator) {
		if span > 0 {
			a.span = span
		}
	}
}

// WithSampleSizes sets the reservoir capacity for global/partition stats and for time buckets.
func WithSampleSizes(samples, bucketSamples int) Option {
	return func(a *Aggregator) {
		if samples > 0 {
			a.samples = samples
		}
		if bucketSamples > 0 {
			a.bucketSamples = bucketSamples
		}
	}
}

// WithClock overrides the clock used for windows and rollup timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator maintains running build metrics from run transitions.
// Readers load the current state through an atomic pointer and never block writers.
type Aggregator struct {
	span          time.Duration
	samples       int
	bucketSamples int
	now           func() time.Time

	grow  sync.Mutex
	state atomic.Pointer[state]
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		span:          defaultBucketSpan,
		samples:       defaultSamples,
		bucketSamples: defaultBucketSamples,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.state.Store(a.emptyState(time.Time{}))
	return a
}

// BucketSpan returns the width of time buckets.
func (a *Aggregator) BucketSpan() time.Duration {
	return a.span
}

func (a *Aggregator) emptyState(floor time.Time) *state {
	return &state{
		global:     newStats(a.samples),
		partitions: make(map[domain.Partition]*stats),
		buckets:    make(map[bucketKey]*stats),
		floor:      floor,
	}
}

// OnTransition moves the run between status buckets and records its duration on entry to a terminal status.
func (a *Aggregator) OnTransition(t domain.Transition) error {
	if !t.New.Valid() || (!t.Created() && !t.Old.Valid()) {
		return &InconsistencyError{Scope: "transition", Status: t.New, Run: t.Run.Key()}
	}
	run := t.Run
	targets := []*stats{a.state.Load().global, a.partition(run.Partition())}
	bucket := a.bucket(run.Partition(), run.CreatedAt)
	if bucket != nil {
		targets = append(targets, bucket)
	}

	switch {
	case t.Created():
		for _, s := range targets {
			s.inc(t.New)
		}
	case t.Changed():
		scopes := []string{"global", "partition", "bucket"}
		for i, s := range targets {
			if !s.dec(t.Old) {
				return &InconsistencyError{Scope: scopes[i], Status: t.Old, Run: run.Key()}
			}
			s.inc(t.New)
		}
	}

	if t.New.Terminal() && !t.Old.Terminal() && run.DurationSeconds != nil {
		d := *run.DurationSeconds
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			for _, s := range targets {
				s.durations.add(d)
			}
		}
	}
	if bucket != nil {
		bucket.dirty.Store(true)
	}
	return nil
}

func (a *Aggregator) partition(p domain.Partition) *stats {
	if s, ok := a.state.Load().partitions[p]; ok {
		return s
	}
	a.grow.Lock()
	defer a.grow.Unlock()
	cur := a.state.Load()
	if s, ok := cur.partitions[p]; ok {
		return s
	}
	next := cur.clone()
	s := newStats(a.samples)
	next.partitions[p] = s
	a.state.Store(next)
	return s
}

// bucket returns nil when createdAt falls before the pruned floor.
func (a *Aggregator) bucket(p domain.Partition, createdAt time.Time) *stats {
	key := bucketKey{partition: p, start: createdAt.UTC().Truncate(a.span)}
	cur := a.state.Load()
	if key.start.Before(cur.floor) {
		return nil
	}
	if s, ok := cur.buckets[key]; ok {
		return s
	}
	a.grow.Lock()
	defer a.grow.Unlock()
	cur = a.state.Load()
	if key.start.Before(cur.floor) {
		return nil
	}
	if s, ok := cur.buckets[key]; ok {
		return s
	}
	next := cur.clone()
	s := newStats(a.bucketSamples)
	next.buckets[key] = s
	a.state.Store(next)
	return s
}

// Rebuild discards all counters and recomputes them from runs.
// Callers must ensure no OnTransition runs concurrently.
func (a *Aggregator) Rebuild(runs []domain.BuildRun) {
	a.grow.Lock()
	defer a.grow.Unlock()

	cur := a.state.Load()
	next := a.emptyState(cur.floor)
	for _, run := range runs {
		if !run.Status.Valid() {
			continue
		}
		p := run.Partition()
		part := next.partitions[p]
		if part == nil {
			part = newStats(a.samples)
			next.partitions[p] = part
		}
		targets := []*stats{next.global, part}
		start := run.CreatedAt.UTC().Truncate(a.span)
		if !start.Before(next.floor) {
			key := bucketKey{partition: p, start: start}
			b := next.buckets[key]
			if b == nil {
				b = newStats(a.bucketSamples)
				b.dirty.Store(true)
				next.buckets[key] = b
			}
			targets = append(targets, b)
		}
		for _, s := range targets {
			s.inc(run.Status)
			if run.Status.Terminal() && run.DurationSeconds != nil {
				s.durations.add(*run.DurationSeconds)
			}
		}
	}
	a.state.Store(next)
}

// Counts returns the global status counts.
func (a *Aggregator) Counts() domain.StatusCounts {
	return a.state.Load().global.statusCounts()
}

type accumulator struct {
	counts    domain.StatusCounts
	durations durationSummary
}

func (acc *accumulator) add(s *stats) {
	acc.counts = acc.counts.Add(s.statusCounts())
	acc.durations.merge(s.durations)
}

func (acc *accumulator) durationStats() domain.DurationStats {
	p50, p95 := acc.durations.quantiles()
	return domain.DurationStats{
		Count: acc.durations.count,
		Mean:  acc.durations.mean(),
		P50:   p50,
		P95:   p95,
	}
}

// Snapshot returns the metrics covering f. All-time views come from partition
// counters; windowed views sum the time buckets of runs created inside the window.
func (a *Aggregator) Snapshot(f Filter) domain.MetricsSnapshot {
	st := a.state.Load()
	now := a.now().UTC()
	snap := domain.MetricsSnapshot{
		Repository:  f.Repository,
		Branch:      f.Branch,
		Window:      f.Window,
		GeneratedAt: now,
	}

	var total accumulator
	groups := make(map[domain.Partition]*accumulator)
	group := func(p domain.Partition) *accumulator {
		acc := groups[p]
		if acc == nil {
			acc = &accumulator{}
			groups[p] = acc
		}
		return acc
	}

	if f.Window <= 0 {
		unfiltered := f.Repository == "" && f.Branch == ""
		if unfiltered {
			total.add(st.global)
		}
		for p, s := range st.partitions {
			if !f.matches(p) {
				continue
			}
			if !unfiltered {
				total.add(s)
			}
			if f.Breakdown {
				group(p).add(s)
			}
		}
	} else {
		cutoff := now.Add(-f.Window).Truncate(a.span)
		for k, s := range st.buckets {
			if k.start.Before(cutoff) || !f.matches(k.partition) {
				continue
			}
			total.add(s)
			if f.Breakdown {
				group(k.partition).add(s)
			}
		}
	}

	snap.Counts = total.counts
	snap.Duration = total.durationStats()
	if f.Breakdown {
		snap.Breakdown = make([]domain.PartitionSnapshot, 0, len(groups))
		for p, acc := range groups {
			if acc.counts.Total() == 0 {
				continue
			}
			snap.Breakdown = append(snap.Breakdown, domain.PartitionSnapshot{
				Partition: p,
				Counts:    acc.counts,
				Duration:  acc.durationStats(),
			})
		}
		sort.Slice(snap.Breakdown, func(i, j int) bool {
			x, y := snap.Breakdown[i].Partition, snap.Breakdown[j].Partition
			if x.Repository != y.Repository {
				return x.Repository < y.Repository
			}
			return x.Branch < y.Branch
		})
	}
	return snap
}

// Compare sums the buckets of the window ending now and of the window of the
// same length before it. f.Window must be positive; f.Breakdown is ignored.
func (a *Aggregator) Compare(f Filter) domain.Comparison {
	st := a.state.Load()
	now := a.now().UTC()
	mid := now.Add(-f.Window).Truncate(a.span)
	start := now.Add(-2 * f.Window).Truncate(a.span)

	var current, previous accumulator
	for k, s := range st.buckets {
		if k.start.Before(start) || !f.matches(k.partition) {
			continue
		}
		if k.start.Before(mid) {
			previous.add(s)
		} else {
			current.add(s)
		}
	}
	return domain.Comparison{
		Repository: f.Repository,
		Branch:     f.Branch,
		Window:     f.Window,
		Current: domain.PeriodStats{
			Start:    mid,
			End:      now,
			Counts:   current.counts,
			Duration: current.durationStats(),
		},
		Previous: domain.PeriodStats{
			Start:    start,
			End:      mid,
			Counts:   previous.counts,
			Duration: previous.durationStats(),
		},
		GeneratedAt: now,
	}
}

// Trends groups time buckets into points of f.Interval, oldest first.
func (a *Aggregator) Trends(f TrendFilter) []domain.TrendPoint {
	st := a.state.Load()
	interval := f.Interval
	if interval < a.span {
		interval = a.span
	}
	interval = interval.Truncate(a.span)
	var cutoff time.Time
	if f.Window > 0 {
		cutoff = a.now().UTC().Add(-f.Window).Truncate(a.span)
	}
	match := Filter{Repository: f.Repository, Branch: f.Branch}

	points := make(map[time.Time]*accumulator)
	for k, s := range st.buckets {
		if k.start.Before(cutoff) || !match.matches(k.partition) {
			continue
		}
		start := k.start.Truncate(interval)
		acc := points[start]
		if acc == nil {
			acc = &accumulator{}
			points[start] = acc
		}
		acc.add(s)
	}

	out := make([]domain.TrendPoint, 0, len(points))
	for start, acc := range points {
		out = append(out, domain.TrendPoint{
			BucketStart:        start,
			Executions:         acc.counts.Total(),
			Success:            acc.counts.Success,
			Failure:            acc.counts.Failure,
			SuccessRate:        acc.counts.SuccessRate(),
			AvgDurationSeconds: acc.durations.mean(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

// Rollups returns buckets modified since the previous call that started before cutoff.
func (a *Aggregator) Rollups(cutoff time.Time) []domain.MetricRollup {
	st := a.state.Load()
	now := a.now().UTC()
	rollups := make([]domain.MetricRollup, 0)
	for k, s := range st.buckets {
		if !k.start.Before(cutoff) {
			continue
		}
		if !s.dirty.CompareAndSwap(true, false) {
			continue
		}
		var acc accumulator
		acc.add(s)
		rollups = append(rollups, domain.MetricRollup{
			Repository:  k.partition.Repository,
			Branch:      k.partition.Branch,
			BucketStart: k.start,
			BucketSpan:  a.span,
			Counts:      acc.counts,
			Duration:    acc.durationStats(),
			UpdatedAt:   now,
		})
	}
	return rollups
}

// MarkDirty flags buckets again after a failed flush so the next call returns them.
func (a *Aggregator) MarkDirty(rollups []domain.MetricRollup) {
	st := a.state.Load()
	for _, r := range rollups {
		key := bucketKey{
			partition: domain.Partition{Repository: r.Repository, Branch: r.Branch},
			start:     r.BucketStart,
		}
		if s, ok := st.buckets[key]; ok {
			s.dirty.Store(true)
		}
	}
}

// Prune drops time buckets that started before before. Later transitions of runs created
// in a pruned bucket only update global and partition counters.
func (a *Aggregator) Prune(before time.Time) int {
	floor := before.UTC().Truncate(a.span)
	a.grow.Lock()
	defer a.grow.Unlock()

	cur := a.state.Load()
	if !floor.After(cur.floor) {
		return 0
	}
	next := cur.clone()
	next.floor = floor
	removed := 0
	for k := range next.buckets {
		if k.start.Before(floor) {
			delete(next.buckets, k)
			removed++
		}
	}
	a.state.Store(next)
	return removed
}
