package domain

import (
	"math"
	"time"
)

// Partition groups runs by repository and branch.
type Partition struct {
	Repository string
	Branch     string
}

// DurationStats summarises terminal run durations in seconds.
type DurationStats struct {
	Count int64
	Mean  *float64
	P50   *float64
	P95   *float64
}

// StatusCounts holds the number of runs currently in each status.
type StatusCounts struct {
	Queued     int64
	InProgress int64
	Success    int64
	Failure    int64
	Cancelled  int64
}

// Total is the sum of every status bucket.
func (c StatusCounts) Total() int64 {
	return c.Queued + c.InProgress + c.Success + c.Failure + c.Cancelled
}

// Add returns the element-wise sum of c and other.
func (c StatusCounts) Add(other StatusCounts) StatusCounts {
	return StatusCounts{
		Queued:     c.Queued + other.Queued,
		InProgress: c.InProgress + other.InProgress,
		Success:    c.Success + other.Success,
		Failure:    c.Failure + other.Failure,
		Cancelled:  c.Cancelled + other.Cancelled,
	}
}

// SuccessRate returns success/(success+failure) as a percentage rounded to one decimal.
// It is 0 when no run has succeeded or failed.
func (c StatusCounts) SuccessRate() float64 {
	denominator := c.Success + c.Failure
	if denominator == 0 {
		return 0
	}
	rate := float64(c.Success) / float64(denominator) * 100
	return math.Round(rate*10) / 10
}

// PartitionSnapshot is the metrics view of a single (repository, branch) pair.
type PartitionSnapshot struct {
	Partition Partition
	Counts    StatusCounts
	Duration  DurationStats
}

// MetricsSnapshot is the derived view of every build run matching a filter.
type MetricsSnapshot struct {
	Repository  string
	Branch      string
	Window      time.Duration
	Counts      StatusCounts
	Duration    DurationStats
	Breakdown   []PartitionSnapshot
	GeneratedAt time.Time
}

// TotalBuilds returns the number of runs in the snapshot.
func (s MetricsSnapshot) TotalBuilds() int64 {
	return s.Counts.Total()
}

// SuccessRate is recomputed from the counts on every call.
func (s MetricsSnapshot) SuccessRate() float64 {
	return s.Counts.SuccessRate()
}

// TrendPoint is one time bucket of a trend series.
type TrendPoint struct {
	BucketStart        time.Time
	Executions         int64
	Success            int64
	Failure            int64
	SuccessRate        float64
	AvgDurationSeconds *float64
}

// MetricRollup stores aggregated counts and duration statistics for one partition and time bucket.
type MetricRollup struct {
	Repository  string
	Branch      string
	BucketStart time.Time
	BucketSpan  time.Duration
	Counts      StatusCounts
	Duration    DurationStats
	UpdatedAt   time.Time
}

// PeriodStats is the activity of one comparison period.
type PeriodStats struct {
	Start    time.Time
	End      time.Time
	Counts   StatusCounts
	Duration DurationStats
}

// Comparison sets the current window against the window immediately before it.
type Comparison struct {
	Repository  string
	Branch      string
	Window      time.Duration
	Current     PeriodStats
	Previous    PeriodStats
	GeneratedAt time.Time
}

// SuccessRateChange is the difference in success rate, in percentage points.
func (c Comparison) SuccessRateChange() float64 {
	delta := c.Current.Counts.SuccessRate() - c.Previous.Counts.SuccessRate()
	return math.Round(delta*10) / 10
}

// BuildCountChange is the difference in the number of runs created.
func (c Comparison) BuildCountChange() int64 {
	return c.Current.Counts.Total() - c.Previous.Counts.Total()
}

// DurationChangePercent is the relative change of the mean duration. It is nil
// unless both periods have a positive mean.
func (c Comparison) DurationChangePercent() *float64 {
	cur, prev := c.Current.Duration.Mean, c.Previous.Duration.Mean
	if cur == nil || prev == nil || *prev <= 0 {
		return nil
	}
	change := math.Round((*cur-*prev) / *prev * 1000) / 10
	return &change
}
