package domain

import (
	"strconv"
	"strings"
	"time"
)

// BuildStatus is the canonical lifecycle state of a build run.
type BuildStatus string

const (
	StatusQueued     BuildStatus = "queued"
	StatusInProgress BuildStatus = "in_progress"
	StatusSuccess    BuildStatus = "success"
	StatusFailure    BuildStatus = "failure"
	StatusCancelled  BuildStatus = "cancelled"
)

// Statuses lists every canonical status in lifecycle order.
var Statuses = []BuildStatus{StatusQueued, StatusInProgress, StatusSuccess, StatusFailure, StatusCancelled}

// Valid reports whether s is one of the canonical statuses.
func (s BuildStatus) Valid() bool {
	return s.Index() >= 0
}

// Terminal reports whether s is a final outcome.
func (s BuildStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Priority orders statuses for equal-timestamp tie breaks: terminal > in_progress > queued.
func (s BuildStatus) Priority() int {
	switch {
	case s.Terminal():
		return 2
	case s == StatusInProgress:
		return 1
	case s == StatusQueued:
		return 0
	default:
		return -1
	}
}

// Index returns the position of s in Statuses, or -1.
func (s BuildStatus) Index() int {
	for i, candidate := range Statuses {
		if candidate == s {
			return i
		}
	}
	return -1
}

// ParseStatus converts a raw string into a canonical status.
func ParseStatus(raw string) (BuildStatus, bool) {
	s := BuildStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// RunKey is the natural key of a build run.
type RunKey struct {
	ProviderRunID string
	Attempt       int
}

func (k RunKey) String() string {
	return k.ProviderRunID + "#" + strconv.Itoa(k.Attempt)
}

// BuildEvent is the canonical, provider-independent lifecycle notification.
// UpdatedAt is zero when the payload carried no timestamp.
type BuildEvent struct {
	Provider      string
	ProviderRunID string
	Repository    string
	Branch        string
	CommitSHA     string
	Status        BuildStatus
	StartedAt     *time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
	RunNumber     int
	Attempt       int
	Actor         string
	URL           string
	WorkflowName  string
}

// Key returns the natural key of the event.
func (e BuildEvent) Key() RunKey {
	return RunKey{ProviderRunID: e.ProviderRunID, Attempt: e.Attempt}
}

// Untimed reports whether the event carries no provider timestamp.
func (e BuildEvent) Untimed() bool {
	return e.UpdatedAt.IsZero()
}

// BuildRun is the folded state of every admitted event for one key.
type BuildRun struct {
	Provider        string
	ProviderRunID   string
	Attempt         int
	RunNumber       int
	Repository      string
	Branch          string
	CommitSHA       string
	Status          BuildStatus
	WorkflowName    string
	Actor           string
	URL             string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	DurationSeconds *float64
}

// Key returns the natural key of the run.
func (r BuildRun) Key() RunKey {
	return RunKey{ProviderRunID: r.ProviderRunID, Attempt: r.Attempt}
}

// Partition returns the (repository, branch) pair the run is aggregated under.
func (r BuildRun) Partition() Partition {
	return Partition{Repository: r.Repository, Branch: r.Branch}
}

// Clone returns a deep copy so callers can hand runs across goroutines.
func (r BuildRun) Clone() BuildRun {
	out := r
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		out.FinishedAt = &v
	}
	if r.DurationSeconds != nil {
		v := *r.DurationSeconds
		out.DurationSeconds = &v
	}
	return out
}

// Transition records a state change of a run. Old is empty when the run was created.
type Transition struct {
	Old BuildStatus
	New BuildStatus
	Run BuildRun
}

// Created reports whether the transition created the run.
func (t Transition) Created() bool {
	return t.Old == ""
}

// Changed reports whether the status moved.
func (t Transition) Changed() bool {
	return t.Old != t.New
}
