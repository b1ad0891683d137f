// Package webhook builds provider webhook payloads for replaying or simulating CI builds.
package webhook

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Build is the provider-neutral description of one delivery.
type Build struct {
	RunID        string
	Attempt      int
	RunNumber    int
	Repository   string
	Branch       string
	CommitSHA    string
	Status       string
	WorkflowName string
	Actor        string
	StartedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// Terminal reports whether Status ends a run.
func (b Build) Terminal() bool {
	switch b.Status {
	case "success", "failure", "cancelled":
		return true
	}
	return false
}

// Encode renders b in the wire format of provider. Unknown providers get the generic format.
func Encode(provider string, b Build) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "github":
		return json.Marshal(githubPayload(b))
	default:
		return json.Marshal(genericPayload(b))
	}
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func intOrNil(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}

func genericPayload(b Build) map[string]any {
	return map[string]any{
		"provider_run_id": b.RunID,
		"attempt":         intOrNil(b.Attempt),
		"run_number":      intOrNil(b.RunNumber),
		"repository":      b.Repository,
		"branch":          b.Branch,
		"commit_sha":      b.CommitSHA,
		"status":          b.Status,
		"workflow_name":   b.WorkflowName,
		"actor":           b.Actor,
		"started_at":      timeOrNil(b.StartedAt),
		"updated_at":      timeOrNil(b.UpdatedAt),
		"finished_at":     timeOrNil(b.FinishedAt),
	}
}

func githubPayload(b Build) map[string]any {
	status, conclusion := b.Status, ""
	if b.Terminal() {
		status, conclusion = "completed", b.Status
	}
	action := "in_progress"
	switch {
	case b.Terminal():
		action = "completed"
	case b.Status == "queued":
		action = "requested"
	}
	return map[string]any{
		"action": action,
		"workflow_run": map[string]any{
			"id":             b.RunID,
			"name":           b.WorkflowName,
			"head_branch":    b.Branch,
			"head_sha":       b.CommitSHA,
			"status":         status,
			"conclusion":     conclusion,
			"run_number":     intOrNil(b.RunNumber),
			"run_attempt":    intOrNil(b.Attempt),
			"run_started_at": timeOrNil(b.StartedAt),
			"updated_at":     timeOrNil(b.UpdatedAt),
			"html_url":       fmt.Sprintf("https://github.com/%s/actions/runs/%s", b.Repository, b.RunID),
			"actor":          map[string]string{"login": b.Actor},
		},
		"repository": map[string]string{"full_name": b.Repository},
	}
}

// SimulateOptions shapes a simulated batch of runs.
type SimulateOptions struct {
	Runs         int
	Repositories []string
	Branches     []string
	FailureRate  float64
	Start        time.Time
	Seed         int64
}

// Simulate returns the lifecycle deliveries (queued, in_progress, terminal) of opts.Runs builds
// in delivery order.
func Simulate(opts SimulateOptions) []Build {
	if opts.Runs <= 0 {
		return nil
	}
	if len(opts.Repositories) == 0 {
		opts.Repositories = []string{"acme/web"}
	}
	if len(opts.Branches) == 0 {
		opts.Branches = []string{"main"}
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().UTC().Add(-time.Duration(opts.Runs) * time.Minute)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	out := make([]Build, 0, opts.Runs*3)
	for i := 0; i < opts.Runs; i++ {
		queued := opts.Start.Add(time.Duration(i) * time.Minute)
		started := queued.Add(time.Duration(5+rng.Intn(55)) * time.Second)
		finished := started.Add(time.Duration(30+rng.Intn(600)) * time.Second)
		outcome := "success"
		switch r := rng.Float64(); {
		case r < opts.FailureRate:
			outcome = "failure"
		case r > 0.98:
			outcome = "cancelled"
		}
		base := Build{
			RunID:        fmt.Sprintf("sim-%d-%d", opts.Seed, i+1),
			Attempt:      1,
			RunNumber:    i + 1,
			Repository:   opts.Repositories[rng.Intn(len(opts.Repositories))],
			Branch:       opts.Branches[rng.Intn(len(opts.Branches))],
			CommitSHA:    fmt.Sprintf("%040x", rng.Uint64()),
			WorkflowName: "ci",
			Actor:        "buildctl",
		}

		q := base
		q.Status, q.UpdatedAt = "queued", queued
		p := base
		p.Status, p.StartedAt, p.UpdatedAt = "in_progress", started, started
		f := base
		f.Status, f.StartedAt, f.UpdatedAt, f.FinishedAt = outcome, started, finished, finished
		out = append(out, q, p, f)
	}
	return out
}
