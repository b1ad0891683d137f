// Package events holds the wire form of build transitions and alerts and the
// publishers that ship them out of the process.
package events

import (
	"time"

	"github.com/splax/buildboard/internal/domain"
)

// Run is the JSON form of a build run.
type Run struct {
	Provider        string     `json:"provider"`
	ProviderRunID   string     `json:"provider_run_id"`
	Attempt         int        `json:"attempt"`
	RunNumber       int        `json:"run_number,omitempty"`
	Repository      string     `json:"repository"`
	Branch          string     `json:"branch"`
	CommitSHA       string     `json:"commit_sha"`
	Status          string     `json:"status"`
	WorkflowName    string     `json:"workflow_name,omitempty"`
	Actor           string     `json:"actor,omitempty"`
	URL             string     `json:"url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds"`
}

// RunFrom converts a domain run.
func RunFrom(r domain.BuildRun) Run {
	return Run{
		Provider:        r.Provider,
		ProviderRunID:   r.ProviderRunID,
		Attempt:         r.Attempt,
		RunNumber:       r.RunNumber,
		Repository:      r.Repository,
		Branch:          r.Branch,
		CommitSHA:       r.CommitSHA,
		Status:          string(r.Status),
		WorkflowName:    r.WorkflowName,
		Actor:           r.Actor,
		URL:             r.URL,
		CreatedAt:       r.CreatedAt,
		LastUpdatedAt:   r.LastUpdatedAt,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		DurationSeconds: r.DurationSeconds,
	}
}

// Transition is the message emitted for every committed state change.
type Transition struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Run  Run    `json:"run"`
}

// TransitionFrom converts a domain transition.
func TransitionFrom(t domain.Transition) Transition {
	return Transition{
		Type: "build.transition",
		From: string(t.Old),
		To:   string(t.New),
		Run:  RunFrom(t.Run),
	}
}

// Alert is the JSON form of a fired alert.
type Alert struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Kind        string    `json:"alert_type"`
	Repository  string    `json:"repository"`
	Branch      string    `json:"branch,omitempty"`
	Message     string    `json:"message"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	RunID       string    `json:"provider_run_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// AlertFrom converts a domain alert.
func AlertFrom(a domain.Alert) Alert {
	return Alert{
		Type:        "build.alert",
		ID:          a.ID,
		Kind:        string(a.Type),
		Repository:  a.Repository,
		Branch:      a.Branch,
		Message:     a.Message,
		Value:       a.Value,
		Threshold:   a.Threshold,
		RunID:       a.Run.ProviderRunID,
		Attempt:     a.Run.Attempt,
		TriggeredAt: a.TriggeredAt,
	}
}
