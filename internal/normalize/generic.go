package normalize

import (
	"encoding/json"

	"github.com/splax/buildboard/internal/domain"
)

type genericPayload struct {
	ProviderRunID flexString `json:"provider_run_id"`
	ID            flexString `json:"id"`
	Repository    string     `json:"repository"`
	Branch        string     `json:"branch"`
	CommitSHA     string     `json:"commit_sha"`
	Status        string     `json:"status"`
	StartedAt     flexTime   `json:"started_at"`
	UpdatedAt     flexTime   `json:"updated_at"`
	FinishedAt    flexTime   `json:"finished_at"`
	RunNumber     flexInt    `json:"run_number"`
	Attempt       flexInt    `json:"attempt"`
	Actor         string     `json:"actor"`
	URL           string     `json:"url"`
	WorkflowName  string     `json:"workflow_name"`
}

var genericStatusTable = map[string]domain.BuildStatus{
	"queued":      domain.StatusQueued,
	"pending":     domain.StatusQueued,
	"in_progress": domain.StatusInProgress,
	"running":     domain.StatusInProgress,
	"success":     domain.StatusSuccess,
	"passed":      domain.StatusSuccess,
	"failure":     domain.StatusFailure,
	"failed":      domain.StatusFailure,
	"error":       domain.StatusFailure,
	"cancelled":   domain.StatusCancelled,
	"canceled":    domain.StatusCancelled,
}

var genericVariant = variant{
	provider: "generic",
	decode:   decodeGeneric,
	status: func(c candidate) (domain.BuildStatus, bool) {
		return lookup(genericStatusTable, c.status)
	},
}

func decodeGeneric(raw []byte) (candidate, error) {
	var payload genericPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return candidate{}, err
	}
	runID := payload.ProviderRunID
	if runID == "" {
		runID = payload.ID
	}
	return candidate{
		runID:      runID,
		repository: payload.Repository,
		branch:     payload.Branch,
		sha:        payload.CommitSHA,
		status:     payload.Status,
		startedAt:  payload.StartedAt,
		updatedAt:  payload.UpdatedAt,
		finishedAt: payload.FinishedAt,
		runNumber:  payload.RunNumber,
		attempt:    payload.Attempt,
		actor:      payload.Actor,
		url:        payload.URL,
		workflow:   payload.WorkflowName,
	}, nil
}
