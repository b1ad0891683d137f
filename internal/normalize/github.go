package normalize

import (
	"encoding/json"

	"github.com/splax/buildboard/internal/domain"
)

type githubUser struct {
	Login string `json:"login"`
}

type githubWorkflowRun struct {
	ID           flexString  `json:"id"`
	Name         string      `json:"name"`
	HeadBranch   string      `json:"head_branch"`
	HeadSHA      string      `json:"head_sha"`
	Status       string      `json:"status"`
	Conclusion   string      `json:"conclusion"`
	HTMLURL      string      `json:"html_url"`
	CreatedAt    flexTime    `json:"created_at"`
	RunStartedAt flexTime    `json:"run_started_at"`
	UpdatedAt    flexTime    `json:"updated_at"`
	RunNumber    flexInt     `json:"run_number"`
	RunAttempt   flexInt     `json:"run_attempt"`
	Actor        *githubUser `json:"actor"`
}

type githubPayload struct {
	Action      string             `json:"action"`
	WorkflowRun *githubWorkflowRun `json:"workflow_run"`
	Repository  *struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Sender *githubUser `json:"sender"`
}

var githubStatusTable = map[string]domain.BuildStatus{
	"requested":   domain.StatusQueued,
	"waiting":     domain.StatusQueued,
	"pending":     domain.StatusQueued,
	"queued":      domain.StatusQueued,
	"in_progress": domain.StatusInProgress,
	"success":     domain.StatusSuccess,
	"failure":     domain.StatusFailure,
	"cancelled":   domain.StatusCancelled,
}

var githubConclusionTable = map[string]domain.BuildStatus{
	"success":         domain.StatusSuccess,
	"neutral":         domain.StatusSuccess,
	"failure":         domain.StatusFailure,
	"timed_out":       domain.StatusFailure,
	"startup_failure": domain.StatusFailure,
	"action_required": domain.StatusFailure,
	"cancelled":       domain.StatusCancelled,
	"skipped":         domain.StatusCancelled,
	"stale":           domain.StatusCancelled,
}

var githubVariant = variant{
	provider: "github",
	decode:   decodeGitHub,
	status:   githubStatus,
}

// decodeGitHub reads a workflow_run webhook. A bare workflow_run object is accepted too.
func decodeGitHub(raw []byte) (candidate, error) {
	var payload githubPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return candidate{}, err
	}
	run := payload.WorkflowRun
	if run == nil {
		var bare githubWorkflowRun
		if err := json.Unmarshal(raw, &bare); err != nil {
			return candidate{}, err
		}
		if bare.ID == "" && bare.HeadSHA == "" && bare.Status == "" {
			return candidate{}, ErrIgnored
		}
		run = &bare
	}

	c := candidate{
		runID:      run.ID,
		branch:     run.HeadBranch,
		sha:        run.HeadSHA,
		status:     run.Status,
		conclusion: run.Conclusion,
		startedAt:  run.RunStartedAt,
		updatedAt:  run.UpdatedAt,
		runNumber:  run.RunNumber,
		attempt:    run.RunAttempt,
		url:        run.HTMLURL,
		workflow:   run.Name,
	}
	if c.startedAt == "" {
		c.startedAt = run.CreatedAt
	}
	if payload.Repository != nil {
		c.repository = firstNonEmpty(payload.Repository.FullName, repositoryFromURL(payload.Repository.HTMLURL))
	}
	if c.repository == "" {
		c.repository = githubRepositoryFromRunURL(run.HTMLURL)
	}
	if run.Actor != nil {
		c.actor = run.Actor.Login
	}
	if c.actor == "" && payload.Sender != nil {
		c.actor = payload.Sender.Login
	}
	return c, nil
}

func githubStatus(c candidate) (domain.BuildStatus, bool) {
	if key := lookupKey(c.status); key == "completed" || key == "" {
		return lookup(githubConclusionTable, c.conclusion)
	}
	return lookup(githubStatusTable, c.status)
}

// githubRepositoryFromRunURL extracts owner/name from https://github.com/owner/name/actions/runs/1.
func githubRepositoryFromRunURL(raw string) string {
	path := repositoryFromURL(raw)
	if path == "" {
		return ""
	}
	parts := splitPath(path)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
