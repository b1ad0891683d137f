package normalize

import (
	"encoding/json"
	"strings"

	"github.com/splax/buildboard/internal/domain"
)

type buildkitePayload struct {
	Event string `json:"event"`
	Build *struct {
		ID         flexString `json:"id"`
		Number     flexInt    `json:"number"`
		State      string     `json:"state"`
		Commit     string     `json:"commit"`
		Branch     string     `json:"branch"`
		WebURL     string     `json:"web_url"`
		StartedAt  flexTime   `json:"started_at"`
		FinishedAt flexTime   `json:"finished_at"`
		Creator    *struct {
			Name string `json:"name"`
		} `json:"creator"`
	} `json:"build"`
	Pipeline *struct {
		Slug       string `json:"slug"`
		Name       string `json:"name"`
		Repository string `json:"repository"`
	} `json:"pipeline"`
	Sender *struct {
		Name string `json:"name"`
	} `json:"sender"`
}

var buildkiteStatusTable = map[string]domain.BuildStatus{
	"scheduled": domain.StatusQueued,
	"creating":  domain.StatusQueued,
	"waiting":   domain.StatusQueued,
	"blocked":   domain.StatusInProgress,
	"running":   domain.StatusInProgress,
	"failing":   domain.StatusInProgress,
	"canceling": domain.StatusInProgress,
	"passed":    domain.StatusSuccess,
	"failed":    domain.StatusFailure,
	"canceled":  domain.StatusCancelled,
	"skipped":   domain.StatusCancelled,
	"not_run":   domain.StatusCancelled,
}

var buildkiteVariant = variant{
	provider: "buildkite",
	decode:   decodeBuildkite,
	status: func(c candidate) (domain.BuildStatus, bool) {
		return lookup(buildkiteStatusTable, c.status)
	},
}

// decodeBuildkite reads build.* webhooks. Job and agent events are ignored.
func decodeBuildkite(raw []byte) (candidate, error) {
	var payload buildkitePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return candidate{}, err
	}
	if event := lookupKey(payload.Event); event != "" && !strings.HasPrefix(event, "build.") {
		return candidate{}, ErrIgnored
	}
	build := payload.Build
	if build == nil {
		return candidate{}, missing("buildkite", "build")
	}
	c := candidate{
		runID:      build.ID,
		branch:     build.Branch,
		sha:        build.Commit,
		status:     build.State,
		startedAt:  build.StartedAt,
		finishedAt: build.FinishedAt,
		runNumber:  build.Number,
		url:        build.WebURL,
	}
	if payload.Pipeline != nil {
		c.repository = firstNonEmpty(repositoryFromURL(payload.Pipeline.Repository), payload.Pipeline.Slug)
		c.workflow = payload.Pipeline.Name
	}
	if build.Creator != nil {
		c.actor = build.Creator.Name
	}
	if c.actor == "" && payload.Sender != nil {
		c.actor = payload.Sender.Name
	}
	return c, nil
}
