package normalize

import (
	"encoding/json"

	"github.com/splax/buildboard/internal/domain"
)

type gitlabPayload struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes *struct {
		ID         flexString `json:"id"`
		IID        flexInt    `json:"iid"`
		Name       string     `json:"name"`
		Ref        string     `json:"ref"`
		SHA        string     `json:"sha"`
		Status     string     `json:"status"`
		URL        string     `json:"url"`
		CreatedAt  flexTime   `json:"created_at"`
		UpdatedAt  flexTime   `json:"updated_at"`
		FinishedAt flexTime   `json:"finished_at"`
	} `json:"object_attributes"`
	User *struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Project *struct {
		PathWithNamespace string `json:"path_with_namespace"`
		WebURL            string `json:"web_url"`
	} `json:"project"`
}

var gitlabStatusTable = map[string]domain.BuildStatus{
	"created":              domain.StatusQueued,
	"waiting_for_resource": domain.StatusQueued,
	"preparing":            domain.StatusQueued,
	"pending":              domain.StatusQueued,
	"scheduled":            domain.StatusQueued,
	"manual":               domain.StatusQueued,
	"running":              domain.StatusInProgress,
	"success":              domain.StatusSuccess,
	"failed":               domain.StatusFailure,
	"canceled":             domain.StatusCancelled,
	"canceling":            domain.StatusInProgress,
	"skipped":              domain.StatusCancelled,
}

var gitlabVariant = variant{
	provider: "gitlab",
	decode:   decodeGitLab,
	status: func(c candidate) (domain.BuildStatus, bool) {
		return lookup(gitlabStatusTable, c.status)
	},
}

// decodeGitLab reads a pipeline hook. Job, push and merge request hooks are ignored.
func decodeGitLab(raw []byte) (candidate, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return candidate{}, err
	}
	if kind := lookupKey(payload.ObjectKind); kind != "" && kind != "pipeline" {
		return candidate{}, ErrIgnored
	}
	attrs := payload.ObjectAttributes
	if attrs == nil {
		return candidate{}, missing("gitlab", "object_attributes")
	}
	c := candidate{
		runID:      attrs.ID,
		branch:     attrs.Ref,
		sha:        attrs.SHA,
		status:     attrs.Status,
		startedAt:  attrs.CreatedAt,
		updatedAt:  attrs.UpdatedAt,
		finishedAt: attrs.FinishedAt,
		runNumber:  attrs.IID,
		url:        attrs.URL,
		workflow:   attrs.Name,
	}
	if payload.Project != nil {
		c.repository = firstNonEmpty(payload.Project.PathWithNamespace, repositoryFromURL(payload.Project.WebURL))
	}
	if payload.User != nil {
		c.actor = firstNonEmpty(payload.User.Username, payload.User.Name)
	}
	return c, nil
}
