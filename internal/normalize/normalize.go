package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/splax/buildboard/internal/domain"
)

// DefaultRepository is recorded when a payload does not name its repository.
const DefaultRepository = "unknown"

var commitSHAPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Result carries a normalized event and any non-fatal findings.
type Result struct {
	Event    domain.BuildEvent
	Warnings []string
}

// candidate is the provider-independent intermediate produced by every variant decoder.
type candidate struct {
	runID      flexString
	repository string
	branch     string
	sha        string
	status     string
	conclusion string
	startedAt  flexTime
	updatedAt  flexTime
	finishedAt flexTime
	runNumber  flexInt
	attempt    flexInt
	actor      string
	url        string
	workflow   string
}

// variant binds a provider payload shape to its status vocabulary.
type variant struct {
	provider string
	decode   func(raw []byte) (candidate, error)
	status   func(c candidate) (domain.BuildStatus, bool)
}

var variants = map[string]variant{
	"github":    githubVariant,
	"gitlab":    gitlabVariant,
	"buildkite": buildkiteVariant,
	"generic":   genericVariant,
}

var providerAliases = map[string]string{
	"github":         "github",
	"github-actions": "github",
	"github_actions": "github",
	"gitlab":         "gitlab",
	"gitlab-ci":      "gitlab",
	"buildkite":      "buildkite",
	"generic":        "generic",
	"":               "generic",
}

// Providers lists the provider hints the normalizer understands.
func Providers() []string {
	return []string{"github", "github-actions", "gitlab", "buildkite", "generic"}
}

// Normalizer converts provider webhook payloads into canonical build events.
type Normalizer struct{}

// New constructs a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// Normalize decodes raw according to providerHint. Unknown hints fall back to the generic shape.
func (n *Normalizer) Normalize(raw []byte, providerHint string) (Result, error) {
	var result Result
	hint := strings.ToLower(strings.TrimSpace(providerHint))
	name, ok := providerAliases[hint]
	if !ok {
		name = "generic"
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown provider %q, using generic payload shape", providerHint))
	}
	v := variants[name]

	if !json.Valid(raw) {
		return Result{}, malformed(v.provider, errors.New("body is not valid JSON"))
	}
	c, err := v.decode(raw)
	if err != nil {
		if errors.Is(err, ErrIgnored) {
			return Result{}, err
		}
		var nerr *Error
		if errors.As(err, &nerr) {
			return Result{}, nerr
		}
		return Result{}, malformed(v.provider, err)
	}

	event, warnings, err := n.build(v, c)
	if err != nil {
		return Result{}, err
	}
	result.Event = event
	result.Warnings = append(result.Warnings, warnings...)
	return result, nil
}

func (n *Normalizer) build(v variant, c candidate) (domain.BuildEvent, []string, error) {
	var warnings []string
	event := domain.BuildEvent{Provider: v.provider}

	event.ProviderRunID = strings.TrimSpace(string(c.runID))
	if event.ProviderRunID == "" {
		return domain.BuildEvent{}, nil, missing(v.provider, "id")
	}

	sha := strings.ToLower(strings.TrimSpace(c.sha))
	if sha == "" {
		return domain.BuildEvent{}, nil, missing(v.provider, "commit_sha")
	}
	if !commitSHAPattern.MatchString(sha) {
		return domain.BuildEvent{}, nil, invalid(v.provider, "commit_sha", fmt.Errorf("expected 40 hex characters, got %d", len(sha)))
	}
	event.CommitSHA = sha

	if strings.TrimSpace(c.status) == "" && strings.TrimSpace(c.conclusion) == "" {
		return domain.BuildEvent{}, nil, missing(v.provider, "status")
	}
	status, known := v.status(c)
	if !known {
		status = domain.StatusInProgress
		warnings = append(warnings, fmt.Sprintf("unrecognised status %q (conclusion %q), treating as in_progress", c.status, c.conclusion))
	}
	event.Status = status

	started, err := parseTime(c.startedAt)
	if err != nil {
		return domain.BuildEvent{}, nil, invalid(v.provider, "started_at", err)
	}
	updated, err := parseTime(c.updatedAt)
	if err != nil {
		return domain.BuildEvent{}, nil, invalid(v.provider, "updated_at", err)
	}
	finished, err := parseTime(c.finishedAt)
	if err != nil {
		return domain.BuildEvent{}, nil, invalid(v.provider, "finished_at", err)
	}
	event.StartedAt = started
	event.FinishedAt = finished
	switch {
	case updated != nil:
		event.UpdatedAt = *updated
	case finished != nil:
		event.UpdatedAt = *finished
	case started != nil:
		event.UpdatedAt = *started
	default:
		warnings = append(warnings, "payload carries no timestamp")
	}

	event.Attempt = 1
	if c.attempt.set {
		if c.attempt.value < 1 {
			return domain.BuildEvent{}, nil, invalid(v.provider, "attempt", fmt.Errorf("expected positive integer, got %q", c.attempt.raw))
		}
		event.Attempt = c.attempt.value
	}
	if c.runNumber.set {
		if c.runNumber.value < 1 {
			return domain.BuildEvent{}, nil, invalid(v.provider, "run_number", fmt.Errorf("expected positive integer, got %q", c.runNumber.raw))
		}
		event.RunNumber = c.runNumber.value
	}

	event.Repository = firstNonEmpty(c.repository, DefaultRepository)
	event.Branch = strings.TrimSpace(c.branch)
	event.Actor = strings.TrimSpace(c.actor)
	event.URL = strings.TrimSpace(c.url)
	event.WorkflowName = strings.TrimSpace(c.workflow)
	return event, warnings, nil
}

func lookup(table map[string]domain.BuildStatus, value string) (domain.BuildStatus, bool) {
	status, ok := table[lookupKey(value)]
	return status, ok
}

func lookupKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// repositoryFromURL reduces a clone or web URL to its owner/name path.
func repositoryFromURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
		if slash := strings.Index(trimmed, "/"); slash >= 0 {
			trimmed = trimmed[slash+1:]
		}
	} else if colon := strings.Index(trimmed, ":"); colon >= 0 {
		trimmed = trimmed[colon+1:]
	}
	return trimmed
}
