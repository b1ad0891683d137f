package normalize

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

func newTestNormalizer() *Normalizer {
	return New()
}

const githubCompleted = `{
	"action": "completed",
	"workflow_run": {
		"id": 111,
		"name": "CI/CD Pipeline",
		"head_branch": "main",
		"head_sha": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"status": "completed",
		"conclusion": "success",
		"html_url": "https://github.com/myorg/test-repo/actions/runs/111",
		"run_started_at": "2025-03-03T09:00:00.123456Z",
		"updated_at": "2025-03-03T09:05:00Z",
		"run_number": 7,
		"run_attempt": 2
	},
	"repository": {"full_name": "myorg/test-repo"},
	"sender": {"login": "janedoe"}
}`

func TestNormalizeGitHubWorkflowRun(t *testing.T) {
	res, err := newTestNormalizer().Normalize([]byte(githubCompleted), "github-actions")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	ev := res.Event
	if ev.Provider != "github" {
		t.Fatalf("expected provider github, got %s", ev.Provider)
	}
	if ev.ProviderRunID != "111" {
		t.Fatalf("expected run id 111, got %q", ev.ProviderRunID)
	}
	if ev.CommitSHA != strings.Repeat("a", 40) {
		t.Fatalf("expected lower-cased sha, got %s", ev.CommitSHA)
	}
	if ev.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", ev.Status)
	}
	if ev.Repository != "myorg/test-repo" || ev.Branch != "main" {
		t.Fatalf("unexpected partition %s/%s", ev.Repository, ev.Branch)
	}
	if ev.Attempt != 2 || ev.RunNumber != 7 {
		t.Fatalf("unexpected attempt/run number %d/%d", ev.Attempt, ev.RunNumber)
	}
	if ev.Actor != "janedoe" {
		t.Fatalf("expected sender login as actor, got %q", ev.Actor)
	}
	if ev.StartedAt == nil || ev.StartedAt.Minute() != 0 {
		t.Fatalf("expected started_at from run_started_at, got %v", ev.StartedAt)
	}
	if !ev.UpdatedAt.Equal(time.Date(2025, time.March, 3, 9, 5, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at %s", ev.UpdatedAt)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
}

func TestNormalizeGitHubStatusTable(t *testing.T) {
	cases := []struct {
		status     string
		conclusion string
		want       domain.BuildStatus
	}{
		{"requested", "", domain.StatusQueued},
		{"waiting", "", domain.StatusQueued},
		{"queued", "", domain.StatusQueued},
		{"in_progress", "", domain.StatusInProgress},
		{"completed", "success", domain.StatusSuccess},
		{"completed", "neutral", domain.StatusSuccess},
		{"completed", "failure", domain.StatusFailure},
		{"completed", "timed_out", domain.StatusFailure},
		{"completed", "startup_failure", domain.StatusFailure},
		{"completed", "cancelled", domain.StatusCancelled},
		{"completed", "skipped", domain.StatusCancelled},
		{"success", "", domain.StatusSuccess},
		{"failure", "", domain.StatusFailure},
	}
	n := newTestNormalizer()
	for _, tc := range cases {
		payload := `{"workflow_run":{"id":"5","head_sha":"` + strings.Repeat("b", 40) + `","status":"` + tc.status + `","conclusion":"` + tc.conclusion + `","updated_at":"2025-03-03T09:00:00Z"}}`
		res, err := n.Normalize([]byte(payload), "github")
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.status, tc.conclusion, err)
		}
		if res.Event.Status != tc.want {
			t.Fatalf("%s/%s: expected %s, got %s", tc.status, tc.conclusion, tc.want, res.Event.Status)
		}
	}
}

func TestNormalizeBareWorkflowRunUsesDefaults(t *testing.T) {
	payload := `{"id":111,"status":"success","head_branch":"main","head_sha":"` + strings.Repeat("a", 40) + `"}`
	res, err := newTestNormalizer().Normalize([]byte(payload), "github")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Event.Repository != DefaultRepository {
		t.Fatalf("expected default repository, got %q", res.Event.Repository)
	}
	if res.Event.Attempt != 1 {
		t.Fatalf("expected default attempt 1, got %d", res.Event.Attempt)
	}
	if !res.Event.UpdatedAt.IsZero() || !res.Event.Untimed() {
		t.Fatalf("expected no updated_at without a payload timestamp, got %s", res.Event.UpdatedAt)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected a timestamp warning, got %v", res.Warnings)
	}
}

func TestNormalizeUntimedPayloadIsStable(t *testing.T) {
	payload := `{"workflow_run":{"id":111,"status":"in_progress","head_branch":"main","head_sha":"` + strings.Repeat("a", 40) + `"}}`
	n := newTestNormalizer()
	first, err := n.Normalize([]byte(payload), "github")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	second, err := n.Normalize([]byte(payload), "github")
	if err != nil {
		t.Fatalf("normalize again: %v", err)
	}
	if !reflect.DeepEqual(first.Event, second.Event) {
		t.Fatalf("same payload normalized differently:\n%+v\n%+v", first.Event, second.Event)
	}
}

func TestNormalizeUnknownStatusWarns(t *testing.T) {
	payload := `{"id":"9","commit_sha":"` + strings.Repeat("c", 40) + `","status":"exploded","updated_at":"2025-03-03T09:00:00Z"}`
	res, err := newTestNormalizer().Normalize([]byte(payload), "generic")
	if err != nil {
		t.Fatalf("unknown status must not fail: %v", err)
	}
	if res.Event.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress fallback, got %s", res.Event.Status)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "exploded") {
		t.Fatalf("expected warning naming the status, got %v", res.Warnings)
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	sha := strings.Repeat("d", 40)
	cases := []struct {
		name  string
		body  string
		kind  ErrorKind
		field string
	}{
		{"not json", `{"id":`, KindMalformed, ""},
		{"wrong id type", `{"id":{"x":1},"commit_sha":"` + sha + `","status":"success"}`, KindMalformed, ""},
		{"missing id", `{"commit_sha":"` + sha + `","status":"success"}`, KindMissingField, "id"},
		{"missing sha", `{"id":1,"status":"success"}`, KindMissingField, "commit_sha"},
		{"short sha", `{"id":1,"commit_sha":"abc","status":"success"}`, KindInvalidField, "commit_sha"},
		{"non hex sha", `{"id":1,"commit_sha":"` + strings.Repeat("z", 40) + `","status":"success"}`, KindInvalidField, "commit_sha"},
		{"missing status", `{"id":1,"commit_sha":"` + sha + `"}`, KindMissingField, "status"},
		{"bad timestamp", `{"id":1,"commit_sha":"` + sha + `","status":"success","updated_at":"yesterday"}`, KindInvalidField, "updated_at"},
		{"zero attempt", `{"id":1,"commit_sha":"` + sha + `","status":"success","attempt":0}`, KindInvalidField, "attempt"},
	}
	n := newTestNormalizer()
	for _, tc := range cases {
		_, err := n.Normalize([]byte(tc.body), "generic")
		var nerr *Error
		if !errors.As(err, &nerr) {
			t.Fatalf("%s: expected *Error, got %v", tc.name, err)
		}
		if nerr.Kind != tc.kind || nerr.Field != tc.field {
			t.Fatalf("%s: expected %s %q, got %s %q", tc.name, tc.kind, tc.field, nerr.Kind, nerr.Field)
		}
	}
}

func TestNormalizeGitLabPipeline(t *testing.T) {
	payload := `{
		"object_kind": "pipeline",
		"object_attributes": {
			"id": 31, "iid": 3, "ref": "master",
			"sha": "` + strings.Repeat("e", 40) + `",
			"status": "failed",
			"created_at": "2016-08-12 15:23:28 UTC",
			"finished_at": "2016-08-12 15:26:29 UTC"
		},
		"user": {"username": "root"},
		"project": {"path_with_namespace": "gitlab-org/gitlab-test"}
	}`
	res, err := newTestNormalizer().Normalize([]byte(payload), "gitlab")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	ev := res.Event
	if ev.Status != domain.StatusFailure || ev.ProviderRunID != "31" || ev.RunNumber != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.FinishedAt == nil || !ev.UpdatedAt.Equal(*ev.FinishedAt) {
		t.Fatalf("expected updated_at to fall back to finished_at, got %s", ev.UpdatedAt)
	}
	if ev.Repository != "gitlab-org/gitlab-test" || ev.Actor != "root" {
		t.Fatalf("unexpected repository/actor %s/%s", ev.Repository, ev.Actor)
	}
}

func TestNormalizeBuildkiteBuild(t *testing.T) {
	payload := `{
		"event": "build.finished",
		"build": {
			"id": "f62a1b4d-10f9-4790-bc1c-e2c3a0c80983", "number": 12, "state": "passed",
			"commit": "` + strings.Repeat("f", 40) + `", "branch": "main",
			"started_at": "2025-03-03T08:00:00Z", "finished_at": "2025-03-03T08:10:00Z"
		},
		"pipeline": {"slug": "api", "repository": "git@github.com:acme/api.git"}
	}`
	res, err := newTestNormalizer().Normalize([]byte(payload), "buildkite")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Event.Status != domain.StatusSuccess || res.Event.Repository != "acme/api" {
		t.Fatalf("unexpected event %+v", res.Event)
	}
}

func TestNormalizeIgnoresNonBuildEvents(t *testing.T) {
	n := newTestNormalizer()
	if _, err := n.Normalize([]byte(`{"zen":"Keep it logically awesome.","hook_id":1}`), "github"); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected github ping to be ignored, got %v", err)
	}
	if _, err := n.Normalize([]byte(`{"object_kind":"push"}`), "gitlab"); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected gitlab push to be ignored, got %v", err)
	}
	if _, err := n.Normalize([]byte(`{"event":"ping"}`), "buildkite"); !errors.Is(err, ErrIgnored) {
		t.Fatalf("expected buildkite ping to be ignored, got %v", err)
	}
}

func TestNormalizeUnknownProviderFallsBackToGeneric(t *testing.T) {
	payload := `{"provider_run_id":"r-1","commit_sha":"` + strings.Repeat("1", 40) + `","status":"queued","updated_at":"2025-03-03T09:00:00Z"}`
	res, err := newTestNormalizer().Normalize([]byte(payload), "jenkins")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Event.Provider != "generic" || res.Event.Status != domain.StatusQueued {
		t.Fatalf("unexpected event %+v", res.Event)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected provider warning, got %v", res.Warnings)
	}
}
