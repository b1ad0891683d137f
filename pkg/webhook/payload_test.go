package webhook

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSimulateProducesLifecycle(t *testing.T) {
	builds := Simulate(SimulateOptions{Runs: 4, Seed: 7, Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)})
	if len(builds) != 12 {
		t.Fatalf("expected 12 deliveries, got %d", len(builds))
	}
	for i := 0; i < len(builds); i += 3 {
		q, p, f := builds[i], builds[i+1], builds[i+2]
		if q.Status != "queued" || p.Status != "in_progress" || !f.Terminal() {
			t.Fatalf("unexpected lifecycle %s %s %s", q.Status, p.Status, f.Status)
		}
		if q.RunID != f.RunID || len(f.CommitSHA) != 40 {
			t.Fatalf("inconsistent run %+v", f)
		}
		if !f.FinishedAt.After(f.StartedAt) {
			t.Fatalf("finish before start: %+v", f)
		}
	}
}

func TestSimulateIsDeterministic(t *testing.T) {
	opts := SimulateOptions{Runs: 3, Seed: 42, FailureRate: 0.5, Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	a, b := Simulate(opts), Simulate(opts)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("delivery %d differs", i)
		}
	}
}

func TestEncodeGitHubCompleted(t *testing.T) {
	b := Build{RunID: "9", Attempt: 1, Repository: "org/app", Branch: "main", Status: "failure", UpdatedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	raw, err := Encode("github", b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded struct {
		Action string `json:"action"`
		Run    struct {
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"workflow_run"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Action != "completed" || decoded.Run.Status != "completed" || decoded.Run.Conclusion != "failure" {
		t.Fatalf("unexpected payload %s", raw)
	}
}

func TestEncodeGenericOmitsZeroTimes(t *testing.T) {
	raw, err := Encode("", Build{RunID: "1", Status: "queued"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if decoded["finished_at"] != nil || decoded["provider_run_id"] != "1" {
		t.Fatalf("unexpected payload %s", raw)
	}
}
