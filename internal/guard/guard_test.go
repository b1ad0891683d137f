package guard

import (
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

func TestAdmitFirstEventIsAccepted(t *testing.T) {
	got := Admit(Mark{}, false, domain.BuildEvent{Status: domain.StatusQueued, UpdatedAt: time.Now()})
	if got.Verdict != Accepted || !got.Forward {
		t.Fatalf("expected accepted+forward, got %+v", got)
	}
}

func TestAdmitOrdering(t *testing.T) {
	base := time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		mark    Mark
		status  domain.BuildStatus
		at      time.Time
		verdict Verdict
		forward bool
	}{
		{"older event", Mark{base, domain.StatusInProgress}, domain.StatusSuccess, base.Add(-time.Second), Duplicate, false},
		{"exact replay", Mark{base, domain.StatusSuccess}, domain.StatusSuccess, base, Duplicate, false},
		{"newer event", Mark{base, domain.StatusQueued}, domain.StatusInProgress, base.Add(time.Second), Accepted, true},
		{"tie terminal beats running", Mark{base, domain.StatusInProgress}, domain.StatusFailure, base, Superseded, true},
		{"tie running beats queued", Mark{base, domain.StatusQueued}, domain.StatusInProgress, base, Superseded, true},
		{"tie running loses to terminal", Mark{base, domain.StatusSuccess}, domain.StatusInProgress, base, Superseded, false},
		{"tie queued loses to running", Mark{base, domain.StatusInProgress}, domain.StatusQueued, base, Superseded, false},
		{"tie between terminals keeps first", Mark{base, domain.StatusSuccess}, domain.StatusFailure, base, Superseded, false},
		{"later repeat of terminal", Mark{base, domain.StatusSuccess}, domain.StatusSuccess, base.Add(time.Minute), Duplicate, false},
		{"later running heartbeat", Mark{base, domain.StatusInProgress}, domain.StatusInProgress, base.Add(time.Minute), Accepted, true},
		{"untimed repeat", Mark{base, domain.StatusInProgress}, domain.StatusInProgress, time.Time{}, Duplicate, false},
		{"untimed terminal repeat", Mark{base, domain.StatusFailure}, domain.StatusFailure, time.Time{}, Duplicate, false},
		{"untimed progress", Mark{base, domain.StatusQueued}, domain.StatusSuccess, time.Time{}, Accepted, true},
		{"untimed regression", Mark{base, domain.StatusInProgress}, domain.StatusQueued, time.Time{}, Superseded, false},
		{"untimed after terminal", Mark{base, domain.StatusSuccess}, domain.StatusCancelled, time.Time{}, Superseded, false},
	}
	for _, tc := range cases {
		got := Admit(tc.mark, true, domain.BuildEvent{Status: tc.status, UpdatedAt: tc.at})
		if got.Verdict != tc.verdict || got.Forward != tc.forward {
			t.Fatalf("%s: expected %s/%v, got %s/%v", tc.name, tc.verdict, tc.forward, got.Verdict, got.Forward)
		}
	}
}

func TestMarkOf(t *testing.T) {
	at := time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC)
	mark := MarkOf(domain.BuildRun{LastUpdatedAt: at, Status: domain.StatusCancelled})
	if !mark.UpdatedAt.Equal(at) || mark.Status != domain.StatusCancelled {
		t.Fatalf("unexpected mark %+v", mark)
	}
}
