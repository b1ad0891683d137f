// Package guard decides whether a build event may change the state of its run.
//
// The guard keeps no state of its own. The last admitted (updated_at, status)
// pair of a key is stored on the run itself, so the store evaluates the guard
// and applies the transition under the same per-key lock.
package guard

import (
	"time"

	"github.com/splax/buildboard/internal/domain"
)

// Verdict is the outcome of admitting an event.
type Verdict string

const (
	Accepted   Verdict = "accepted"
	Duplicate  Verdict = "duplicate"
	Superseded Verdict = "superseded"
)

// Mark is the last admitted position of a run.
type Mark struct {
	UpdatedAt time.Time
	Status    domain.BuildStatus
}

// MarkOf returns the guard position recorded on run.
func MarkOf(run domain.BuildRun) Mark {
	return Mark{UpdatedAt: run.LastUpdatedAt, Status: run.Status}
}

// Decision carries a verdict and whether the event should reach the store.
type Decision struct {
	Verdict Verdict
	Forward bool
}

// Admit classifies event against the stored mark. seen is false for the first event of a key.
//
// Events older than the mark, and exact replays, are duplicates. A repeat of a
// terminal status is a duplicate whatever its timestamp. An event with the same
// timestamp but another status is superseded: it is forwarded only if its
// status outranks the stored one, so a terminal status always wins a tie.
//
// An untimed event cannot be placed against the mark, so it is ordered by
// status alone: a repeat is a duplicate and only a higher priority status is
// forwarded.
func Admit(mark Mark, seen bool, event domain.BuildEvent) Decision {
	if !seen {
		return Decision{Verdict: Accepted, Forward: true}
	}
	if event.Status == mark.Status && (mark.Status.Terminal() || event.Untimed()) {
		return Decision{Verdict: Duplicate}
	}
	if event.Untimed() {
		return rank(mark, event, Accepted)
	}
	switch {
	case event.UpdatedAt.Before(mark.UpdatedAt):
		return Decision{Verdict: Duplicate}
	case event.UpdatedAt.Equal(mark.UpdatedAt):
		if event.Status == mark.Status {
			return Decision{Verdict: Duplicate}
		}
		return rank(mark, event, Superseded)
	default:
		return Decision{Verdict: Accepted, Forward: true}
	}
}

// rank forwards event under verdict when its status outranks the mark's and
// reports it as superseded otherwise.
func rank(mark Mark, event domain.BuildEvent, verdict Verdict) Decision {
	if event.Status.Priority() > mark.Status.Priority() {
		return Decision{Verdict: verdict, Forward: true}
	}
	return Decision{Verdict: Superseded}
}
