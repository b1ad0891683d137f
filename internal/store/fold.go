package store

import "github.com/splax/buildboard/internal/domain"

// fold applies event to the current run. seen is false when no run exists for the key yet.
// It never mutates current.
func fold(current domain.BuildRun, seen bool, event domain.BuildEvent) (domain.BuildRun, domain.Transition, error) {
	if !seen {
		run := newRun(event)
		if run.Status.Terminal() {
			finish(&run, event)
		}
		return run, domain.Transition{New: run.Status, Run: run}, nil
	}

	from, to := current.Status, event.Status
	switch {
	case from.Terminal():
		return current, domain.Transition{}, &TransitionError{Kind: KindAlreadyTerminal, Run: current.Key(), From: from, To: to}
	case from == domain.StatusInProgress && to == domain.StatusQueued:
		return current, domain.Transition{}, &TransitionError{Kind: KindRegression, Run: current.Key(), From: from, To: to}
	}

	next := current.Clone()
	next.Status = to
	if event.UpdatedAt.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = event.UpdatedAt
	}
	if event.RunNumber > 0 {
		next.RunNumber = event.RunNumber
	}
	if event.Actor != "" {
		next.Actor = event.Actor
	}
	if event.URL != "" {
		next.URL = event.URL
	}
	if event.WorkflowName != "" {
		next.WorkflowName = event.WorkflowName
	}
	if next.StartedAt == nil && event.StartedAt != nil {
		v := *event.StartedAt
		next.StartedAt = &v
	}
	if to.Terminal() {
		finish(&next, event)
	}
	return next, domain.Transition{Old: from, New: to, Run: next}, nil
}

// newRun creates a run from its first event. Repository, branch, commit and creation
// time are fixed from here on because the run's aggregation partition depends on them.
func newRun(event domain.BuildEvent) domain.BuildRun {
	created := event.UpdatedAt
	if event.StartedAt != nil && event.StartedAt.Before(created) {
		created = *event.StartedAt
	}
	run := domain.BuildRun{
		Provider:      event.Provider,
		ProviderRunID: event.ProviderRunID,
		Attempt:       event.Attempt,
		RunNumber:     event.RunNumber,
		Repository:    event.Repository,
		Branch:        event.Branch,
		CommitSHA:     event.CommitSHA,
		Status:        event.Status,
		WorkflowName:  event.WorkflowName,
		Actor:         event.Actor,
		URL:           event.URL,
		CreatedAt:     created.UTC(),
		LastUpdatedAt: event.UpdatedAt.UTC(),
	}
	if event.StartedAt != nil {
		v := event.StartedAt.UTC()
		run.StartedAt = &v
	}
	return run
}

// finish freezes a run entering a terminal status and records its duration.
// The end is the provider finish time, else updated_at; the start is the provider
// start time, else the creation time. Negative durations clamp to zero.
func finish(run *domain.BuildRun, event domain.BuildEvent) {
	end := event.UpdatedAt
	if event.FinishedAt != nil {
		end = *event.FinishedAt
	}
	end = end.UTC()
	start := run.CreatedAt
	if run.StartedAt != nil {
		start = *run.StartedAt
	}
	seconds := end.Sub(start).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	run.FinishedAt = &end
	run.DurationSeconds = &seconds
}

func countsOf(runs []domain.BuildRun) domain.StatusCounts {
	var c domain.StatusCounts
	for _, r := range runs {
		switch r.Status {
		case domain.StatusQueued:
			c.Queued++
		case domain.StatusInProgress:
			c.InProgress++
		case domain.StatusSuccess:
			c.Success++
		case domain.StatusFailure:
			c.Failure++
		case domain.StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}
