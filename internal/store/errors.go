package store

import (
	"errors"
	"fmt"

	"github.com/splax/buildboard/internal/domain"
)

// ErrPersistenceTimeout means the event was admitted but the write was not confirmed in time.
// Retrying the delivery is safe.
var ErrPersistenceTimeout = errors.New("store: persistence timed out")

// TransitionKind names the rule a rejected transition broke.
type TransitionKind string

const (
	KindAlreadyTerminal TransitionKind = "already_terminal"
	KindRegression      TransitionKind = "regression"
)

// TransitionError reports an event the run state machine refused.
type TransitionError struct {
	Kind TransitionKind
	Run  domain.RunKey
	From domain.BuildStatus
	To   domain.BuildStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: %s transition %s -> %s for run %s", e.Kind, e.From, e.To, e.Run)
}
