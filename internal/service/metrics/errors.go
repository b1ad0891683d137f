package metrics

import (
	"fmt"

	"github.com/splax/buildboard/internal/domain"
)

// InconsistencyError reports a count that would drop below zero.
// The aggregator must be rebuilt from the store when it is returned.
type InconsistencyError struct {
	Scope  string
	Status domain.BuildStatus
	Run    domain.RunKey
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("metrics: %s count for %s would go negative (run %s)", e.Scope, e.Status, e.Run)
}
