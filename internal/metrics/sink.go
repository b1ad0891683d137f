package metrics

import "time"

// Sink records operational metrics for the ingestion pipeline.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Ingestion
	WebhookReceived(provider, outcome string)
	TransitionApplied(from, to string)
	TransitionRejected(kind string)
	PersistenceObserve(duration time.Duration, err error)

	// Aggregator
	AggregatorRecomputed(reason string, duration time.Duration)
	BuildsByStatus(status string, count int64)

	// EventBus
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Fan-out
	PublishOutcome(target, outcome string)
	AlertFired(kind string)
}

// Webhook outcome labels.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDuplicate    = "duplicate"
	OutcomeSuperseded   = "superseded"
	OutcomeIgnored      = "ignored"
	OutcomeInvalid      = "invalid"
	OutcomeUnauthorized = "unauthorized"
	OutcomeThrottled    = "throttled"
	OutcomeUnavailable  = "unavailable"
	OutcomeError        = "error"
)

// Publish outcome labels.
const (
	PublishSuccess = "success"
	PublishFailed  = "failed"
)

// Persistence result labels.
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultError   = "error"
)
