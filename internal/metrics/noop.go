package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) WebhookReceived(provider, outcome string)                   {}
func (n *NoopSink) TransitionApplied(from, to string)                          {}
func (n *NoopSink) TransitionRejected(kind string)                             {}
func (n *NoopSink) PersistenceObserve(duration time.Duration, err error)       {}
func (n *NoopSink) AggregatorRecomputed(reason string, duration time.Duration) {}
func (n *NoopSink) BuildsByStatus(status string, count int64)                  {}
func (n *NoopSink) BufferSizeUpdate(size int)                                  {}
func (n *NoopSink) BufferCapacitySet(capacity int)                             {}
func (n *NoopSink) EmitError()                                                 {}
func (n *NoopSink) PublishOutcome(target, outcome string)                      {}
func (n *NoopSink) AlertFired(kind string)                                     {}
