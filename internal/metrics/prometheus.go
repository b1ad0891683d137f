package metrics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	webhooksTotal        *prometheus.CounterVec
	transitionsTotal     *prometheus.CounterVec
	rejectionsTotal      *prometheus.CounterVec
	persistenceTotal     *prometheus.CounterVec
	persistenceDuration  prometheus.Histogram
	recomputesTotal      *prometheus.CounterVec
	recomputeDuration    prometheus.Histogram
	buildsByStatus       *prometheus.GaugeVec
	bufferSize           prometheus.Gauge
	bufferCapacity       prometheus.Gauge
	emitErrorsTotal      prometheus.Counter
	publishOutcomesTotal *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
}

// NewPrometheusSink creates a sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initIngestMetrics(reg)
	s.initAggregatorMetrics(reg)
	s.initEventBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initIngestMetrics(reg prometheus.Registerer) {
	s.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_webhooks_total",
		Help: "Webhook deliveries by provider and outcome.",
	}, []string{"provider", "outcome"})
	s.transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_transitions_total",
		Help: "Applied build run transitions.",
	}, []string{"from", "to"})
	s.rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_transition_rejections_total",
		Help: "Transitions rejected by the build state machine.",
	}, []string{"kind"})
	s.persistenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_persistence_writes_total",
		Help: "Build run writes by result.",
	}, []string{"result"})
	s.persistenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "buildboard_persistence_write_duration_seconds",
		Help:    "Build run write latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	s.register(reg, s.webhooksTotal, "buildboard_webhooks_total")
	s.register(reg, s.transitionsTotal, "buildboard_transitions_total")
	s.register(reg, s.rejectionsTotal, "buildboard_transition_rejections_total")
	s.register(reg, s.persistenceTotal, "buildboard_persistence_writes_total")
	s.register(reg, s.persistenceDuration, "buildboard_persistence_write_duration_seconds")
}

func (s *PrometheusSink) initAggregatorMetrics(reg prometheus.Registerer) {
	s.recomputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_aggregator_recomputes_total",
		Help: "Full aggregator rebuilds by reason.",
	}, []string{"reason"})
	s.recomputeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "buildboard_aggregator_recompute_duration_seconds",
		Help:    "Duration of full aggregator rebuilds in seconds.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
	})
	s.buildsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "buildboard_builds",
		Help: "Current number of build runs by status.",
	}, []string{"status"})
	s.alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_alerts_total",
		Help: "Alerts fired by type.",
	}, []string{"type"})

	s.register(reg, s.recomputesTotal, "buildboard_aggregator_recomputes_total")
	s.register(reg, s.recomputeDuration, "buildboard_aggregator_recompute_duration_seconds")
	s.register(reg, s.buildsByStatus, "buildboard_builds")
	s.register(reg, s.alertsTotal, "buildboard_alerts_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buildboard_eventbus_buffer_size",
		Help: "Current number of transitions waiting in the event bus.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buildboard_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildboard_eventbus_emit_errors_total",
		Help: "Transitions dropped because the event bus was full.",
	})
	s.publishOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildboard_publish_outcomes_total",
		Help: "Fan-out deliveries by target and outcome.",
	}, []string{"target", "outcome"})

	s.register(reg, s.bufferSize, "buildboard_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "buildboard_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "buildboard_eventbus_emit_errors_total")
	s.register(reg, s.publishOutcomesTotal, "buildboard_publish_outcomes_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) WebhookReceived(provider, outcome string) {
	s.webhooksTotal.WithLabelValues(provider, outcome).Inc()
}

func (s *PrometheusSink) TransitionApplied(from, to string) {
	if from == "" {
		from = "none"
	}
	s.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (s *PrometheusSink) TransitionRejected(kind string) {
	s.rejectionsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) PersistenceObserve(duration time.Duration, err error) {
	s.persistenceTotal.WithLabelValues(ClassifyPersistence(err)).Inc()
	s.persistenceDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) AggregatorRecomputed(reason string, duration time.Duration) {
	s.recomputesTotal.WithLabelValues(reason).Inc()
	s.recomputeDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) BuildsByStatus(status string, count int64) {
	s.buildsByStatus.WithLabelValues(status).Set(float64(count))
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) PublishOutcome(target, outcome string) {
	s.publishOutcomesTotal.WithLabelValues(target, outcome).Inc()
}

func (s *PrometheusSink) AlertFired(kind string) {
	s.alertsTotal.WithLabelValues(kind).Inc()
}

// ClassifyPersistence maps a write error to a result label.
func ClassifyPersistence(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	default:
		return ResultError
	}
}
