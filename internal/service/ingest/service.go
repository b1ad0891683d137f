package ingest

import (
	"context"
	"errors"

	"log/slog"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/guard"
	"github.com/splax/buildboard/internal/metrics"
	"github.com/splax/buildboard/internal/normalize"
	"github.com/splax/buildboard/internal/store"
)

// Recorder counts webhook outcomes outside the process, e.g. in Redis.
type Recorder interface {
	RecordOutcome(ctx context.Context, provider, outcome string)
}

// EventStore is the part of the build store ingestion needs.
type EventStore interface {
	Ingest(ctx context.Context, event domain.BuildEvent) (store.Receipt, error)
}

// Outcome is the acknowledgement returned to a webhook sender.
type Outcome struct {
	Status    string
	Run       domain.RunKey
	Applied   bool
	Rejection string
	Warnings  []string
}

// Service turns raw provider payloads into stored build state.
type Service struct {
	normalizer *normalize.Normalizer
	store      EventStore
	sink       metrics.Sink
	recorder   Recorder
	logger     *slog.Logger
}

// New returns an ingest service. sink and recorder may be nil.
func New(normalizer *normalize.Normalizer, st EventStore, sink metrics.Sink, recorder Recorder, logger *slog.Logger) Service {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Service{normalizer: normalizer, store: st, sink: sink, recorder: recorder, logger: logger.With("component", "ingest")}
}

// Handle normalizes raw and feeds it to the store. Transition rejections are absorbed
// into the outcome; only normalization and persistence failures are returned.
func (s Service) Handle(ctx context.Context, provider string, raw []byte) (Outcome, error) {
	result, err := s.normalizer.Normalize(raw, provider)
	if errors.Is(err, normalize.ErrIgnored) {
		s.count(ctx, provider, metrics.OutcomeIgnored)
		return Outcome{Status: metrics.OutcomeIgnored}, nil
	}
	if err != nil {
		s.count(ctx, provider, metrics.OutcomeInvalid)
		s.logger.Info("webhook payload rejected", "provider", provider, "error", err)
		return Outcome{}, err
	}
	for _, w := range result.Warnings {
		s.logger.Warn("normalization warning", "provider", result.Event.Provider, "run", result.Event.Key().String(), "warning", w)
	}

	receipt, err := s.store.Ingest(ctx, result.Event)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, store.ErrPersistenceTimeout) {
			outcome = metrics.OutcomeUnavailable
		}
		s.count(ctx, provider, outcome)
		s.logger.Error("build event not stored", "provider", result.Event.Provider, "run", result.Event.Key().String(), "error", err)
		return Outcome{}, err
	}

	out := Outcome{
		Status:   statusOf(receipt.Verdict),
		Run:      result.Event.Key(),
		Applied:  receipt.Applied,
		Warnings: result.Warnings,
	}
	if receipt.Rejection != nil {
		out.Rejection = string(receipt.Rejection.Kind)
	}
	s.count(ctx, provider, out.Status)
	return out, nil
}

func (s Service) count(ctx context.Context, provider, outcome string) {
	if provider == "" {
		provider = "generic"
	}
	s.sink.WebhookReceived(provider, outcome)
	if s.recorder != nil {
		s.recorder.RecordOutcome(ctx, provider, outcome)
	}
}

func statusOf(v guard.Verdict) string {
	switch v {
	case guard.Duplicate:
		return metrics.OutcomeDuplicate
	case guard.Superseded:
		return metrics.OutcomeSuperseded
	default:
		return metrics.OutcomeAccepted
	}
}
