package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/internal/metrics"
)

// ErrBufferFull is returned when a transition cannot be queued in time.
var ErrBufferFull = errors.New("event bus buffer full")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Handler consumes committed transitions on the bus worker.
type Handler func(ctx context.Context, t domain.Transition) error

type listener struct {
	name    string
	handler Handler
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithEmitTimeout waits up to d for buffer space before dropping. Zero drops immediately.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

// WithMetrics sets the sink for buffer and delivery metrics.
func WithMetrics(sink metrics.Sink) Option {
	return func(b *EventBus) {
		if sink != nil {
			b.sink = sink
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// EventBus is a bounded in-process queue between the store and fan-out listeners.
type EventBus struct {
	ch          chan domain.Transition
	emitTimeout time.Duration
	sink        metrics.Sink
	logger      *slog.Logger

	mu        sync.RWMutex
	listeners []listener
	closed    bool
	running   atomic.Bool
	done      chan struct{}
}

// NewEventBus returns a bus holding at most buffer pending transitions.
func NewEventBus(buffer int, opts ...Option) *EventBus {
	if buffer <= 0 {
		buffer = 1
	}
	b := &EventBus{
		ch:     make(chan domain.Transition, buffer),
		sink:   metrics.NewNoopSink(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sink.BufferCapacitySet(buffer)
	return b
}

// Subscribe registers handler under name. Handlers run in registration order.
func (b *EventBus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener{name: name, handler: handler})
}

// Publish queues t for delivery. It never blocks longer than the emit timeout.
func (b *EventBus) Publish(ctx context.Context, t domain.Transition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.ch <- t:
		b.sink.BufferSizeUpdate(len(b.ch))
		return nil
	default:
	}
	if b.emitTimeout <= 0 {
		b.sink.EmitError()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()
	select {
	case b.ch <- t:
		b.sink.BufferSizeUpdate(len(b.ch))
		return nil
	case <-timer.C:
		b.sink.EmitError()
		return ErrBufferFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel exposes the queue for consumers that do not use Run.
func (b *EventBus) Channel() <-chan domain.Transition {
	return b.ch
}

// Run delivers queued transitions until the bus is closed and drained.
func (b *EventBus) Run(ctx context.Context) {
	b.running.Store(true)
	defer close(b.done)
	for t := range b.ch {
		b.sink.BufferSizeUpdate(len(b.ch))
		b.dispatch(ctx, t)
	}
}

func (b *EventBus) dispatch(ctx context.Context, t domain.Transition) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()
	for _, l := range listeners {
		if err := l.handler(ctx, t); err != nil {
			b.sink.PublishOutcome(l.name, metrics.PublishFailed)
			b.logger.Warn("transition listener failed", "listener", l.name, "run", t.Run.Key().String(), "error", err)
			continue
		}
		b.sink.PublishOutcome(l.name, metrics.PublishSuccess)
	}
}

// Close stops accepting transitions. If Run is active it waits for the queue
// to drain or ctx to expire.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()

	if !b.running.Load() {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
