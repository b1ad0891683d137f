package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
)

func newTestTransition(id string) domain.Transition {
	run := domain.BuildRun{ProviderRunID: id, Attempt: 1, Status: domain.StatusSuccess, LastUpdatedAt: time.Now().UTC()}
	return domain.Transition{Old: domain.StatusInProgress, New: domain.StatusSuccess, Run: run}
}

func TestEventBus_PublishAndReceive(t *testing.T) {
	bus := NewEventBus(10)
	tr := newTestTransition("1")

	if err := bus.Publish(context.Background(), tr); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-bus.Channel():
		if got.Run.ProviderRunID != "1" || got.New != domain.StatusSuccess {
			t.Errorf("unexpected transition %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for transition on channel")
	}
}

func TestEventBus_BufferFullDropsImmediately(t *testing.T) {
	bus := NewEventBus(1)
	ctx := context.Background()

	if err := bus.Publish(ctx, newTestTransition("1")); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	start := time.Now()
	if err := bus.Publish(ctx, newTestTransition("2")); !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull, got: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Errorf("Publish blocked on a full buffer")
	}
}

func TestEventBus_BufferFullAfterTimeout(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(30*time.Millisecond))
	ctx := context.Background()
	if err := bus.Publish(ctx, newTestTransition("1")); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, newTestTransition("2")); !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull, got: %v", err)
	}
}

func TestEventBus_ContextCancelled(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(5*time.Second))
	if err := bus.Publish(context.Background(), newTestTransition("1")); err != nil {
		t.Fatalf("first Publish failed: %v", err)
	}

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(cancelledCtx, newTestTransition("2")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestEventBus_RunDeliversToListeners(t *testing.T) {
	bus := NewEventBus(16)
	var mu sync.Mutex
	var order []string
	var failures atomic.Int32

	bus.Subscribe("first", func(_ context.Context, tr domain.Transition) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first:"+tr.Run.ProviderRunID)
		return nil
	})
	bus.Subscribe("broken", func(context.Context, domain.Transition) error {
		failures.Add(1)
		return errors.New("kafka unavailable")
	})
	bus.Subscribe("last", func(_ context.Context, tr domain.Transition) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "last:"+tr.Run.ProviderRunID)
		return nil
	})

	ctx := context.Background()
	stopped := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(stopped)
	}()
	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, newTestTransition(id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := bus.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain the queue")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first:a", "last:a", "first:b", "last:b", "first:c", "last:c"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if failures.Load() != 3 {
		t.Fatalf("a failing listener must not stop delivery, got %d calls", failures.Load())
	}
}

func TestEventBus_PublishAfterClose(t *testing.T) {
	bus := NewEventBus(1)
	if err := bus.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(context.Background(), newTestTransition("1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
