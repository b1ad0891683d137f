package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/buildboard/internal/domain"
	"github.com/splax/buildboard/pkg/logger"
)

func testAlert() domain.Alert {
	return domain.Alert{
		ID:          "a1",
		Type:        domain.AlertConsecutiveFailures,
		Repository:  "org/app",
		Branch:      "main",
		Message:     "3 consecutive failed builds on org/app@main",
		Value:       3,
		Threshold:   3,
		Run:         domain.RunKey{ProviderRunID: "111", Attempt: 1},
		TriggeredAt: time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetry(3, time.Millisecond), WithDashboardURL("https://board.example/"), WithLogger(logger.Discard()))
	if err := w.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("expected one attachment, got %+v", got)
	}
	att := got.Attachments[0]
	if att.Color != "danger" || att.TitleLink != "https://board.example/builds/111?attempt=1" {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if att.Fields[0].Value != "org/app" || att.Fields[1].Value != "main" {
		t.Fatalf("unexpected fields %+v", att.Fields)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithRetry(5, time.Millisecond))
	if err := w.Send(context.Background(), testAlert()); err == nil {
		t.Fatalf("expected an error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestQueuedAlertsAreDeliveredBeforeClose(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithLogger(logger.Discard()))
	go w.Run(context.Background())
	for i := 0; i < 3; i++ {
		if err := w.Notify(context.Background(), testAlert()); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", calls.Load())
	}
	if err := w.Notify(context.Background(), testAlert()); err == nil {
		t.Fatalf("expected notify after close to fail")
	}
}

func TestNotifyReportsFullQueue(t *testing.T) {
	w := NewWebhook("http://127.0.0.1:0")
	for i := 0; i < defaultQueueSize; i++ {
		if err := w.Notify(context.Background(), testAlert()); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if err := w.Notify(context.Background(), testAlert()); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
