package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 16)}
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.messages = append(s.messages, payload)
	s.got <- struct{}{}
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	builds := newRecordingSubscriber()
	alerts := newRecordingSubscriber()
	hub.Register(TopicBuilds, builds)
	hub.Register(TopicAlerts, alerts)

	if err := hub.BroadcastJSON(TopicAlerts, map[string]string{"type": "failure_rate"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	alerts.wait(t)
	if hub.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", hub.Subscribers())
	}
	builds.mu.Lock()
	defer builds.mu.Unlock()
	if len(builds.messages) != 0 {
		t.Fatalf("builds subscriber received an alert")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newRecordingSubscriber()
	broken.fail = true
	hub.Register(TopicBuilds, broken)
	hub.Broadcast(TopicBuilds, []byte(`{}`))
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("failing subscriber was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	broken.mu.Lock()
	defer broken.mu.Unlock()
	if !broken.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	sub := newRecordingSubscriber()
	hub.Register(TopicBuilds, sub)
	hub.Close()
	hub.Broadcast(TopicBuilds, []byte(`{}`))
	if hub.Subscribers() != 0 {
		t.Fatalf("expected no subscribers after close")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, TopicBuilds, slog.Default())
	if err := client.Send([]byte(`{"status":"success"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "id: 1\nevent: builds\ndata: {\"status\":\"success\"}\n\n") {
		t.Fatalf("unexpected data frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat frame, got %q", body)
	}
	client.Close()
	if err := client.Send([]byte(`{}`)); err == nil || !client.Closed() {
		t.Fatalf("expected closed client to refuse sends")
	}
}
