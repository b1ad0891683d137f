package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/splax/buildboard/internal/domain"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		f.records = append(f.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) Close() { f.closed = true }

func sampleTransition() domain.Transition {
	d := 42.0
	run := domain.BuildRun{
		Provider:        "github",
		ProviderRunID:   "222",
		Attempt:         1,
		Repository:      "org/app",
		Branch:          "main",
		CommitSHA:       "dddddddddddddddddddddddddddddddddddddddd",
		Status:          domain.StatusSuccess,
		CreatedAt:       time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC),
		LastUpdatedAt:   time.Date(2025, time.June, 1, 10, 0, 42, 0, time.UTC),
		DurationSeconds: &d,
	}
	return domain.Transition{Old: domain.StatusInProgress, New: domain.StatusSuccess, Run: run}
}

func TestKafkaPublisherKeysByRun(t *testing.T) {
	fake := &fakeProducer{}
	pub := newKafkaPublisher(fake, "")
	if err := pub.Handle(context.Background(), sampleTransition()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(fake.records) != 1 {
		t.Fatalf("expected one record, got %d", len(fake.records))
	}
	rec := fake.records[0]
	if rec.Topic != DefaultTopic || string(rec.Key) != "222#1" {
		t.Fatalf("unexpected record routing %s/%s", rec.Topic, rec.Key)
	}
	var msg Transition
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.From != "in_progress" || msg.To != "success" || msg.Run.DurationSeconds == nil || *msg.Run.DurationSeconds != 42 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestKafkaPublisherSurfacesProduceErrors(t *testing.T) {
	fake := &fakeProducer{err: errors.New("leader not available")}
	pub := newKafkaPublisher(fake, "builds")
	if err := pub.Handle(context.Background(), sampleTransition()); err == nil {
		t.Fatalf("expected produce error")
	}
	pub.Close()
	if !fake.closed {
		t.Fatalf("expected client to be closed")
	}
	if err := pub.Handle(context.Background(), sampleTransition()); err == nil {
		t.Fatalf("expected closed publisher to refuse")
	}
}
