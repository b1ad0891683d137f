package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/splax/buildboard/internal/domain"
)

// DefaultTopic receives build transitions when no topic is configured.
const DefaultTopic = "buildboard.transitions"

const produceTimeout = 5 * time.Second

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher writes committed transitions to a Kafka-compatible broker.
// Records are keyed by run so every transition of a run lands on one partition.
type KafkaPublisher struct {
	client producer
	topic  string
	mu     sync.RWMutex
	closed bool
}

// NewKafkaPublisher connects to brokers and publishes to topic.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	return newKafkaPublisher(client, topic), nil
}

func newKafkaPublisher(client producer, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{client: client, topic: topic}
}

// Handle publishes t. It matches the event bus handler signature.
func (p *KafkaPublisher) Handle(ctx context.Context, t domain.Transition) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("kafka publisher is closed")
	}

	value, err := json.Marshal(TransitionFrom(t))
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(t.Run.Key().String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(t.New)},
			{Key: "repository", Value: []byte(t.Run.Repository)},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce transition: %w", err)
	}
	return nil
}

// Close flushes nothing further and releases the client.
func (p *KafkaPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.client.Close()
}
