package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/splax/buildboard/internal/domain"
)

const (
	defaultPrefix    = "buildboard:"
	defaultRetention = 7 * 24 * time.Hour
	writeTimeout     = 250 * time.Millisecond
)

// RedisSink keeps hourly counters of webhook outcomes and build transitions in Redis
// for external dashboards.
type RedisSink struct {
	client    redis.Cmdable
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRedisSink wraps client. A zero retention keeps counters for a week.
func NewRedisSink(client redis.Cmdable, retention time.Duration, logger *slog.Logger) *RedisSink {
	if retention <= 0 {
		retention = defaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, prefix: defaultPrefix, retention: retention, logger: logger, now: time.Now}
}

// RecordOutcome counts one webhook delivery. Failures are logged and dropped.
func (s *RedisSink) RecordOutcome(ctx context.Context, provider, outcome string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	key := s.prefix + outcomeKey(provider, outcome, s.now())
	if err := s.incr(ctx, key); err != nil {
		s.logger.Warn("analytics outcome not recorded", "key", key, "error", err)
	}
}

// Handle counts a committed transition per repository and new status.
func (s *RedisSink) Handle(ctx context.Context, t domain.Transition) error {
	if !t.Changed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.incr(ctx, s.prefix+transitionKey(t.Run.Repository, t.New, t.Run.LastUpdatedAt))
}

func (s *RedisSink) incr(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func outcomeKey(provider, outcome string, t time.Time) string {
	return fmt.Sprintf("webhooks:%s:%s:%s", provider, outcome, hourBucket(t))
}

func transitionKey(repository string, status domain.BuildStatus, t time.Time) string {
	return fmt.Sprintf("builds:%s:%s:%s", repository, status, hourBucket(t))
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
