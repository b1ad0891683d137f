package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const redisLimiterTimeout = 250 * time.Millisecond

// redisPipeliner is the part of a go-redis client the limiter uses.
type redisPipeliner interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

type redisRateLimiter struct {
	client  redisPipeliner
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter constructs a limiter shared by every API replica. The
// caller keeps ownership of client and closes it. Redis failures fail open.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	return newRedisRateLimiter(client, logger)
}

func newRedisRateLimiter(client redisPipeliner, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger.With("component", "rate_limiter"),
		prefix:  "buildboard:ratelimit:",
		timeout: redisLimiterTimeout,
	}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		ttl = pipe.TTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		rl.logRedisError("pipeline", err)
		return rateDecision{allowed: true}
	}
	counter := incr.Val()
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   int(counter) <= limit,
		count:     int(counter),
		windowEnd: time.Now().Add(remaining),
	}
}

// Close is a no-op; the client belongs to the caller.
func (rl *redisRateLimiter) Close() {}

func (rl *redisRateLimiter) logRedisError(op string, err error) {
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
