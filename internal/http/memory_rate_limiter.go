package httpx

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	rateLimiterShards        = 32
	rateLimiterSweepInterval = 5 * time.Minute
)

type rateWindow struct {
	count int
	end   time.Time
}

type rateShard struct {
	mu      sync.Mutex
	windows map[string]rateWindow
}

// memoryRateLimiter keeps fixed windows in hashed shards so unrelated keys do
// not contend on one lock.
type memoryRateLimiter struct {
	shards [rateLimiterShards]rateShard
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryRateLimiter returns a process-local limiter that sweeps expired windows.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweep(rateLimiterSweepInterval)
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	rl := &memoryRateLimiter{now: now, stop: make(chan struct{})}
	for i := range rl.shards {
		rl.shards[i].windows = make(map[string]rateWindow)
	}
	return rl
}

func (rl *memoryRateLimiter) shard(key string) *rateShard {
	return &rl.shards[xxhash.Sum64String(key)%rateLimiterShards]
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	now := rl.now()
	sh := rl.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || !now.Before(w.end) {
		w = rateWindow{end: now.Add(window)}
	}
	if w.count >= limit {
		return rateDecision{count: w.count, windowEnd: w.end}
	}
	w.count++
	sh.windows[key] = w
	return rateDecision{allowed: true, count: w.count, windowEnd: w.end}
}

func (rl *memoryRateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.expire(rl.now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *memoryRateLimiter) expire(now time.Time) int {
	removed := 0
	for i := range rl.shards {
		sh := &rl.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			if !now.Before(w.end) {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}
