package httpx

import (
	"context"
	"errors"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/buildboard/pkg/logger"
)

func TestClientIPTrustsOnlyConfiguredProxies(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.7 ", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(proxies) != 2 || proxies[1] != netip.MustParsePrefix("192.168.1.7/32") {
		t.Fatalf("unexpected proxies %v", proxies)
	}
	r := &Router{proxies: proxies}

	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "untrusted peer", remote: "203.0.113.50:4000", xff: "140.82.115.1", want: "203.0.113.50"},
		{name: "trusted peer", remote: "10.0.0.5:4000", xff: "140.82.115.1", want: "140.82.115.1"},
		{name: "proxy chain", remote: "10.0.0.5:4000", xff: "198.51.100.1, 140.82.115.1, 10.1.2.3", want: "140.82.115.1"},
		{name: "garbage header", remote: "10.0.0.5:4000", xff: "not-an-ip", want: "10.0.0.5"},
		{name: "no header", remote: "192.168.1.7:80", want: "192.168.1.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/builds", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := r.clientIP(req); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}

	untrusting := &Router{}
	req := httptest.NewRequest("GET", "/api/builds", nil)
	req.Header.Set("X-Forwarded-For", "140.82.115.1")
	if got := untrusting.clientKey(req); got != "ip:192.0.2.1" {
		t.Fatalf("forwarded header honoured without proxies: %s", got)
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedProxies([]string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected error for bad prefix")
	}
	if _, err := ParseTrustedProxies([]string{"proxy.internal"}); err == nil {
		t.Fatalf("expected error for host name")
	}
}

func TestMemoryRateLimiterResetsAndExpires(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	defer rl.Close()

	if d := rl.Allow("hook:write_key:github", 1, time.Minute); !d.allowed || !d.windowEnd.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected first decision %+v", d)
	}
	if d := rl.Allow("hook:write_key:github", 1, time.Minute); d.allowed {
		t.Fatalf("second request in the window should be refused")
	}
	rl.Allow("ip:198.51.100.1", 5, time.Hour)

	now = now.Add(time.Minute)
	if removed := rl.expire(now); removed != 1 {
		t.Fatalf("expected one expired window, got %d", removed)
	}
	if d := rl.Allow("hook:write_key:github", 1, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}

type pipelinerStub struct {
	err    error
	calls  int
	closed bool
}

func (p *pipelinerStub) TxPipelined(context.Context, func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	p.calls++
	return nil, p.err
}

func (p *pipelinerStub) Close() error {
	p.closed = true
	return nil
}

func TestRedisRateLimiterLeavesClientOpen(t *testing.T) {
	client := &pipelinerStub{err: errors.New("connection refused")}
	rl := newRedisRateLimiter(client, logger.Discard())

	if d := rl.Allow("ip:1", 1, time.Minute); !d.allowed || client.calls != 1 {
		t.Fatalf("expected fail-open after one pipeline, got %+v calls=%d", d, client.calls)
	}
	rl.Close()
	rl.Close()
	if client.closed {
		t.Fatalf("limiter closed a client it does not own")
	}
}
