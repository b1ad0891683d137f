package httpx

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/splax/buildboard/internal/metrics"
)

// RateLimiter counts requests per key over a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// rateKeyFunc names the bucket a request is counted in.
type rateKeyFunc func(*http.Request) string

// withRateLimit guards a read route. Webhook deliveries are limited after
// authentication instead, see admitDelivery.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, key rateKeyFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.admit(w, route, key(req), limit, window) {
			return
		}
		next(w, req)
	}
}

// admitDelivery counts an authenticated delivery against the budget of its
// credential and provider. Unauthenticated traffic never reaches this point,
// so it cannot spend a provider's budget.
func (r *Router) admitDelivery(w http.ResponseWriter, info authInfo) bool {
	key := "hook:" + info.Method + ":" + info.Provider
	if r.admit(w, "/api/webhook", key, r.webhookLimit, rateWindowDefault) {
		return true
	}
	r.sink.WebhookReceived(info.Provider, metrics.OutcomeThrottled)
	return false
}

// admit reports whether the request may proceed. On refusal it has already
// written the 429 answer.
func (r *Router) admit(w http.ResponseWriter, route, key string, limit int, window time.Duration) bool {
	if limit <= 0 || r.limiter == nil {
		return true
	}
	decision := r.limiter.Allow(key, limit, window)
	r.applyRateHeaders(w, limit, decision)
	if decision.allowed {
		return true
	}
	r.recordRateLimitHit(route, rateMetricKey(key))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func (r *Router) clientKey(req *http.Request) string {
	return "ip:" + r.clientIP(req)
}

// clientIP returns the peer address. X-Forwarded-For is consulted only when
// the peer is a trusted proxy; the entries are then walked right to left and
// the first address outside the trusted ranges wins.
func (r *Router) clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(req.RemoteAddr)
	}
	if host == "" {
		return "unknown"
	}
	if !r.trusted(host) {
		return host
	}
	hops := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return host
		}
		if !r.trusted(addr.String()) {
			return addr.String()
		}
		host = addr.String()
	}
	return host
}

func (r *Router) trusted(ip string) bool {
	if len(r.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseTrustedProxies accepts CIDR ranges and bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			p, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", value, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", value, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func rateMetricKey(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	if key == "" {
		return "unknown"
	}
	return key
}
