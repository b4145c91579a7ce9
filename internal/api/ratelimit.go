package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-token sliding-window limiter applied
// to the task-submit endpoint (spec §4.7: "a sliding-window rate limiter
// (configurable (window, max_requests) per token) may be applied to the
// task-submit endpoint").
type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

// Enabled reports whether the limiter should be installed at all — a zero
// MaxRequests disables rate-limiting entirely.
func (c RateLimitConfig) Enabled() bool { return c.MaxRequests > 0 }

// tokenLimiter tracks a rate.Limiter per bearer token, grounded on
// agentflow's IP-keyed RateLimiter middleware but keyed on the
// authenticated agent_name instead of remote address, since the same
// caller may legitimately submit from many IPs.
type tokenLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	limiters map[string]*rate.Limiter
}

// NewTokenLimiter builds a limiter; cfg.Window/MaxRequests translate to a
// token-bucket refill rate of MaxRequests per Window with a burst equal to
// MaxRequests, approximating the sliding window.
func NewTokenLimiter(cfg RateLimitConfig) *tokenLimiter {
	return &tokenLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (t *tokenLimiter) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		perSecond := rate.Limit(float64(t.cfg.MaxRequests) / t.cfg.Window.Seconds())
		l = rate.NewLimiter(perSecond, t.cfg.MaxRequests)
		t.limiters[key] = l
	}
	return l
}

// Middleware rejects requests over the configured rate with 429. It must
// run after Authenticate, since it keys on the resolved agent_name.
func (t *tokenLimiter) Middleware(next http.Handler) http.Handler {
	if !t.cfg.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentName, ok := agentFromCtx(r.Context())
		if !ok {
			ErrUnauthorized(w)
			return
		}
		if !t.limiterFor(agentName).Allow() {
			errJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
