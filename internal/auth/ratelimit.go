package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter is a per-key sliding window limiter, one window instance
// per (key, tier). Two tiers exist: ingest (default 100 rps) and other
// (default 30 rps).
type RateLimiter struct {
	logger    zerolog.Logger
	ingestRPS int
	otherRPS  int

	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	tokens    []time.Time
	lastClean time.Time
}

// NewRateLimiter constructs a RateLimiter with the given per-second
// budgets for the ingest and "everything else" tiers.
func NewRateLimiter(logger zerolog.Logger, ingestRPS, otherRPS int) *RateLimiter {
	return &RateLimiter{
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		ingestRPS: ingestRPS,
		otherRPS:  otherRPS,
		windows:   make(map[string]*slidingWindow),
	}
}

// Ingest returns middleware enforcing the ingest-tier budget.
func (rl *RateLimiter) Ingest(next http.Handler) http.Handler {
	return rl.handler("ingest", rl.ingestRPS, next)
}

// Other returns middleware enforcing the general-API-tier budget.
func (rl *RateLimiter) Other(next http.Handler) http.Handler {
	return rl.handler("other", rl.otherRPS, next)
}

func (rl *RateLimiter) handler(tier string, limit int, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := tier + ":"
		if apiKey, ok := KeyFromContext(r.Context()); ok && apiKey.KeyID != "" {
			key += apiKey.KeyID
		} else if tenant, ok := TenantFromContext(r.Context()); ok && tenant.TenantID != "" {
			key += tenant.TenantID
		} else {
			key += r.RemoteAddr
		}

		allowed, remaining, resetAt := rl.allow(key, limit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"rate limit of %d requests/sec exceeded","status":429,"details":{"retry_after_seconds":1}}`, limit)
			rl.logger.Warn().Str("key", key).Int("limit", limit).Msg("rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string, limit int) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-1 * time.Second)
	resetAt := now.Add(1 * time.Second)

	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{tokens: make([]time.Time, 0, limit), lastClean: now}
		rl.windows[key] = sw
	}

	if now.Sub(sw.lastClean) > 5*time.Second {
		valid := make([]time.Time, 0, len(sw.tokens))
		for _, t := range sw.tokens {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		sw.tokens = valid
		sw.lastClean = now
	}

	count := 0
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			count++
		}
	}

	remaining := limit - count
	if remaining <= 0 {
		if len(sw.tokens) > 0 {
			resetAt = sw.tokens[0].Add(1 * time.Second)
		}
		return false, 0, resetAt
	}

	sw.tokens = append(sw.tokens, now)
	return true, remaining - 1, resetAt
}

// Cleanup drops windows that have seen no traffic recently; call
// periodically from a background ticker to bound memory.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-1 * time.Minute)
	for key, sw := range rl.windows {
		if len(sw.tokens) == 0 || sw.tokens[len(sw.tokens)-1].Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}
