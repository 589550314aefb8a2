package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gluk-w/shelltop/internal/apierr"
)

// Per-IP budget for the auth endpoints. The burst absorbs a normal login
// flow (password, challenge, verify plus a retry); the refill rate keeps a
// credential-stuffing client to a crawl.
const (
	authRateLimit = 1  // tokens per second
	authRateBurst = 10 // bucket capacity
)

// TokenBucket is a simple token bucket. Not safe for concurrent use; the
// RateLimiter serializes access per bucket, and per-connection users are
// single-reader by construction.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens added per second
	lastRefill time.Time
}

func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request is allowed and consumes a token.
func (tb *TokenBucket) Allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RateLimiter applies a per-client-IP token bucket. Stale buckets are
// dropped by Sweep on the shared GC cadence.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	burst   float64
	rate    float64
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		burst:   authRateBurst,
		rate:    authRateLimit,
	}
}

// Allow consumes one token for the given client key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	tb, ok := rl.buckets[key]
	if !ok {
		tb = NewTokenBucket(rl.burst, rl.rate)
		rl.buckets[key] = tb
	}
	return tb.Allow()
}

// Sweep drops buckets idle long enough to have fully refilled; recreating
// one on next use is equivalent.
func (rl *RateLimiter) Sweep(now time.Time) {
	idle := time.Duration(rl.burst/rl.rate) * time.Second
	rl.mu.Lock()
	for key, tb := range rl.buckets {
		if now.Sub(tb.lastRefill) > idle {
			delete(rl.buckets, key)
		}
	}
	rl.mu.Unlock()
}

// Middleware rejects over-budget requests with 429. It keys on the remote
// IP, which chimw.RealIP has already rewritten from proxy headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.Allow(host) {
			apierr.Write(w, apierr.RateLimited, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
