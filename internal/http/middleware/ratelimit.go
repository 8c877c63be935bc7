package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/wolfman30/chat-session-engine/internal/clock"
)

const bucketIdle = 10 * time.Minute

// RateLimiter is a per-key token bucket.
type RateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	swept   time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter allows rate requests/sec per key with the given burst.
func NewRateLimiter(rate float64, burst int, c clock.Clock) *RateLimiter {
	if c == nil {
		c = clock.Real{}
	}
	return &RateLimiter{
		clock:   c,
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		swept:   c.Now(),
	}
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.sweepLocked(now)
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastTime: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastTime).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.swept) < bucketIdle {
		return
	}
	cutoff := now.Add(-bucketIdle)
	for key, b := range rl.buckets {
		if b.lastTime.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
	rl.swept = now
}

// RateLimit rejects requests over the limiter's budget with 429. Requests
// are keyed by X-Real-Ip when chi's RealIP ran, else the remote address.
func RateLimit(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if xri := r.Header.Get("X-Real-Ip"); xri != "" {
				ip = xri
			}
			if !limiter.Allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
