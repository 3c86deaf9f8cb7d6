package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter enforces a per-token request budget: a lazily-created
// golang.org/x/time/rate.Limiter per key, keyed by bearer token rather
// than client IP since the API's identity boundary is the token, not the
// caller's address.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// newRateLimiter builds a rateLimiter allowing rps requests per second with
// the given burst, per token.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *rateLimiter) allow(token string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[token]
	if !ok {
		limiter = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[token] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// cleanup drops every tracked limiter once the map grows past a sanity
// bound — clearing wholesale instead of tracking last-use times is
// acceptable here since a dropped limiter just resets that token's
// burst, not a correctness issue.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// startCleanupJob runs cleanup hourly until stop is closed.
func (rl *rateLimiter) startCleanupJob(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// rateLimit is chi middleware applied after authenticate, so the token
// used as the rate-limit key is already known to be valid.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, _ := strings.CutPrefix(auth, "Bearer ")
		if !s.limiter.allow(token) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
