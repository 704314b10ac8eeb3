package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/portfolio-rebalancer/internal/auth"
)

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// caller with bursts of burst requests
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Limit(rps),
		burstSize: burst,
	}
}

// getLimiter returns the rate limiter for a caller
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter

	return limiter
}

// RateLimitMiddleware enforces the per-caller limit. Anonymous requests are
// keyed by remote address. It must run after CallerMiddleware.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := auth.CallerFromContext(r.Context())
			if !ok {
				key = r.RemoteAddr
			}

			limiter := rl.getLimiter(key)
			if !limiter.Allow() {
				respondError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"limit": float64(limiter.Limit()),
					"burst": limiter.Burst(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
