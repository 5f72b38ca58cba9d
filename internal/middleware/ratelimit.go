package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActionRateLimiter throttles ledger actions per (account, action) pair. It
// replaces the client-side rate-limit map the product used to rely on, with
// bounded memory: the limiter map is reset once it grows past maxEntries.
type ActionRateLimiter struct {
	limiters   map[string]*rate.Limiter
	mu         sync.Mutex
	interval   time.Duration
	burst      int
	maxEntries int
}

func NewActionRateLimiter(interval time.Duration, burst int) *ActionRateLimiter {
	return &ActionRateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		interval:   interval,
		burst:      burst,
		maxEntries: 10000,
	}
}

func (rl *ActionRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) > rl.maxEntries {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(rl.interval), rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether the account may perform the action now.
func (rl *ActionRateLimiter) Allow(accountID, action string) bool {
	return rl.getLimiter(fmt.Sprintf("%s-%s", accountID, action)).Allow()
}

// Handler wraps a route with the limiter, keyed by the authenticated user
// (falling back to the remote address for unauthenticated routes).
func (rl *ActionRateLimiter) Handler(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, _ := r.Context().Value("userID").(string)
			if key == "" {
				key = r.RemoteAddr
			}

			if !rl.Allow(key, action) {
				http.Error(w, "Too many requests, please wait", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
