package httpx

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-client request limiter for public
// endpoints like webhooks. State is in-process; behind multiple replicas each
// replica enforces its own window, which is acceptable for abuse protection.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*requestWindow
	limit   int
	window  time.Duration

	requestsSeen int
	pruneEvery   int
	pruneAtSize  int
}

type requestWindow struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows:     make(map[string]*requestWindow),
		limit:       limit,
		window:      window,
		pruneEvery:  100,
		pruneAtSize: 200,
	}
}

// Allow records a request from the client and reports whether it is within
// the current window's budget.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	rl.requestsSeen++
	if rl.requestsSeen%rl.pruneEvery == 0 || len(rl.windows) > rl.pruneAtSize {
		rl.pruneLocked(now)
		if rl.requestsSeen >= rl.pruneEvery*10 {
			rl.requestsSeen = 0
		}
	}

	w, ok := rl.windows[client]
	if !ok || now.After(w.resetAt) {
		rl.windows[client] = &requestWindow{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	for client, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, client)
		}
	}
}

// Middleware rejects over-budget clients with 429. Client identity is the
// remote address, so mount it after a real-IP middleware when running behind
// a proxy.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			_ = WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the requesting client's address, preferring the first
// entry of X-Forwarded-For when a proxy set one.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
