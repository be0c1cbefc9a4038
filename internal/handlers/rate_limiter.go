package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/freshstl/storefront/internal/platform/httpx"
)

type rateLimiter interface {
	Allow(key string) bool
}

// keyedRateLimiter hands out one token bucket per key and forgets keys idle for longer than ttl.
type keyedRateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	clock func() time.Time
	mu    sync.Mutex
	store map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedRateLimiter(perMinute, burst int, clock func() time.Time) rateLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedRateLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		ttl:   10 * time.Minute,
		clock: clock,
		store: make(map[string]*rateEntry),
	}
}

func (l *keyedRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok {
		l.pruneIdleLocked(now)
		entry = &rateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.store[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedRateLimiter) pruneIdleLocked(now time.Time) {
	for key, entry := range l.store {
		if now.Sub(entry.lastSeen) > l.ttl {
			delete(l.store, key)
		}
	}
}

// limitByClient rejects requests once the caller's bucket is empty. Callers are keyed by user or client IP.
func limitByClient(limiter rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).AsRetryable())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if actor := actorFromRequest(r); actor.UserID != "" {
		return "uid:" + actor.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
