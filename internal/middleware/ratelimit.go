package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/utils"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused limiter is kept.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per identity: the authenticated user
// when there is one, the remote address otherwise.
type RateLimiter struct {
	mu     sync.Mutex
	m      map[string]*limiterEntry
	rps    rate.Limit
	burst  int
	lastGC time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		m:      make(map[string]*limiterEntry),
		rps:    rate.Limit(rps),
		burst:  burst,
		lastGC: time.Now(),
	}
}

func (p *RateLimiter) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastGC) > limiterIdle {
		for k, e := range p.m {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(p.m, k)
			}
		}
		p.lastGC = now
	}

	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

// Allow reports whether key may make another request now.
func (p *RateLimiter) Allow(key string) bool {
	return p.get(key).Allow()
}

// Middleware rejects requests over the limit with 429. It must run after
// the auth middleware so users are keyed by id.
func (p *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UnprotectedRoutes[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		key := clientKey(r)
		if !p.Allow(key) {
			slog.Warn("rate limited", "key", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			api.WriteError(w, utils.NewAppError(utils.ErrTooManyRequests, "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if userID, ok := GetUserIDFromContext(r.Context()); ok {
		return "user:" + userID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
