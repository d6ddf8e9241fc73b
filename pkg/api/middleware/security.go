package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
)

// CORS sets the cross-origin headers. allowedOrigins is "*" or a
// comma-separated list matched against the Origin header. Preflight
// requests are answered here without reaching the router.
func CORS(allowedOrigins string) Middleware {
	allowAll := strings.TrimSpace(allowedOrigins) == "*"
	allowed := make(map[string]struct{})
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(c *Context, next Next) error {
		h := c.Response.Header
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			if _, ok := allowed[origin]; ok || allowAll {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Expose-Headers", HeaderResponseTime)

		if c.Request.Method == http.MethodOptions {
			c.NoContent()
			return nil
		}
		return next()
	}
}

// BodyLimit caps the request body at limit bytes. Reads past the cap fail
// with *http.MaxBytesError, which classifies as 413. limit <= 0 disables it.
func BodyLimit(limit int64) Middleware {
	return func(c *Context, next Next) error {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(nil, c.Request.Body, limit)
		}
		return next()
	}
}

// ---------------------------------------------------------------------------
// Rate limiting - one token bucket per client address.
// ---------------------------------------------------------------------------

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter keeps a rate.Limiter per client key. A key idle long enough
// for its bucket to refill completely carries no state and is pruned.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// NewRateLimiter allows requests per window for each client: a burst of
// requests, refilled evenly across the window. requests <= 0 or window <= 0
// disables it.
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	if requests <= 0 || window <= 0 {
		return newRateLimiter(0, 0)
	}
	return newRateLimiter(rate.Every(window/time.Duration(requests)), requests)
}

// NewTokenBucket allows rps requests per second for each client with the
// given burst. Non-positive values disable it.
func NewTokenBucket(rps float64, burst int) *RateLimiter {
	if rps <= 0 || burst <= 0 {
		return newRateLimiter(0, 0)
	}
	return newRateLimiter(rate.Limit(rps), burst)
}

func newRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	l := &RateLimiter{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
	if l.enabled() {
		l.idle = time.Duration(float64(burst) / float64(limit) * float64(time.Second))
	}
	return l
}

func (l *RateLimiter) enabled() bool {
	return l != nil && l.limit > 0 && l.burst > 0
}

// Allow records a request from key and reports whether it fits the budget.
func (l *RateLimiter) Allow(key string) bool {
	if !l.enabled() {
		return true
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// Prune drops clients idle long enough for their bucket to be full again.
func (l *RateLimiter) Prune() int {
	if !l.enabled() {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if now.Sub(e.seen) >= l.idle {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports how many clients are tracked.
func (l *RateLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RetryAfter is the wait, in whole seconds, for one token to come back.
func (l *RateLimiter) RetryAfter() int {
	if !l.enabled() {
		return 1
	}
	secs := int(math.Ceil(1 / float64(l.limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Middleware rejects clients over budget with an exposed 429. Proxy headers
// pick the client key only when trustProxy is set.
func (l *RateLimiter) Middleware(trustProxy bool) Middleware {
	retryAfter := strconv.Itoa(l.RetryAfter())
	return func(c *Context, next Next) error {
		if !l.Allow(ClientIP(c.Request, trustProxy)) {
			c.Response.Header.Set("Retry-After", retryAfter)
			return apierr.Expose(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next()
	}
}

// RateLimit is shorthand for NewRateLimiter(requests, window).Middleware(false).
func RateLimit(requests int, window time.Duration) Middleware {
	return NewRateLimiter(requests, window).Middleware(false)
}

// ClientIP resolves the caller address. X-Forwarded-For and X-Real-IP are
// read only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
			first, _, _ := strings.Cut(ip, ",")
			return strings.TrimSpace(first)
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
