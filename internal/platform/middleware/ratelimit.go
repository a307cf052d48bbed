package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/docvault/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL evicts buckets not touched for this long. Zero means 10m.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           10 * time.Minute,
	}
}

// bucket is a token bucket. Callers hold the limiter lock.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// limiter keeps one bucket per caller key.
type limiter struct {
	rate      float64
	burst     float64
	idleTTL   time.Duration
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &limiter{
		rate:    cfg.RequestsPerSecond,
		burst:   float64(burst),
		idleTTL: ttl,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When none is left it reports how long the
// caller should wait before the next token is available.
func (l *limiter) take(key string, now time.Time) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}

	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate)
	b.lastSeen = now

	if b.tokens < 1 {
		if l.rate <= 0 {
			return 0, time.Second, false
		}
		return 0, time.Duration((1 - b.tokens) / l.rate * float64(time.Second)), false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// sweep drops buckets idle for longer than idleTTL.
func (l *limiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// limitKey identifies the caller: the authenticated identity when there is
// one, otherwise the client IP.
func limitKey(c echo.Context) string {
	if identity := auth.IdentityFromContext(c.Request().Context()); identity != "" {
		return "id:" + identity
	}
	return "ip:" + c.RealIP()
}

// RateLimit returns a rate limiting middleware. Authenticated callers are
// limited per identity; anonymous requests per client IP. It must run after
// the auth middleware to see the identity.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return rateLimit(newLimiter(cfg), time.Now)
}

func rateLimit(l *limiter, now func() time.Time) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.rate, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			remaining, wait, ok := l.take(limitKey(c), now())

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
