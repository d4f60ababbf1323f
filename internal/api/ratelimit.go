package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const defaultIdleTTL = 5 * time.Minute

// RateLimitConfig limits requests per client IP with a token bucket
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused client bucket is kept
	IdleTTL time.Duration
}

// BuildRateLimitConfig returns the tighter limits applied to build submission
func BuildRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 0.5,
		BurstSize:         3,
		IdleTTL:           defaultIdleTTL,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientBuckets holds one token bucket per client. Idle buckets are swept
// during Allow, at most once per IdleTTL.
type clientBuckets struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

func newClientBuckets(config RateLimitConfig) *clientBuckets {
	idleTTL := config.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &clientBuckets{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(config.RequestsPerSecond),
		burst:   config.BurstSize,
		idleTTL: idleTTL,
	}
}

// Allow takes one token from client's bucket at now
func (c *clientBuckets) Allow(client string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) >= c.idleTTL {
		c.sweep(now)
	}

	b, ok := c.buckets[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (c *clientBuckets) sweep(now time.Time) {
	for client, b := range c.buckets {
		if now.Sub(b.lastSeen) >= c.idleTTL {
			delete(c.buckets, client)
		}
	}
	c.lastSweep = now
}

func (c *clientBuckets) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// RateLimitMiddleware answers 429 with Retry-After once a client exhausts its bucket
func RateLimitMiddleware(config RateLimitConfig) func(http.Handler) http.Handler {
	if !config.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	buckets := newClientBuckets(config)
	retry := retryAfter(config.RequestsPerSecond)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)
			if !buckets.Allow(ip, time.Now()) {
				log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("Rate limit exceeded")
				w.Header().Set("Retry-After", retry)
				writeError(w, r, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP returns the first forwarded address, X-Real-IP, or the
// host part of RemoteAddr
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter is the whole number of seconds until one more token is available
func retryAfter(rps float64) string {
	if rps <= 0 || rps >= 1 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(1 / rps)))
}
