package security

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter decides whether a keyed caller may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) (*RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitConfig holds rate limiting configuration. Try-on requests hold
// a connection for minutes, so limits are per minute with a small burst.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// InMemoryRateLimiter is a per-key token bucket
type InMemoryRateLimiter struct {
	config *RateLimitConfig
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stop     chan struct{}
	stopOnce sync.Once
	nowFunc  func() time.Time // for testing
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewInMemoryRateLimiter creates a limiter and starts its cleanup loop
func NewInMemoryRateLimiter(config *RateLimitConfig, logger *logrus.Logger) *InMemoryRateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 30
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}

	rl := &InMemoryRateLimiter{
		config:  config,
		logger:  logger,
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from key's bucket if available
func (rl *InMemoryRateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = b
	}

	perSecond := float64(rl.config.RequestsPerMinute) / 60
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		refill := elapsed.Seconds() * float64(rl.config.RequestsPerMinute) / 60
		b.tokens = math.Min(b.tokens+refill, float64(rl.config.BurstSize))
		b.lastRefill = now
	}

	result := &RateLimitResult{Limit: rl.config.BurstSize}
	if b.tokens >= 1 {
		b.tokens--
		result.Allowed = true
		result.Remaining = int(b.tokens)
		return result, nil
	}

	result.RetryAfter = time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	rl.logger.WithFields(logrus.Fields{
		"key":         maskKey(key),
		"retry_after": result.RetryAfter,
	}).Warn("Rate limit exceeded")
	return result, nil
}

// Reset drops key's bucket
func (rl *InMemoryRateLimiter) Reset(ctx context.Context, key string) error {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
	return nil
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

// cleanup removes buckets idle longer than IdleTimeout
func (rl *InMemoryRateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.nowFunc().Add(-rl.config.IdleTimeout)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
	return removed
}

// Stop ends the cleanup loop; safe to call more than once
func (rl *InMemoryRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimitMiddleware rejects callers over their limit with 429
func RateLimitMiddleware(limiter RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rate_limit_error", "Rate limiting error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor keys on the authenticated user, else the client IP
func DefaultKeyExtractor(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "user:" + info.UserID
	}
	return "ip:" + ClientIP(r)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}
