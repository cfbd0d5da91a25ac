// Package ratelimit provides a token-bucket limiter for the HTTP API.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/velvetrooms/escrowd/internal/auth"
	"github.com/velvetrooms/escrowd/internal/metrics"
)

// Config configures a limiter.
type Config struct {
	// RequestsPerMinute is the sustained rate per key.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// IdleTTL drops buckets unused for this long.
	IdleTTL time.Duration
}

// DefaultConfig suits interactive end-user traffic.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, IdleTTL: 2 * time.Minute}
}

// WebhookConfig allows provider retry storms through.
func WebhookConfig() Config {
	return Config{RequestsPerMinute: 600, BurstSize: 100, IdleTTL: 2 * time.Minute}
}

// Limiter holds one token bucket per key.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a limiter. Call Run to evict idle buckets.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Run evicts idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

func (l *Limiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Allow takes a token from key's bucket. When empty it returns false and
// the wait until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), last: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.last).Seconds()*perSecond)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Middleware limits requests per authenticated user, falling back to the
// client IP. group labels the rejection metric.
func (l *Limiter) Middleware(group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := auth.UserID(c); id != 0 {
			key = "user:" + strconv.FormatInt(id, 10)
		}

		ok, wait := l.Allow(key)
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(group).Inc()
			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}
