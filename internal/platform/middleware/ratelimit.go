package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/platform/auth"
	"github.com/claimrisk/claimrisk/internal/platform/cache"
)

// RateLimitConfig holds rate limiting configuration. Counters live in the
// shared cache keyed by (principal, window). When the cache is down,
// production fails fast if RequireCache is set; development falls back to
// a per-process token bucket with a warning.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	RequireCache      bool
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         100,
	}
}

// tokenBucket implements the in-process fallback limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// fallbackStore holds per-principal token buckets for development use.
type fallbackStore struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	config  RateLimitConfig
}

func newFallbackStore(cfg RateLimitConfig) *fallbackStore {
	return &fallbackStore{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
	}
}

func (s *fallbackStore) getBucket(key string) *tokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(float64(s.config.RequestsPerMinute)/60.0, s.config.BurstSize)
	s.buckets[key] = bucket
	return bucket
}

// RateLimit returns a rate limiting middleware over fixed one-minute
// windows in the shared cache.
func RateLimit(cfg RateLimitConfig, store cache.Cache, logger zerolog.Logger) echo.MiddlewareFunc {
	fallback := newFallbackStore(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Principal: authenticated user id, anonymous requests by IP.
			key := auth.UserIDFromContext(c.Request().Context())
			if key == "" {
				key = c.RealIP()
			}

			window := time.Now().UTC().Truncate(time.Minute).Unix()
			cacheKey := fmt.Sprintf("rate:%s:%d", key, window)

			count, err := store.Increment(c.Request().Context(), cacheKey, 2*time.Minute)
			if err != nil {
				if cfg.RequireCache {
					logger.Error().Err(err).Msg("rate limiter cache unavailable")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "rate limiter unavailable")
				}
				logger.Warn().Err(err).Msg("rate limiter cache unavailable, using in-memory fallback")
				if !fallback.getBucket(key).allow() {
					return tooManyRequests(c, cfg)
				}
				return next(c)
			}

			remaining := int64(cfg.RequestsPerMinute) - count
			if remaining < 0 {
				remaining = 0
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > int64(cfg.RequestsPerMinute) {
				return tooManyRequests(c, cfg)
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, cfg RateLimitConfig) error {
	retryAfter := 60 - time.Now().UTC().Second()
	c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
	c.Response().Header().Set("X-RateLimit-Remaining", "0")
	return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
}
