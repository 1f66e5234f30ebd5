// Package ratelimit implements the in-memory sliding-window limiter.
// Header names and config shape are grounded on
// pkg_teacher_ref/net/http/ratelimit_test.go's RateLimitConfig/
// RateLimitError, but the mechanism diverges deliberately from the
// teacher's Redis+Lua fail-closed limiter: the spec mandates process-
// local sliding-window state, not a shared backing store, so there is no
// fail-closed-without-Redis behavior here.
package ratelimit

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Limiter tracks per-key request timestamps in a sliding window.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string][]time.Time)}
}

// CheckAndRecord prunes timestamps older than window, then either
// rejects (count already >= max) or records the current request and
// returns the new count.
func (l *Limiter) CheckAndRecord(key string, max int, window time.Duration) (allowed bool, count int, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	timestamps := l.buckets[key]
	kept := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= max {
		oldest := kept[0]
		retryAfter = window - now.Sub(oldest)
		if retryAfter < 0 {
			retryAfter = 0
		}
		l.buckets[key] = kept
		return false, len(kept), retryAfter
	}

	kept = append(kept, now)
	l.buckets[key] = kept
	return true, len(kept), 0
}

// Reap drops keys with no timestamps inside the window, bounding map
// growth for clients that have gone quiet. Intended to run on a 5-minute
// cadence per the spec.
func (l *Limiter) Reap(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-window)
	for key, timestamps := range l.buckets {
		live := timestamps[:0]
		for _, t := range timestamps {
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(l.buckets, key)
		} else {
			l.buckets[key] = live
		}
	}
}

// RunReaper blocks, reaping on the given cadence until stop is closed. Call
// it from a goroutine started at server boot.
func (l *Limiter) RunReaper(stop <-chan struct{}, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Reap(window)
		case <-stop:
			return
		}
	}
}

// Config configures the rate-limit middleware.
type Config struct {
	Max            int
	Window         time.Duration
	ExcludedPaths  map[string]bool
	KeyFunc        func(c *fiber.Ctx) string
}

// DefaultExcludedPaths skips liveness/metrics probes, matching the
// spec's named exclusion set.
func DefaultExcludedPaths() map[string]bool {
	return map[string]bool{
		"/health":          true,
		"/health/detailed": true,
		"/metrics":         true,
	}
}

// DefaultKeyFunc derives a client key from X-Forwarded-For, then
// X-Real-IP, then "unknown", optionally suffixed with the first 8 bytes
// of a bearer token to differentiate clients sharing a NAT.
func DefaultKeyFunc(c *fiber.Ctx) string {
	key := "unknown"
	if fwd := c.Get("X-Forwarded-For"); fwd != "" {
		key = firstCSV(fwd)
	} else if real := c.Get("X-Real-IP"); real != "" {
		key = real
	}

	if auth := c.Get(fiber.HeaderAuthorization); len(auth) > len("Bearer ") {
		token := auth[len("Bearer "):]
		if len(token) > 8 {
			token = token[:8]
		}
		key += ":" + token
	}
	return key
}

func firstCSV(s string) string {
	for i, r := range s {
		if r == ',' {
			return trimSpace(s[:i])
		}
	}
	return trimSpace(s)
}

func trimSpace(s string) string {
	start := 0
	for start < len(s) && s[start] == ' ' {
		start++
	}
	end := len(s)
	for end > start && s[end-1] == ' ' {
		end--
	}
	return s[start:end]
}

// Middleware builds the fiber handler enforcing cfg against l.
func Middleware(l *Limiter, cfg Config) fiber.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = DefaultKeyFunc
	}

	return func(c *fiber.Ctx) error {
		if cfg.ExcludedPaths[c.Path()] {
			return c.Next()
		}

		key := keyFunc(c)
		allowed, count, retryAfter := l.CheckAndRecord(key, cfg.Max, cfg.Window)

		remaining := cfg.Max - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Set("X-RateLimit-Reset", strconv.Itoa(int(cfg.Window.Seconds())))

		if !allowed {
			c.Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{"code": "rate_limited", "message": "too many requests"},
			})
		}

		return c.Next()
	}
}
