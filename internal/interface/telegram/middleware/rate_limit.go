package middleware

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER MIDDLEWARE
// Per-user token buckets so one member cannot flood the bot.
// ══════════════════════════════════════════════════════════════════════════════

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate per user. Zero disables limiting.
	RequestsPerMinute int

	// BurstSize is the number of commands a user may send at once.
	BurstSize int

	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration

	// Exempt users are never limited.
	Exempt map[string]bool
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 20,
		BurstSize:         5,
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Message returns the reply for a limited user.
func (r RateLimitResult) Message() string {
	seconds := int(r.RetryAfter.Round(time.Second).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("Slow down a little. Try again in %ds.", seconds)
}

// RateLimiter implements per-user rate limiting.
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	checks  int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// pruneEvery is the number of checks between idle bucket sweeps.
const pruneEvery = 256

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Check consumes one token for userID.
func (rl *RateLimiter) Check(userID string) RateLimitResult {
	if rl.config.RequestsPerMinute <= 0 || rl.config.Exempt[userID] {
		return RateLimitResult{Allowed: true}
	}

	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checks++
	if rl.checks%pruneEvery == 0 {
		rl.prune(now)
	}

	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60), rl.config.BurstSize)}
		rl.buckets[userID] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return RateLimitResult{RetryAfter: delay}
	}
	return RateLimitResult{Allowed: true}
}

// Reset forgets the bucket of userID.
func (rl *RateLimiter) Reset(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, userID)
}

// Tracked returns the number of live buckets.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) prune(now time.Time) {
	for id, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.config.IdleTTL {
			delete(rl.buckets, id)
		}
	}
}
