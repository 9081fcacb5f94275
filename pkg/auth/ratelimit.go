package auth

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// LimitError is returned when a request exceeds its bucket.
type LimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s (tier %s, retry after %s)", ErrTooManyRequests, e.Tier, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrTooManyRequests }

// TierConfig holds the bucket size for one service tier. Zero
// RequestsPerMinute disables limiting for the tier.
type TierConfig struct {
	RequestsPerMinute int
	Burst             int
}

const limiterIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucketLimiter keeps one token bucket per subject and tier in memory.
// Buckets idle for longer than ten minutes are dropped.
type TokenBucketLimiter struct {
	tiers    map[string]TierConfig
	fallback TierConfig

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// NewTokenBucketLimiter creates a limiter. fallback applies to tiers not
// listed in tiers.
func NewTokenBucketLimiter(tiers map[string]TierConfig, fallback TierConfig) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		tiers:    tiers,
		fallback: fallback,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow takes one token from the identity's bucket.
func (l *TokenBucketLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.Tier()
	cfg, ok := l.tiers[tier]
	if !ok {
		cfg = l.fallback
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)
	key := identity.Subject + "\x00" + tier
	b, ok := l.buckets[key]
	if !ok {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RequestsPerMinute
		}
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return nil
	}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return &LimitError{Tier: tier, RetryAfter: delay}
}

func (l *TokenBucketLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(l.buckets, key)
		}
	}
}

// retryAfterSeconds rounds a delay up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
