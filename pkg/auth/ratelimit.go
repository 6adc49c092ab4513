package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a caller may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierLimiter keeps one token bucket per subject and tier. Each tier
// allows a number of requests per minute with a burst of the same size.
type TierLimiter struct {
	tiers      map[string]int
	defaultRPM int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleBucketTTL bounds how long an unused bucket is kept.
const idleBucketTTL = 10 * time.Minute

// NewTierLimiter creates a limiter. tiers maps tier names to requests per
// minute; unknown tiers use defaultRPM. A rate of zero disables limiting.
func NewTierLimiter(tiers map[string]int, defaultRPM int) *TierLimiter {
	return &TierLimiter{
		tiers:      tiers,
		defaultRPM: defaultRPM,
		buckets:    make(map[string]*bucket),
		now:        time.Now,
	}
}

// Allow takes a token from the caller's bucket or returns ErrTooManyRequests.
func (l *TierLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.Tier
	if tier == "" {
		tier = "default"
	}
	rpm := l.defaultRPM
	if n, ok := l.tiers[tier]; ok {
		rpm = n
	}
	if rpm <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		l.evictIdle(now)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm), lastSeen: now}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		return ErrTooManyRequests
	}
	return nil
}

// evictIdle drops buckets unused for idleBucketTTL. Called with mu held.
func (l *TierLimiter) evictIdle(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(l.buckets, key)
		}
	}
}
