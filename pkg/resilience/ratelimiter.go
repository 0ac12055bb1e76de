package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentinelops/aegis/pkg/errs"
)

// LimitConfig is one token bucket: burst capacity plus steady refill rate.
type LimitConfig struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// DefaultLimitConfig allows 10 burst with 2 tokens/sec refill.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{Capacity: 10, RefillRate: 2}
}

const defaultIdleTTL = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// RateLimiter admits calls per key with lazily created token buckets.
// Waiters on the same key are served in reservation (FIFO) order. Buckets
// idle past the TTL are evicted by a janitor.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	defaults  LimitConfig
	overrides map[string]LimitConfig
	idleTTL   time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates the limiter and starts its eviction janitor.
// overrides may be nil; idleTTL <= 0 selects the 10 minute default.
func NewRateLimiter(defaults LimitConfig, overrides map[string]LimitConfig, idleTTL time.Duration) *RateLimiter {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	rl := &RateLimiter{
		buckets:   make(map[string]*bucket),
		defaults:  defaults,
		overrides: overrides,
		idleTTL:   idleTTL,
		stopCh:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Acquire blocks until n tokens are available for key or ctx expires.
func (rl *RateLimiter) Acquire(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return errs.Validationf("n", "token count must be positive, got %d", n)
	}
	b := rl.bucket(key)
	if n > b.lim.Burst() {
		return errs.Validationf("n", "requested %d tokens exceeds bucket capacity %d", n, b.lim.Burst())
	}
	if err := b.lim.WaitN(ctx, n); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return errs.FromContext(cerr)
		}
		// WaitN refuses reservations that cannot complete before the
		// deadline; that is throttling from the caller's point of view.
		return errs.Wrap(errs.Throttled, "rate limit wait aborted", err)
	}
	return nil
}

// TryAcquire deducts n tokens if immediately available, never blocking.
func (rl *RateLimiter) TryAcquire(key string, n int) bool {
	if n <= 0 {
		return false
	}
	return rl.bucket(key).lim.AllowN(time.Now(), n)
}

// Stop halts the eviction janitor.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Len reports the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) bucket(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		cfg := rl.defaults
		if o, ok := rl.overrides[key]; ok {
			cfg = o
		}
		b = &bucket{lim: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)}
		rl.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictIdle(time.Now())
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUsed) >= rl.idleTTL {
			delete(rl.buckets, key)
		}
	}
}
