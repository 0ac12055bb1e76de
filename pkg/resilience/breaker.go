// Package resilience provides the failure-handling primitives shared by the
// kernel: per-dependency circuit breakers, per-key token-bucket rate limiting,
// and the one retry/backoff policy injected everywhere retries happen.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sentinelops/aegis/pkg/errs"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the failure count within Window that opens the
	// breaker.
	FailureThreshold uint32
	// Window is the failure counting period while closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the stock settings: 5 failures in 60s opens,
// 30s cooldown.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// BreakerSnapshot is a read-only view of breaker state for monitoring.
type BreakerSnapshot struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	Requests       uint32    `json:"requests"`
	Failures       uint32    `json:"failures"`
	LastTransition time.Time `json:"last_transition,omitzero"`
}

// Breaker gates calls to one dependency. Open and half-open admission are
// handled by gobreaker; this wrapper adds context handling, taxonomy mapping,
// and snapshots. Cancellations do not count as dependency failures.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker

	mu             sync.Mutex
	lastTransition time.Time

	onChange func(name, from, to string)
}

// NewBreaker creates a breaker for the named dependency. onChange may be nil.
func NewBreaker(name string, cfg BreakerConfig, logger *slog.Logger, onChange func(name, from, to string)) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{name: name, onChange: onChange}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single probe while half-open
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastTransition = time.Now().UTC()
			b.mu.Unlock()
			logger.Info("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if b.onChange != nil {
				b.onChange(name, from.String(), to.String())
			}
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about dependency health.
			return err == nil || errs.IsKind(err, errs.Cancelled)
		},
	})
	return b
}

// Call runs fn through the breaker. It returns ErrCircuitOpen while the
// breaker is fencing the dependency, otherwise fn's own result. The breaker
// never serializes fn; only state transitions take the internal lock.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	result, err := b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Newf(errs.CircuitOpen, "dependency %s fenced", b.name)
		}
		return result, err
	}
	return result, nil
}

// Snapshot returns the current observable state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	b.mu.Lock()
	last := b.lastTransition
	b.mu.Unlock()
	return BreakerSnapshot{
		Name:           b.name,
		State:          b.cb.State().String(),
		Requests:       counts.Requests,
		Failures:       counts.TotalFailures,
		LastTransition: last,
	}
}

// BreakerGroup lazily creates one breaker per dependency name, applying
// per-name overrides over the default config.
type BreakerGroup struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	logger    *slog.Logger
	onChange  func(name, from, to string)
}

// NewBreakerGroup creates a group. overrides and onChange may be nil.
func NewBreakerGroup(defaults BreakerConfig, overrides map[string]BreakerConfig, logger *slog.Logger, onChange func(name, from, to string)) *BreakerGroup {
	return &BreakerGroup{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		overrides: overrides,
		logger:    logger,
		onChange:  onChange,
	}
}

// Get returns the breaker for name, creating it on first use.
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	cfg := g.defaults
	if o, ok := g.overrides[name]; ok {
		cfg = o
	}
	b := NewBreaker(name, cfg, g.logger, g.onChange)
	g.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker created so far.
func (g *BreakerGroup) Snapshots() []BreakerSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
