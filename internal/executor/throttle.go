package executor

import (
	"context"
	"sync"
	"time"

	"github.com/vk/ipamctl/internal/ctxlog"
	"github.com/vk/ipamctl/internal/metrics"
)

// ThrottleConfig tunes the adaptive concurrency controller.
type ThrottleConfig struct {
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int

	IncreaseFactor        float64
	DecreaseFactor        float64
	RateLimitDecreaseFact float64

	AdjustmentInterval time.Duration
	HealthyErrorRate   float64
	UnhealthyErrorRate float64
	HighLatency        time.Duration
	MaxLatencySamples  int
}

func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		InitialConcurrency:    10,
		MinConcurrency:        1,
		MaxConcurrency:        50,
		IncreaseFactor:        1.2,
		DecreaseFactor:        0.8,
		RateLimitDecreaseFact: 0.5,
		AdjustmentInterval:    10 * time.Second,
		HealthyErrorRate:      0.01,
		UnhealthyErrorRate:    0.05,
		HighLatency:           time.Second,
		MaxLatencySamples:     100,
	}
}

func (c *ThrottleConfig) applyDefaults() {
	d := DefaultThrottleConfig()
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = d.InitialConcurrency
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = d.MinConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.IncreaseFactor <= 1.0 {
		c.IncreaseFactor = d.IncreaseFactor
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1.0 {
		c.DecreaseFactor = d.DecreaseFactor
	}
	if c.RateLimitDecreaseFact <= 0 || c.RateLimitDecreaseFact >= 1.0 {
		c.RateLimitDecreaseFact = d.RateLimitDecreaseFact
	}
	if c.AdjustmentInterval <= 0 {
		c.AdjustmentInterval = d.AdjustmentInterval
	}
	if c.HealthyErrorRate <= 0 {
		c.HealthyErrorRate = d.HealthyErrorRate
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = d.UnhealthyErrorRate
	}
	if c.HighLatency <= 0 {
		c.HighLatency = d.HighLatency
	}
	if c.MaxLatencySamples <= 0 {
		c.MaxLatencySamples = d.MaxLatencySamples
	}
}

// AdaptiveThrottle bounds in-flight remote operations and moves the bound
// with observed health: widen when error rate and latency are low, narrow
// on errors, halve immediately on a rate limit response.
type AdaptiveThrottle struct {
	cfg ThrottleConfig
	met *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	active  int
	current int

	total          int
	failed         int
	latencies      []time.Duration
	lastAdjustment time.Time
	now            func() time.Time
}

func NewAdaptiveThrottle(cfg ThrottleConfig, met *metrics.Metrics) *AdaptiveThrottle {
	cfg.applyDefaults()
	t := &AdaptiveThrottle{
		cfg:     cfg,
		met:     met,
		current: cfg.InitialConcurrency,
		now:     time.Now,
	}
	t.cond = sync.NewCond(&t.mu)
	t.lastAdjustment = t.now()
	if met != nil {
		met.Concurrency.Set(float64(t.current))
	}
	return t
}

// Acquire blocks until a slot is free or the context is canceled.
func (t *AdaptiveThrottle) Acquire(ctx context.Context) error {
	// Wake all waiters when the context dies, so the cond wait can observe it.
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.active >= t.current {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.active++
	return nil
}

func (t *AdaptiveThrottle) Release() {
	t.mu.Lock()
	t.active--
	t.cond.Signal()
	t.mu.Unlock()
}

// RecordSuccess feeds a completed operation's latency into the window.
func (t *AdaptiveThrottle) RecordSuccess(ctx context.Context, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.latencies = append(t.latencies, latency)
	if len(t.latencies) > t.cfg.MaxLatencySamples {
		t.latencies = t.latencies[1:]
	}
	t.maybeAdjust(ctx)
}

// RecordFailure feeds a failed operation into the window. Rate limit
// failures trigger an immediate narrowing.
func (t *AdaptiveThrottle) RecordFailure(ctx context.Context, rateLimited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.failed++
	if rateLimited {
		t.decrease(ctx, t.cfg.RateLimitDecreaseFact, "rate limit")
		t.lastAdjustment = t.now()
		return
	}
	t.maybeAdjust(ctx)
}

// Concurrency returns the current limit.
func (t *AdaptiveThrottle) Concurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// maybeAdjust rebalances the limit at most once per adjustment interval.
// Callers hold the lock.
func (t *AdaptiveThrottle) maybeAdjust(ctx context.Context) {
	if t.now().Sub(t.lastAdjustment) < t.cfg.AdjustmentInterval {
		return
	}
	t.lastAdjustment = t.now()

	if t.total == 0 {
		return
	}
	errorRate := float64(t.failed) / float64(t.total)
	avgLatency := t.averageLatency()

	switch {
	case errorRate < t.cfg.HealthyErrorRate && avgLatency < t.cfg.HighLatency:
		t.increase(ctx)
	case errorRate > t.cfg.UnhealthyErrorRate || avgLatency >= t.cfg.HighLatency:
		t.decrease(ctx, t.cfg.DecreaseFactor, "degraded health")
	}
	t.total = 0
	t.failed = 0
}

func (t *AdaptiveThrottle) averageLatency() time.Duration {
	if len(t.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range t.latencies {
		sum += l
	}
	return sum / time.Duration(len(t.latencies))
}

func (t *AdaptiveThrottle) increase(ctx context.Context) {
	step := int(float64(t.current) * (t.cfg.IncreaseFactor - 1.0))
	if step < 1 {
		step = 1
	}
	next := t.current + step
	if next > t.cfg.MaxConcurrency {
		next = t.cfg.MaxConcurrency
	}
	if next == t.current {
		return
	}
	ctxlog.FromContext(ctx).Debug("Raising concurrency limit.",
		"from", t.current, "to", next)
	t.current = next
	if t.met != nil {
		t.met.Concurrency.Set(float64(next))
	}
	t.cond.Broadcast()
}

func (t *AdaptiveThrottle) decrease(ctx context.Context, factor float64, reason string) {
	step := int(float64(t.current) * (1.0 - factor))
	if step < 1 {
		step = 1
	}
	next := t.current - step
	if next < t.cfg.MinConcurrency {
		next = t.cfg.MinConcurrency
	}
	if next == t.current {
		return
	}
	ctxlog.FromContext(ctx).Warn("Lowering concurrency limit.",
		"from", t.current, "to", next, "reason", reason)
	t.current = next
	if t.met != nil {
		t.met.Concurrency.Set(float64(next))
	}
}
