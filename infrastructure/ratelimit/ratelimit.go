// Package ratelimit backs the intervention manager's "throttle" action
// (spec §4.8): a detrimental-attractor agent below tenure threshold T1 gets a
// reduced per-agent token bucket instead of an outright block.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures a per-agent throttle.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the unthrottled baseline rate applied to agents
// outside any detrimental attractor.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 100, Burst: 200}
}

func (c Config) sanitize() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 100
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RequestsPerSecond * 2)
	}
	return c
}

// Scale returns a Config whose rate and burst are multiplied by factor,
// clamped so factor=0 does not produce an unusable zero-rate limiter;
// factor is expected in (0,1] per spec §4.8's "rate limit factor".
func (c Config) Scale(factor float64) Config {
	c = c.sanitize()
	if factor <= 0 {
		factor = 0.01
	}
	if factor > 1 {
		factor = 1
	}
	scaled := Config{
		RequestsPerSecond: c.RequestsPerSecond * factor,
		Burst:             c.Burst,
	}
	if scaled.Burst = int(float64(c.Burst) * factor); scaled.Burst < 1 {
		scaled.Burst = 1
	}
	return scaled
}

// Limiter is a single token bucket.
type Limiter struct {
	limiter *rate.Limiter
	config  Config
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	cfg = cfg.sanitize()
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst), config: cfg}
}

// Allow reports whether an action may proceed now.
func (l *Limiter) Allow() bool { return l.limiter.Allow() }

// Wait blocks until an action may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error { return l.limiter.Wait(ctx) }

// Config returns the limiter's current configuration.
func (l *Limiter) Config() Config { return l.config }

// Registry holds one Limiter per agent, created lazily at the baseline rate
// and replaced when the intervention manager throttles or releases an agent.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	baseline Config
}

// NewRegistry creates a Registry with the given unthrottled baseline.
func NewRegistry(baseline Config) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), baseline: baseline.sanitize()}
}

// Allow reports whether agentID may proceed now under its current limiter,
// creating a baseline limiter on first use.
func (r *Registry) Allow(agentID string) bool {
	return r.limiterFor(agentID).Allow()
}

// Throttle installs a scaled-down limiter for agentID, per the intervention
// manager's rate-limit factor.
func (r *Registry) Throttle(agentID string, factor float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[agentID] = New(r.baseline.Scale(factor))
}

// Release restores agentID to the unthrottled baseline rate.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[agentID] = New(r.baseline)
}

func (r *Registry) limiterFor(agentID string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[agentID]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[agentID]; ok {
		return l
	}
	l = New(r.baseline)
	r.limiters[agentID] = l
	return l
}

// FactorFor returns the current factor (relative to baseline RPS) installed
// for agentID, 1.0 if unthrottled or unknown.
func (r *Registry) FactorFor(agentID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[agentID]
	if !ok || r.baseline.RequestsPerSecond <= 0 {
		return 1.0
	}
	return l.config.RequestsPerSecond / r.baseline.RequestsPerSecond
}
