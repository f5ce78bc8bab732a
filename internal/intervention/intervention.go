// Package intervention implements the intervention manager (C8, spec.md
// §4.8): given an agent's current state and the attractor it currently
// inhabits, it returns at most one advisory intervention per gate call
// (none/warn/throttle/supervise/restrict/block). Interventions are
// advisory to the orchestrator — the manager itself only maintains the
// throttle action's per-agent rate limiter; it never touches the gate's
// decision.
package intervention

import (
	"context"
	"sync"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/logging"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/ratelimit"
	"github.com/ohana-garden/Vessels-sub002/pkg/metrics"
)

// Kind is the advisory action attached to a gate call.
type Kind string

const (
	None      Kind = "none"
	Warn      Kind = "warn"
	Throttle  Kind = "throttle"
	Supervise Kind = "supervise"
	Restrict  Kind = "restrict"
	Block     Kind = "block"
)

// Config carries the tenure thresholds T1<T2<T3 and the throttle action's
// rate limit factor (spec.md §4.8, §6: "Intervention thresholds
// T1<T2<T3, rate-limit factors").
type Config struct {
	T1             time.Duration
	T2             time.Duration
	T3             time.Duration
	ThrottleFactor float64 // (0,1], applied to the baseline rate limiter
}

// DefaultConfig returns conservative tenure thresholds: an agent in a
// detrimental attractor is throttled for its first 5 minutes there,
// supervised from 5 minutes, restricted from 30 minutes, and blocked from
// 2 hours.
func DefaultConfig() Config {
	return Config{
		T1:             5 * time.Minute,
		T2:             30 * time.Minute,
		T3:             2 * time.Hour,
		ThrottleFactor: 0.25,
	}
}

func (c Config) sanitize() Config {
	if c.T1 <= 0 {
		c.T1 = 5 * time.Minute
	}
	if c.T2 <= c.T1 {
		c.T2 = c.T1 * 6
	}
	if c.T3 <= c.T2 {
		c.T3 = c.T2 * 4
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor > 1 {
		c.ThrottleFactor = 0.25
	}
	return c
}

// AttractorInfo is the subset of an attractor record the manager needs,
// decoupled from internal/attractor so this package never imports the
// clustering engine directly.
type AttractorInfo struct {
	ID             string
	Classification string // "beneficial" | "neutral" | "detrimental"
	KillSwitch     bool
}

// Decision is the result of one Decide call.
type Decision struct {
	Kind            Kind
	Reason          string
	RateLimitFactor float64 // populated when Kind == Throttle
}

// Manager holds the kill-switch tag set (spec.md §4.8: "explicit
// kill-switch tag set on the attractor") and the per-agent rate limiter
// registry the throttle action maintains.
type Manager struct {
	cfg      Config
	limiters *ratelimit.Registry
	logger   *logging.Logger

	mu         sync.RWMutex
	killSwitch map[string]bool
}

// New creates a Manager. limiters may be nil if the caller does not wire
// the throttle action to an actual rate limiter (Decide still reports
// the Throttle kind and factor either way).
func New(cfg Config, limiters *ratelimit.Registry, logger *logging.Logger) *Manager {
	return &Manager{
		cfg:        cfg.sanitize(),
		limiters:   limiters,
		logger:     logger,
		killSwitch: make(map[string]bool),
	}
}

// SetKillSwitch tags or untags an attractor for the `block` intervention.
// The tag forces `block` regardless of tenure, but only while the attractor
// is classified detrimental; it has no effect on neutral or beneficial ones.
func (m *Manager) SetKillSwitch(attractorID string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.killSwitch[attractorID] = true
	} else {
		delete(m.killSwitch, attractorID)
	}
}

func (m *Manager) killSwitched(attractorID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killSwitch[attractorID]
}

// Decide computes the intervention for one gate call (spec.md §4.8).
// attractor is nil when the agent belongs to no attractor. residualViolations
// is the count of violations left unresolved by the current gate call
// (0 for a clean allow).
func (m *Manager) Decide(ctx context.Context, agentID string, attractor *AttractorInfo, tenure time.Duration, residualViolations int) Decision {
	decision := m.decide(agentID, attractor, tenure, residualViolations)
	metrics.RecordIntervention(string(decision.Kind))
	if m.limiters != nil {
		if decision.Kind == Throttle {
			m.limiters.Throttle(agentID, decision.RateLimitFactor)
		} else {
			m.limiters.Release(agentID)
		}
	}
	if m.logger != nil {
		attractorID := ""
		if attractor != nil {
			attractorID = attractor.ID
		}
		m.logger.LogIntervention(ctx, agentID, string(decision.Kind), attractorID)
	}
	return decision
}

func (m *Manager) decide(agentID string, attractor *AttractorInfo, tenure time.Duration, residualViolations int) Decision {
	if attractor == nil || attractor.Classification == "beneficial" {
		return Decision{Kind: None, Reason: "no attractor or beneficial"}
	}
	if attractor.Classification == "neutral" {
		if residualViolations > 0 {
			return Decision{Kind: Warn, Reason: "neutral attractor with residual violations"}
		}
		return Decision{Kind: None, Reason: "neutral attractor, clean call"}
	}

	// attractor.Classification == "detrimental": spec.md §4.8 scopes the
	// kill switch to this branch, alongside the tenure thresholds it
	// stands in for ("tenure >= T3 or explicit kill-switch tag set") — a
	// kill-switched neutral (or beneficial) attractor is not in scope.
	if m.killSwitched(attractor.ID) {
		return Decision{Kind: Block, Reason: "kill_switch"}
	}
	switch {
	case tenure >= m.cfg.T3:
		return Decision{Kind: Block, Reason: "tenure >= T3"}
	case tenure >= m.cfg.T2:
		return Decision{Kind: Restrict, Reason: "tenure >= T2"}
	case tenure >= m.cfg.T1:
		return Decision{Kind: Supervise, Reason: "tenure >= T1"}
	default:
		return Decision{Kind: Throttle, Reason: "tenure < T1", RateLimitFactor: m.cfg.ThrottleFactor}
	}
}
