// Package meter implements the operational meter (C2, spec.md §4.2): it
// derives the five operational phase-space scalars (activity, coordination,
// effectiveness, resource, health) from an agent's recent action events.
package meter

import (
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/errors"
	"github.com/ohana-garden/Vessels-sub002/internal/signallog"
)

// Config controls the meter's windowing and confidence floor.
type Config struct {
	// ActivityWindow bounds the actions-per-unit-time measure (spec.md
	// §4.2 "default 60s").
	ActivityWindow time.Duration
	// ActivityCeiling is the actions-per-window count that saturates
	// activity to 1.
	ActivityCeiling float64
	// KMin is the sample count at which confidence saturates to 1.
	KMin int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{ActivityWindow: 60 * time.Second, ActivityCeiling: 20, KMin: 10}
}

func (c Config) sanitize() Config {
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = 60 * time.Second
	}
	if c.ActivityCeiling <= 0 {
		c.ActivityCeiling = 20
	}
	if c.KMin <= 0 {
		c.KMin = 10
	}
	return c
}

// Result is the meter's output: five clamped scalars with one confidence
// value each.
type Result struct {
	Activity, Coordination, Effectiveness, Resource, Health                    float64
	ConfActivity, ConfCoordination, ConfEffectiveness, ConfResource, ConfHealth float64
}

// Meter derives operational state from a shared signal log.
type Meter struct {
	cfg Config
	log *signallog.Log
}

// New creates a Meter reading from log.
func New(cfg Config, log *signallog.Log) *Meter {
	return &Meter{cfg: cfg.sanitize(), log: log}
}

// Measure computes the five operational scalars for agentID as of now.
// It returns errors.InsufficientSignal only when the action window is
// entirely empty (spec.md §4.2: "Fails... only when all five have zero
// samples").
func (m *Meter) Measure(agentID string, now time.Time) (Result, error) {
	snap := m.log.Window(agentID, now)
	actions := snap.Actions
	if len(actions) == 0 {
		return Result{
			Activity: 0, Coordination: 0.5, Effectiveness: 0.5, Resource: 0.5, Health: 0.5,
		}, errors.InsufficientSignal("operational_meter", 0)
	}

	windowStart := now.Add(-m.cfg.ActivityWindow)
	activityCount := 0
	for _, a := range actions {
		if !a.At.Before(windowStart) {
			activityCount++
		}
	}
	activity := float64(activityCount) / m.cfg.ActivityCeiling
	if activity > 1 {
		activity = 1
	}

	coordination := emaOverActions(actions, func(a signallog.ActionRecord) (float64, bool) {
		if len(a.Peers) > 0 {
			return 1, true
		}
		return 0, true
	})

	effectivenessSamples := 0
	effectiveness := emaOverActions(actions, func(a signallog.ActionRecord) (float64, bool) {
		if a.Success == nil {
			return 0, false
		}
		effectivenessSamples++
		if *a.Success {
			return 1, true
		}
		return 0, true
	})

	resourceSamples := 0
	resource := emaOverActions(actions, func(a signallog.ActionRecord) (float64, bool) {
		if a.Cost <= 0 {
			return 0, false
		}
		resourceSamples++
		return a.Cost, true
	})

	errorRate := emaOverActions(actions, func(a signallog.ActionRecord) (float64, bool) {
		if a.IsError {
			return 1, true
		}
		return 0, true
	})
	health := 1 - errorRate

	kmin := float64(m.cfg.KMin)
	return Result{
		Activity:          clamp01(activity),
		Coordination:      clamp01(coordination),
		Effectiveness:     clamp01(effectiveness),
		Resource:          clamp01(resource),
		Health:            clamp01(health),
		ConfActivity:      confidenceOf(float64(len(actions)), kmin),
		ConfCoordination:  confidenceOf(float64(len(actions)), kmin),
		ConfEffectiveness: confidenceOf(float64(effectivenessSamples), kmin),
		ConfResource:      confidenceOf(float64(resourceSamples), kmin),
		ConfHealth:        confidenceOf(float64(len(actions)), kmin),
	}, nil
}

// emaOverActions applies exponential smoothing over actions in order,
// starting from the neutral prior 0.5 (spec.md §4.2: "missing outcome data
// decays the value toward 0.5"), using a fixed smoothing factor. Actions
// whose observe func reports false (no usable signal) are skipped, neither
// advancing nor decaying the running average.
func emaOverActions(actions []signallog.ActionRecord, observe func(signallog.ActionRecord) (float64, bool)) float64 {
	const alpha = 0.3
	val := 0.5
	for _, a := range actions {
		obs, ok := observe(a)
		if !ok {
			continue
		}
		val = alpha*obs + (1-alpha)*val
	}
	return val
}

func confidenceOf(samples, kmin float64) float64 {
	if kmin <= 0 {
		return 1
	}
	c := samples / kmin
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
