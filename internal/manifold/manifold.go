// Package manifold implements the constraint manifold and bounded
// projection (C4, spec.md §4.4 — "hardest subsystem"): the base
// virtue-virtue and virtue-operational couplings, the truthfulness
// dampening rewrite, overlay composition, and the nearest-valid-state
// repair loop that the action gate calls when a candidate state is
// invalid.
package manifold

import (
	"errors"
	"sort"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/resilience"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
)

// ErrOverlayRemovesBase is returned by AddOverlay when an overlay's
// constraint ID collides with (and would redefine) a base constraint,
// violating "overlays may add, never remove, base constraints" (spec.md
// §3, §9 Open Question).
var ErrOverlayRemovesBase = errors.New("manifold: overlay constraint ID collides with a base constraint")

// Manifold holds the immutable base constraint set plus named, additive
// overlays (spec.md §3: "Constraints are additive across overlays").
type Manifold struct {
	base     []Constraint
	baseIDs  map[string]bool
	overlays map[string][]Constraint
}

// New returns a Manifold with the base constraint set of spec.md §4.4
// loaded, and no overlays registered.
func New() *Manifold {
	base := baseConstraints()
	ids := make(map[string]bool, len(base))
	for _, c := range base {
		ids[c.ID] = true
	}
	return &Manifold{base: base, baseIDs: ids, overlays: make(map[string][]Constraint)}
}

// AddOverlay registers a named set of additional constraints. It rejects
// (ErrOverlayRemovesBase) any overlay whose constraint IDs collide with a
// base constraint ID, per the startup check spec.md §9 calls for.
func (m *Manifold) AddOverlay(name string, constraints []Constraint) error {
	for _, c := range constraints {
		if m.baseIDs[c.ID] {
			return ErrOverlayRemovesBase
		}
	}
	cp := make([]Constraint, len(constraints))
	copy(cp, constraints)
	m.overlays[name] = cp
	return nil
}

// active returns the base constraints plus every named overlay that is
// both registered and requested, in base-then-overlay-name order.
func (m *Manifold) active(overlayNames []string) []Constraint {
	if len(overlayNames) == 0 {
		return m.base
	}
	out := make([]Constraint, len(m.base), len(m.base)+8)
	copy(out, m.base)
	for _, name := range overlayNames {
		out = append(out, m.overlays[name]...)
	}
	return out
}

func evaluateAll(constraints []Constraint, s moralstate.State) []RepairStep {
	var violations []RepairStep
	for _, c := range constraints {
		violations = append(violations, c.Evaluate(s)...)
	}
	return violations
}

// Valid reports whether s satisfies every active constraint, after applying
// the truthfulness dampening rewrite.
func (m *Manifold) Valid(s moralstate.State, overlayNames []string) bool {
	dampened := Dampen(s)
	return len(evaluateAll(m.active(overlayNames), dampened)) == 0
}

// Violations returns every failing RepairStep for s against the active
// constraint set, after dampening.
func (m *Manifold) Violations(s moralstate.State, overlayNames []string) []RepairStep {
	return evaluateAll(m.active(overlayNames), Dampen(s))
}

// ProjectionConfig bounds the repair loop (spec.md §4.4, §6: "Projection N,
// per-dim step cap").
type ProjectionConfig struct {
	MaxIterations int
	StepCap       float64 // 0 disables the cap
}

// DefaultProjectionConfig mirrors the spec's suggested defaults.
func DefaultProjectionConfig() ProjectionConfig {
	return ProjectionConfig{MaxIterations: 16, StepCap: 0}
}

// ProjectionResult is the outcome of a single Project call.
type ProjectionResult struct {
	State              moralstate.State
	Iterations         int
	OriginalViolations []RepairStep
	ResidualViolations []RepairStep
	Converged          bool
}

// Project repairs an invalid state toward the valid region (spec.md §4.4):
// apply dampening once, then iteratively move each failing dimension
// toward its required value by a bounded step, reclamp, and re-check,
// until the manifold is satisfied or deadline/MaxIterations is exhausted.
func (m *Manifold) Project(s moralstate.State, overlayNames []string, cfg ProjectionConfig, deadline resilience.Deadline) ProjectionResult {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 16
	}
	active := m.active(overlayNames)
	current := Dampen(s)
	original := evaluateAll(active, current)
	if len(original) == 0 {
		return ProjectionResult{State: current, Converged: true}
	}

	violations := original
	iterations := 0
	for iterations < cfg.MaxIterations {
		if deadline.Expired() {
			break
		}
		iterations++
		current = applyTieBreakStep(current, violations, cfg.StepCap)
		violations = evaluateAll(active, current)
		if len(violations) == 0 {
			return ProjectionResult{
				State: current, Iterations: iterations,
				OriginalViolations: original, Converged: true,
			}
		}
	}
	return ProjectionResult{
		State: current, Iterations: iterations,
		OriginalViolations: original, ResidualViolations: violations, Converged: false,
	}
}

// applyTieBreakStep sorts the current violations by (severity desc,
// dimension name asc) — the documented tie-break policy resolving spec.md
// §9's Open Question — then applies one repair step per distinct
// dimension, skipping a dimension once it has already been moved this
// iteration so two constraints naming the same dimension do not fight.
func applyTieBreakStep(s moralstate.State, violations []RepairStep, stepCap float64) moralstate.State {
	ordered := make([]RepairStep, len(violations))
	copy(ordered, violations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity != ordered[j].Severity {
			return ordered[i].Severity > ordered[j].Severity
		}
		return ordered[i].Dim.String() < ordered[j].Dim.String()
	})

	touched := make(map[moralstate.Dimension]bool, len(ordered))
	out := s
	for _, v := range ordered {
		if touched[v.Dim] {
			continue
		}
		touched[v.Dim] = true
		out = out.With(v.Dim, moveToward(out.At(v.Dim), v.Required, stepCap))
	}
	return out
}

// moveToward steps actual toward required by max(0.05, |gap|), capped by
// stepCap when stepCap > 0 (spec.md §4.4: "step = max(0.05, required −
// actual)").
func moveToward(actual, required, stepCap float64) float64 {
	gap := required - actual
	direction := 1.0
	if gap < 0 {
		direction = -1
	}
	magnitude := gap
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude < 0.05 {
		magnitude = 0.05
	}
	if stepCap > 0 && magnitude > stepCap {
		magnitude = stepCap
	}
	return actual + direction*magnitude
}
