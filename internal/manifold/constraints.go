package manifold

import (
	"math"

	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
)

// RepairStep names a dimension a failing constraint wants moved toward a
// required value, plus the severity (gap magnitude) at evaluation time —
// used both to report violations and to drive projection's tie-break order
// (spec.md §9 Open Question, resolved in DESIGN.md as severity desc, then
// dimension name asc).
type RepairStep struct {
	ConstraintID string
	Dim          moralstate.Dimension
	Required     float64
	Severity     float64
}

// Constraint is a pure predicate over a State plus an optional repair hint
// (spec.md §3 "Manifold"). Evaluate returns one RepairStep per violated
// clause; an empty slice means the constraint is satisfied.
type Constraint struct {
	ID       string
	Evaluate func(s moralstate.State) []RepairStep
}

func step(id string, dim moralstate.Dimension, actual, required float64) RepairStep {
	return RepairStep{ConstraintID: id, Dim: dim, Required: required, Severity: math.Abs(required - actual)}
}

var virtueDims = [...]moralstate.Dimension{
	moralstate.DimTruthfulness, moralstate.DimJustice, moralstate.DimTrustworthiness,
	moralstate.DimUnity, moralstate.DimService, moralstate.DimDetachment, moralstate.DimUnderstanding,
}

func anyVirtueAbove(s moralstate.State, threshold float64) bool {
	for _, d := range virtueDims {
		if s.At(d) > threshold {
			return true
		}
	}
	return false
}

// baseConstraints reproduces spec.md §4.4's table exactly: ten virtue-virtue
// couplings (A1/A2/B1/B2/C1/C2/D1/D2/E1/E2) and four virtue-operational
// couplings. Order here has no semantic meaning; projection re-sorts by
// severity.
func baseConstraints() []Constraint {
	return []Constraint{
		{ID: "A1", Evaluate: func(s moralstate.State) []RepairStep {
			if anyVirtueAbove(s, 0.6) && s.At(moralstate.DimTruthfulness) < 0.6 {
				return []RepairStep{step("A1", moralstate.DimTruthfulness, s.At(moralstate.DimTruthfulness), 0.6)}
			}
			return nil
		}},
		{ID: "A2", Evaluate: func(s moralstate.State) []RepairStep {
			if anyVirtueAbove(s, 0.8) && s.At(moralstate.DimTruthfulness) < 0.7 {
				return []RepairStep{step("A2", moralstate.DimTruthfulness, s.At(moralstate.DimTruthfulness), 0.7)}
			}
			return nil
		}},
		{ID: "B1", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimJustice) > 0.7 && s.At(moralstate.DimTruthfulness) < 0.7 {
				return []RepairStep{step("B1", moralstate.DimTruthfulness, s.At(moralstate.DimTruthfulness), 0.7)}
			}
			return nil
		}},
		{ID: "B2", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimJustice) > 0.7 && s.At(moralstate.DimUnderstanding) < 0.6 {
				return []RepairStep{step("B2", moralstate.DimUnderstanding, s.At(moralstate.DimUnderstanding), 0.6)}
			}
			return nil
		}},
		{ID: "C1", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimTrustworthiness) > 0.6 && s.At(moralstate.DimTruthfulness) < 0.6 {
				return []RepairStep{step("C1", moralstate.DimTruthfulness, s.At(moralstate.DimTruthfulness), 0.6)}
			}
			return nil
		}},
		{ID: "C2", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimTrustworthiness) > 0.6 && s.At(moralstate.DimService) < 0.5 {
				return []RepairStep{step("C2", moralstate.DimService, s.At(moralstate.DimService), 0.5)}
			}
			return nil
		}},
		{ID: "D1", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimUnity) > 0.7 && s.At(moralstate.DimDetachment) < 0.6 {
				return []RepairStep{step("D1", moralstate.DimDetachment, s.At(moralstate.DimDetachment), 0.6)}
			}
			return nil
		}},
		{ID: "D2", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimUnity) > 0.7 && s.At(moralstate.DimUnderstanding) < 0.6 {
				return []RepairStep{step("D2", moralstate.DimUnderstanding, s.At(moralstate.DimUnderstanding), 0.6)}
			}
			return nil
		}},
		{ID: "E1", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimService) > 0.7 && s.At(moralstate.DimDetachment) < 0.6 {
				return []RepairStep{step("E1", moralstate.DimDetachment, s.At(moralstate.DimDetachment), 0.6)}
			}
			return nil
		}},
		{ID: "E2", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimService) > 0.7 && s.At(moralstate.DimUnderstanding) < 0.5 {
				return []RepairStep{step("E2", moralstate.DimUnderstanding, s.At(moralstate.DimUnderstanding), 0.5)}
			}
			return nil
		}},
		{ID: "OP-justice-activity", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimJustice) < 0.5 && s.At(moralstate.DimActivity) > 0.7 {
				return []RepairStep{
					step("OP-justice-activity", moralstate.DimJustice, s.At(moralstate.DimJustice), 0.5),
					step("OP-justice-activity", moralstate.DimActivity, s.At(moralstate.DimActivity), 0.7),
				}
			}
			return nil
		}},
		{ID: "OP-service-resource", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimService) < 0.4 && s.At(moralstate.DimResource) > 0.7 {
				return []RepairStep{
					step("OP-service-resource", moralstate.DimService, s.At(moralstate.DimService), 0.4),
					step("OP-service-resource", moralstate.DimResource, s.At(moralstate.DimResource), 0.7),
				}
			}
			return nil
		}},
		{ID: "OP-truthfulness-coordination", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimTruthfulness) < 0.5 && s.At(moralstate.DimCoordination) > 0.7 {
				return []RepairStep{
					step("OP-truthfulness-coordination", moralstate.DimTruthfulness, s.At(moralstate.DimTruthfulness), 0.5),
					step("OP-truthfulness-coordination", moralstate.DimCoordination, s.At(moralstate.DimCoordination), 0.7),
				}
			}
			return nil
		}},
		{ID: "OP-health-activity", Evaluate: func(s moralstate.State) []RepairStep {
			if s.At(moralstate.DimHealth) < 0.3 && s.At(moralstate.DimActivity) > 0.8 {
				return []RepairStep{
					step("OP-health-activity", moralstate.DimHealth, s.At(moralstate.DimHealth), 0.3),
					step("OP-health-activity", moralstate.DimActivity, s.At(moralstate.DimActivity), 0.8),
				}
			}
			return nil
		}},
	}
}

// Dampen applies the truthfulness dampening rewrite (spec.md §4.4) in a
// single pass: while truthfulness < 0.5, every other virtue v > 0.5 is
// replaced with max(v×0.7, truthfulness+0.1). "Converges in one pass" per
// spec.md §4.4 means exactly that — this is a one-shot rewrite, not a
// fixed-point loop. Iterating the formula against its own output drives
// every touched virtue down to the floor (truthfulness+0.1) regardless of
// where it started, which would silently erase the very virtue-virtue
// violation spec.md §8's S2/S3 scenarios depend on (a touched virtue that
// still clears a 0.6/0.7/0.8 coupling threshold after one pass is supposed
// to keep tripping that coupling, not get rewritten away by a second one).
//
// Dampen(Dampen(s)) == Dampen(s) (spec.md §8 property 4) holds whenever the
// floor already dominates each touched virtue's multiplied term
// (v×0.7 ≤ truthfulness+0.1) — reapplying finds nothing above the 0.5 touch
// threshold left to rewrite. It does not hold in general for a virtue whose
// raw value is large enough that the multiplied term wins on the first
// pass, since a second pass would then multiply that already-reduced value
// again. Nothing in this package re-dampens a state more than once per
// Project/Valid/Violations call, so that asymmetry never surfaces.
func Dampen(s moralstate.State) moralstate.State {
	t := s.At(moralstate.DimTruthfulness)
	if t >= 0.5 {
		return s
	}
	floor := t + 0.1
	out := s
	for _, d := range virtueDims {
		if d == moralstate.DimTruthfulness {
			continue
		}
		v := s.At(d)
		if v <= 0.5 {
			continue
		}
		out = out.With(d, math.Max(v*0.7, floor))
	}
	return out
}
