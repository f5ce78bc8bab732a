// Package moralstate defines the engine's 12-dimensional phase-space state
// (spec.md §3, §4.1): five operational scalars, seven virtue scalars, a
// parallel confidence vector, and a bounded context side-channel. States are
// immutable once constructed; every constructor clamps its inputs into
// [0,1] so no arithmetic downstream can observe an out-of-range scalar.
package moralstate

import (
	"encoding/json"
	"math"
	"time"
)

// Dimension names one of the 12 phase-space axes, in the fixed order used
// by Dimensions/FromDimensions and by the attractor engine's vector math.
type Dimension int

const (
	DimActivity Dimension = iota
	DimCoordination
	DimEffectiveness
	DimResource
	DimHealth
	DimTruthfulness
	DimJustice
	DimTrustworthiness
	DimUnity
	DimService
	DimDetachment
	DimUnderstanding

	NumDimensions = 12
)

var dimensionNames = [NumDimensions]string{
	"activity", "coordination", "effectiveness", "resource", "health",
	"truthfulness", "justice", "trustworthiness", "unity", "service",
	"detachment", "understanding",
}

// String returns the canonical lower-case name of the dimension.
func (d Dimension) String() string {
	if d < 0 || int(d) >= NumDimensions {
		return "unknown"
	}
	return dimensionNames[d]
}

// ParseDimension resolves a canonical dimension name, or false if unknown.
func ParseDimension(name string) (Dimension, bool) {
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), true
		}
	}
	return 0, false
}

// State is an immutable phase-space record (spec.md §3). Build it with New
// or FromDimensions; never mutate its fields directly from outside this
// package — callers that need a changed value should construct a new State.
type State struct {
	AgentID    string
	Timestamp  time.Time
	dims       [NumDimensions]float64
	confidence [NumDimensions]float64
	Context    map[string]string
}

// Params carries the raw (possibly out-of-range) dimension values for New.
type Params struct {
	Activity, Coordination, Effectiveness, Resource, Health float64
	Truthfulness, Justice, Trustworthiness, Unity, Service   float64
	Detachment, Understanding                                float64
	Confidence [NumDimensions]float64
	Context    map[string]string
}

// Clamp bounds x into [0,1], mapping NaN to 0 so no derived state can carry
// a NaN forward (spec.md §4.1: "No arithmetic that can return NaN").
func Clamp(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// New constructs a State, clamping every scalar and confidence into [0,1].
func New(agentID string, ts time.Time, p Params) State {
	s := State{AgentID: agentID, Timestamp: ts}
	s.dims = [NumDimensions]float64{
		Clamp(p.Activity), Clamp(p.Coordination), Clamp(p.Effectiveness), Clamp(p.Resource), Clamp(p.Health),
		Clamp(p.Truthfulness), Clamp(p.Justice), Clamp(p.Trustworthiness), Clamp(p.Unity), Clamp(p.Service),
		Clamp(p.Detachment), Clamp(p.Understanding),
	}
	for i := range s.confidence {
		s.confidence[i] = Clamp(p.Confidence[i])
	}
	if p.Context != nil {
		s.Context = make(map[string]string, len(p.Context))
		for k, v := range p.Context {
			s.Context[k] = v
		}
	}
	return s
}

// FromDimensions builds a State from a raw 12-vector, in Dimension order,
// all confidences set to 1. Used by the attractor engine when materializing
// a cluster center back into a State.
func FromDimensions(v [NumDimensions]float64) State {
	var s State
	for i := range v {
		s.dims[i] = Clamp(v[i])
		s.confidence[i] = 1
	}
	return s
}

// Dimensions returns the 12 clamped scalars in fixed Dimension order.
func (s State) Dimensions() [NumDimensions]float64 { return s.dims }

// At returns the value of a single dimension.
func (s State) At(d Dimension) float64 {
	if d < 0 || int(d) >= NumDimensions {
		return 0
	}
	return s.dims[d]
}

// Confidence returns the confidence value associated with a single dimension.
func (s State) Confidence(d Dimension) float64 {
	if d < 0 || int(d) >= NumDimensions {
		return 0
	}
	return s.confidence[d]
}

// ConfidenceVector returns all 12 confidences in fixed Dimension order.
func (s State) ConfidenceVector() [NumDimensions]float64 { return s.confidence }

// With returns a copy of s with dimension d set to value (clamped). The
// original is left untouched, preserving State's immutability contract.
func (s State) With(d Dimension, value float64) State {
	out := s
	if d >= 0 && int(d) < NumDimensions {
		out.dims[d] = Clamp(value)
	}
	return out
}

// WithConfidence returns a copy of s with dimension d's confidence set.
func (s State) WithConfidence(d Dimension, value float64) State {
	out := s
	if d >= 0 && int(d) < NumDimensions {
		out.confidence[d] = Clamp(value)
	}
	return out
}

// Equal reports structural equality modulo timestamp (spec.md §3:
// "Equality is structural modulo timestamp").
func (s State) Equal(other State) bool {
	if s.AgentID != other.AgentID {
		return false
	}
	if s.dims != other.dims {
		return false
	}
	if s.confidence != other.confidence {
		return false
	}
	if len(s.Context) != len(other.Context) {
		return false
	}
	for k, v := range s.Context {
		if other.Context[k] != v {
			return false
		}
	}
	return true
}

// Distance computes the Euclidean distance between s and other across all
// 12 dimensions, optionally weighted per-dimension. A nil weights slice (or
// one shorter than NumDimensions) is treated as all-ones.
func (s State) Distance(other State, weights []float64) float64 {
	var sum float64
	for i := 0; i < NumDimensions; i++ {
		w := 1.0
		if len(weights) == NumDimensions {
			w = weights[i]
		}
		diff := s.dims[i] - other.dims[i]
		sum += w * diff * diff
	}
	return math.Sqrt(sum)
}

// jsonState is the stable wire shape for State, named by dimension rather
// than positionally, so the trajectory store's persisted layout survives a
// field reorder inside this package (spec.md §6 "Format is versioned").
type jsonState struct {
	AgentID    string            `json:"agent_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Dims       map[string]float64 `json:"dims"`
	Confidence map[string]float64 `json:"confidence"`
	Context    map[string]string  `json:"context,omitempty"`
}

// MarshalJSON produces the stable, dimension-named wire format.
func (s State) MarshalJSON() ([]byte, error) {
	js := jsonState{
		AgentID:    s.AgentID,
		Timestamp:  s.Timestamp,
		Dims:       make(map[string]float64, NumDimensions),
		Confidence: make(map[string]float64, NumDimensions),
		Context:    s.Context,
	}
	for i, name := range dimensionNames {
		js.Dims[name] = s.dims[i]
		js.Confidence[name] = s.confidence[i]
	}
	return json.Marshal(js)
}

// UnmarshalJSON parses the stable, dimension-named wire format.
func (s *State) UnmarshalJSON(data []byte) error {
	var js jsonState
	if err := json.Unmarshal(data, &js); err != nil {
		return err
	}
	s.AgentID = js.AgentID
	s.Timestamp = js.Timestamp
	s.Context = js.Context
	for i, name := range dimensionNames {
		s.dims[i] = Clamp(js.Dims[name])
		s.confidence[i] = Clamp(js.Confidence[name])
	}
	return nil
}
