// Package outcome stores the outcome-feedback stream consumed by both the
// attractor engine's classifier (C7, spec.md §4.7) and the calibration
// component's rolling correlation (C9, spec.md §4.9): "reusing the
// OutcomeFeedback record of §3, not a new one".
package outcome

import (
	"math"
	"sync"
	"time"

	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
)

// Feedback is the outcome feedback record of spec.md §3: `(action_ref,
// agent_id, state_at_action, effectiveness, resource, user_feedback,
// security_events, task_complexity, urgency, timestamp)`.
type Feedback struct {
	ActionRef      string
	AgentID        string
	StateAtAction  moralstate.State
	Effectiveness  float64 // [0,1]
	Resource       float64 // [0,1]
	UserFeedback   float64 // [-1,1]
	SecurityEvents int
	TaskComplexity float64 // [0,1]
	Urgency        float64 // [0,1]
	Timestamp      time.Time
}

// AdjustedCost discounts Resource by task complexity and urgency (spec.md
// §4.7: `adjusted_cost = resource × (1 − 0.5·complexity − 0.3·urgency)`),
// clamped to [0,1].
func (f Feedback) AdjustedCost() float64 {
	discount := 1 - 0.5*f.TaskComplexity - 0.3*f.Urgency
	cost := f.Resource * discount
	if cost < 0 {
		return 0
	}
	if cost > 1 {
		return 1
	}
	return cost
}

const defaultWindow = 7 * 24 * time.Hour

// Log is a per-agent, time-windowed store of outcome feedback.
type Log struct {
	window time.Duration
	mu     sync.RWMutex
	byAgent map[string][]Feedback
}

// New creates a Log retaining feedback for window (DefaultWindow if <= 0).
func New(window time.Duration) *Log {
	if window <= 0 {
		window = defaultWindow
	}
	return &Log{window: window, byAgent: make(map[string][]Feedback)}
}

// Record appends f to its agent's feedback log, pruning entries older than
// the retention window relative to now.
func (l *Log) Record(f Feedback, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	horizon := now.Add(-l.window)
	records := l.byAgent[f.AgentID]
	records = append(records, f)
	pruned := records[:0]
	for _, r := range records {
		if !r.Timestamp.Before(horizon) {
			pruned = append(pruned, r)
		}
	}
	l.byAgent[f.AgentID] = pruned
}

// Aggregate summarizes the feedback recorded for every agent in agentIDs
// since the given horizon: mean effectiveness, mean user feedback, mean
// security-event count, mean adjusted cost, and the sample count.
type Aggregate struct {
	MeanEffectiveness  float64
	MeanUserFeedback   float64
	MeanSecurityEvents float64
	MeanAdjustedCost   float64
	Samples            int
}

// Aggregate computes an Aggregate over agentIDs' feedback recorded at or
// after since.
func (l *Log) Aggregate(agentIDs []string, since time.Time) Aggregate {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sumEff, sumFb, sumSec, sumCost float64
	n := 0
	for _, agentID := range agentIDs {
		for _, f := range l.byAgent[agentID] {
			if f.Timestamp.Before(since) {
				continue
			}
			sumEff += f.Effectiveness
			sumFb += f.UserFeedback
			sumSec += float64(f.SecurityEvents)
			sumCost += f.AdjustedCost()
			n++
		}
	}
	if n == 0 {
		return Aggregate{}
	}
	return Aggregate{
		MeanEffectiveness:  sumEff / float64(n),
		MeanUserFeedback:   sumFb / float64(n),
		MeanSecurityEvents: sumSec / float64(n),
		MeanAdjustedCost:   sumCost / float64(n),
		Samples:            n,
	}
}

// Recent returns agentID's feedback recorded at or after since, oldest
// first, for the calibration component's per-virtue correlation.
func (l *Log) Recent(agentID string, since time.Time) []Feedback {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.byAgent[agentID]
	out := make([]Feedback, 0, len(src))
	for _, f := range src {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out
}

// Score combines an outcome record into a single scalar in roughly [-1,1],
// the same reduction the calibration component correlates virtue values
// against (spec.md §4.9A).
func Score(f Feedback) float64 {
	penalty := math.Min(1, float64(f.SecurityEvents)*0.25)
	return clamp(f.UserFeedback*0.6+f.Effectiveness*0.4-penalty, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
