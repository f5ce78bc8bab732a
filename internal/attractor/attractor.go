// Package attractor implements the attractor engine (C7, spec.md §4.7):
// off-hot-path DBSCAN clustering over sliding-window trajectory vectors,
// outcome-driven classification, and an RCU-like atomic snapshot the
// intervention manager reads without ever blocking the writer.
package attractor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/resilience"
	"github.com/ohana-garden/Vessels-sub002/internal/manifold"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/internal/outcome"
	"github.com/ohana-garden/Vessels-sub002/internal/trajectory"
	"github.com/ohana-garden/Vessels-sub002/pkg/metrics"
)

// Classification is the outcome-based label attached to an attractor.
type Classification string

const (
	Beneficial  Classification = "beneficial"
	Neutral     Classification = "neutral"
	Detrimental Classification = "detrimental"
)

// Config controls clustering and classification thresholds (spec.md §4.7,
// §6 configuration surface).
type Config struct {
	WindowSize     int     // W, default 10
	Epsilon        float64 // default 0.3
	MinSamples     int     // default 5
	TauEffective   float64
	TauFeedback    float64
	TauLow         float64
	TauCost        float64
	FeedbackWindow time.Duration
}

// DefaultConfig mirrors spec.md §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize: 10, Epsilon: 0.3, MinSamples: 5,
		TauEffective: 0.6, TauFeedback: 0.5, TauLow: 0.3, TauCost: 0.4,
		FeedbackWindow: 7 * 24 * time.Hour,
	}
}

func (c Config) sanitize() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.3
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.FeedbackWindow <= 0 {
		c.FeedbackWindow = 7 * 24 * time.Hour
	}
	return c
}

// Attractor is the data-model record of spec.md §3: `(id, center, radius,
// member_count, agent_ids[], classification, stability, discovered_at)`.
type Attractor struct {
	ID             string
	Center         moralstate.State
	Radius         float64
	MemberCount    int
	AgentIDs       []string
	Classification Classification
	Stability      float64
	DiscoveredAt   time.Time
}

// Snapshot is an immutable, atomically-published view of the full
// attractor set (spec.md §5: "RCU-like atomic swap; readers never block
// writers").
type Snapshot struct {
	Generation uint64
	Attractors []Attractor
	ComputedAt time.Time
}

type membership struct {
	attractorID string
	since       time.Time
}

// Engine holds the current snapshot plus per-agent membership tenure used
// by the intervention manager's threshold logic.
type Engine struct {
	cfg Config
	mf  *manifold.Manifold

	mu         sync.RWMutex
	snapshot   Snapshot
	membership map[string]membership
}

// New creates an Engine with an empty initial snapshot. mf is used to keep
// computed attractor centers inside the base manifold's valid region
// (spec.md §3 invariant: "Attractor centers always reside in the valid
// region of the base manifold").
func New(cfg Config, mf *manifold.Manifold) *Engine {
	return &Engine{cfg: cfg.sanitize(), mf: mf, membership: make(map[string]membership)}
}

// Snapshot returns the current attractor snapshot. Safe for concurrent use
// against Recompute.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// windowPoint adapts a trajectory.AgentWindow to the dbscan point
// interface: distance is the Euclidean norm of per-step state distances,
// equal to the distance between the two windows' concatenated 12·W
// vectors (spec.md §4.7).
type windowPoint struct {
	window trajectory.AgentWindow
}

func (w windowPoint) distance(other point) float64 {
	o := other.(windowPoint)
	var sumSquares float64
	for i := range w.window.States {
		d := w.window.States[i].Distance(o.window.States[i], nil)
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares)
}

// Recompute reads recent sliding windows from the trajectory store, runs
// DBSCAN, classifies each resulting cluster from outcome feedback, and
// atomically publishes the new snapshot (spec.md §4.7: "A full recompute
// replaces the attractor set atomically under a single-writer lock").
func (e *Engine) Recompute(ctx context.Context, store *trajectory.Store, feedback *outcome.Log, now time.Time) error {
	start := time.Now()
	windows, err := store.AllTrajectories(ctx, e.cfg.WindowSize)
	if err != nil {
		return err
	}

	points := make([]point, len(windows))
	for i, w := range windows {
		points[i] = windowPoint{window: w}
	}
	labels := dbscan(points, e.cfg.Epsilon, e.cfg.MinSamples)
	n := numClusters(labels)

	attractors := make([]Attractor, 0, n)
	newMembership := make(map[string]membership, len(e.membership))
	since := now.Add(-e.cfg.FeedbackWindow)

	for c := 0; c < n; c++ {
		var members []trajectory.AgentWindow
		for i, l := range labels {
			if l == c {
				members = append(members, windows[i])
			}
		}
		if len(members) == 0 {
			continue
		}

		center := meanCenter(members)
		center = manifold.Dampen(center)
		if !e.mf.Valid(center, nil) {
			result := e.mf.Project(center, nil, manifold.DefaultProjectionConfig(), resilience.NewDeadline(time.Hour))
			center = result.State
		}

		radius := 0.0
		agentSet := make(map[string]bool, len(members))
		for _, m := range members {
			last := m.States[len(m.States)-1]
			if d := center.Distance(last, nil); d > radius {
				radius = d
			}
			agentSet[m.AgentID] = true
		}
		agentIDs := make([]string, 0, len(agentSet))
		for a := range agentSet {
			agentIDs = append(agentIDs, a)
		}
		sort.Strings(agentIDs)

		agg := feedback.Aggregate(agentIDs, since)
		classification := classify(agg, e.cfg)

		stability := 1.0
		if e.cfg.Epsilon > 0 {
			stability = clamp01(1 - radius/e.cfg.Epsilon)
		}

		id := clusterID(agentIDs)
		discoveredAt := now
		for _, a := range agentIDs {
			if prior, ok := e.membership[a]; ok && prior.attractorID == id {
				discoveredAt = prior.since
				break
			}
		}

		attractors = append(attractors, Attractor{
			ID: id, Center: center, Radius: radius, MemberCount: len(members),
			AgentIDs: agentIDs, Classification: classification, Stability: stability,
			DiscoveredAt: discoveredAt,
		})

		for _, a := range agentIDs {
			prior, ok := e.membership[a]
			joinedAt := now
			if ok && prior.attractorID == id {
				joinedAt = prior.since
			}
			newMembership[a] = membership{attractorID: id, since: joinedAt}
		}
	}

	e.mu.Lock()
	e.snapshot = Snapshot{Generation: e.snapshot.Generation + 1, Attractors: attractors, ComputedAt: now}
	e.membership = newMembership
	e.mu.Unlock()

	members := make([]metrics.AttractorMember, len(attractors))
	for i, a := range attractors {
		members[i] = metrics.AttractorMember{ID: a.ID, Classification: string(a.Classification), Population: a.MemberCount}
	}
	metrics.RecordAttractorSnapshot(e.snapshot.Generation, members, time.Since(start))
	return nil
}

// NearestAttractor returns the attractor in the current snapshot that
// agentID was assigned to by the last Recompute, and the agent's tenure in
// it (snapshot time minus join time). It does no distance search: an agent
// with no membership in the current snapshot reports false.
func (e *Engine) NearestAttractor(agentID string) (Attractor, time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.membership[agentID]
	if !ok {
		return Attractor{}, 0, false
	}
	for _, a := range e.snapshot.Attractors {
		if a.ID == m.attractorID {
			return a, e.snapshot.ComputedAt.Sub(m.since), true
		}
	}
	return Attractor{}, 0, false
}

// clusterID derives a stable attractor identity from its membership set, so
// the same set of agents reforming the same cluster across recomputes
// resolves to the same ID and membership/tenure tracking survives.
// agentIDs must already be sorted.
func clusterID(agentIDs []string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.Join(agentIDs, ",")))
	return fmt.Sprintf("attractor-%x", h.Sum64())
}

func classify(agg outcome.Aggregate, cfg Config) Classification {
	if agg.Samples == 0 {
		return Neutral
	}
	if agg.MeanSecurityEvents > 0 || agg.MeanUserFeedback <= -cfg.TauFeedback || agg.MeanEffectiveness <= cfg.TauLow {
		return Detrimental
	}
	costAcceptable := agg.MeanAdjustedCost <= cfg.TauCost
	if agg.MeanEffectiveness >= cfg.TauEffective && agg.MeanUserFeedback >= cfg.TauFeedback && agg.MeanSecurityEvents == 0 && costAcceptable {
		return Beneficial
	}
	return Neutral
}

func meanCenter(members []trajectory.AgentWindow) moralstate.State {
	var sum [moralstate.NumDimensions]float64
	count := 0
	var newestAgent string
	var newestTS time.Time
	for _, m := range members {
		last := m.States[len(m.States)-1]
		dims := last.Dimensions()
		for i, v := range dims {
			sum[i] += v
		}
		count++
		if last.Timestamp.After(newestTS) {
			newestTS = last.Timestamp
			newestAgent = m.AgentID
		}
	}
	if count > 0 {
		for i := range sum {
			sum[i] /= float64(count)
		}
	}
	center := moralstate.FromDimensions(sum)
	center.AgentID = newestAgent
	center.Timestamp = newestTS
	return center
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
