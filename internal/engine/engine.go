// Package engine wires the nine components (C1-C9) behind the external
// interfaces of spec.md §6: a single `Decide` admission call, the six
// signal-ingestion functions, and the three egress readers consumed by
// observability. It owns the concrete construction every component
// package leaves to its caller, and implements gate.AttractorLookup by
// adapting the attractor engine's snapshot into the narrow shape the
// intervention manager needs.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/logging"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/ratelimit"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/state"
	"github.com/ohana-garden/Vessels-sub002/internal/attractor"
	"github.com/ohana-garden/Vessels-sub002/internal/calibration"
	"github.com/ohana-garden/Vessels-sub002/internal/gate"
	"github.com/ohana-garden/Vessels-sub002/internal/intervention"
	"github.com/ohana-garden/Vessels-sub002/internal/manifold"
	"github.com/ohana-garden/Vessels-sub002/internal/meter"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/internal/outcome"
	"github.com/ohana-garden/Vessels-sub002/internal/signallog"
	"github.com/ohana-garden/Vessels-sub002/internal/trajectory"
	"github.com/ohana-garden/Vessels-sub002/internal/virtue"
	"github.com/ohana-garden/Vessels-sub002/pkg/config"
)

// Config aggregates every component's configuration, matching the
// top-level surface of pkg/config.Config (spec.md §6 "Configuration
// surface").
type Config struct {
	RetentionHorizon time.Duration
	Meter            meter.Config
	Virtue           virtue.Config
	Gate             gate.Config
	Trajectory       trajectory.Config
	Clustering       attractor.Config
	Intervention     intervention.Config
	Calibration      calibration.Config
	RateLimit        ratelimit.Config
}

// FromConfig translates the process-wide, hot-reloadable pkg/config.Config
// into the component-level configs each package actually takes. It is the
// single seam that knows both shapes.
func FromConfig(c *config.Config) Config {
	return Config{
		RetentionHorizon: time.Duration(c.Signal.RetentionHz) * time.Second,
		Meter: meter.Config{
			ActivityWindow:  time.Minute,
			ActivityCeiling: 20,
			KMin:            c.Signal.KMin,
		},
		Virtue: virtue.Config{KMin: c.Signal.KMin},
		Gate: gate.Config{
			LatencyBudget: time.Duration(c.Manifold.LatencyBudgetMS) * time.Millisecond,
			TimeoutPolicy: gate.TimeoutBlock,
			Overlays:      c.Manifold.Overlays,
			Projection: manifold.ProjectionConfig{
				MaxIterations: c.Manifold.ProjectionN,
				StepCap:       c.Manifold.PerDimStepCap,
			},
		},
		Trajectory: trajectory.Config{
			MaxEntriesPerStream: 100_000,
			Policy:              backPressurePolicyFrom(c.BackPressure.Policy),
		},
		Clustering: attractor.Config{
			Epsilon:        c.Clustering.Epsilon,
			MinSamples:     c.Clustering.MinSamples,
			WindowSize:     c.Clustering.Window,
			TauEffective:   c.Classification.TauEffective,
			TauFeedback:    c.Classification.TauFeedback,
			TauLow:         c.Classification.TauLow,
			TauCost:        c.Classification.TauCost,
			FeedbackWindow: 7 * 24 * time.Hour,
		},
		Intervention: intervention.Config{
			T1:             time.Duration(c.Intervention.T1Minutes) * time.Minute,
			T2:             time.Duration(c.Intervention.T2Minutes) * time.Minute,
			T3:             time.Duration(c.Intervention.T3Minutes) * time.Minute,
			ThrottleFactor: c.Intervention.ThrottleFactor,
		},
		Calibration: calibration.DefaultConfig(),
		RateLimit:   ratelimit.DefaultConfig(),
	}
}

func backPressurePolicyFrom(policy string) trajectory.BackPressurePolicy {
	if policy == "shed_audit" {
		return trajectory.PolicyShedAudit
	}
	return trajectory.PolicyBlockAction
}

// Engine is the process-wide facade: every externally visible operation of
// spec.md §6 is a method on it.
type Engine struct {
	cfg Config

	signals      *signallog.Log
	meter        *meter.Meter
	inferencer   *virtue.Inferencer
	manifold     *manifold.Manifold
	trajectory   *trajectory.Store
	feedback     *outcome.Log
	attractors   *attractor.Engine
	intervention *intervention.Manager
	calibrator   *calibration.Calibrator
	gate         *gate.Gate
	logger       *logging.Logger
}

// New constructs an Engine from cfg, an optional durable backend (an
// in-memory one is used when backend is nil), and an optional logger.
func New(cfg Config, backend state.LogBackend, logger *logging.Logger) *Engine {
	if backend == nil {
		backend = state.NewMemoryLogBackend()
	}
	retention := cfg.RetentionHorizon
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	e := &Engine{
		cfg:        cfg,
		signals:    signallog.New(retention),
		manifold:   manifold.New(),
		trajectory: trajectory.New(backend, cfg.Trajectory),
		feedback:   outcome.New(0),
		logger:     logger,
	}
	e.meter = meter.New(cfg.Meter, e.signals)
	e.inferencer = virtue.New(cfg.Virtue, e.signals)
	e.attractors = attractor.New(cfg.Clustering, e.manifold)
	limiters := ratelimit.NewRegistry(cfg.RateLimit)
	e.intervention = intervention.New(cfg.Intervention, limiters, logger)
	e.calibrator = calibration.New(cfg.Calibration, logger)
	e.gate = gate.New(cfg.Gate, e.meter, e.inferencer, e.manifold, e.trajectory, e.intervention, e, logger)
	return e
}

// Decide is the gate's ingress entry point (spec.md §6: `gate(agent_id,
// ...) -> GateResult`). action_descriptor/action_metadata/latency_budget_ms
// are not yet consumed: the manifold evaluates the agent's current
// inferred state regardless of which action is being attempted, so the
// descriptor is the orchestrator's bookkeeping, not an engine input.
func (e *Engine) Decide(ctx context.Context, agentID string, now time.Time) gate.Result {
	return e.gate.Decide(ctx, agentID, now)
}

// RecordAction ingests an action event (spec.md §6 "record_action").
func (e *Engine) RecordAction(agentID string, r signallog.ActionRecord) {
	e.signals.RecordAction(agentID, r)
}

// RecordClaim ingests a factual claim (spec.md §6 "record_claim").
func (e *Engine) RecordClaim(agentID string, r signallog.ClaimRecord) {
	e.signals.RecordClaim(agentID, r)
}

// RecordCommitment ingests a commitment outcome (spec.md §6
// "record_commitment").
func (e *Engine) RecordCommitment(agentID string, r signallog.CommitmentRecord) {
	e.signals.RecordCommitment(agentID, r)
}

// RecordCollaboration ingests a collaboration event (spec.md §6
// "record_collaboration").
func (e *Engine) RecordCollaboration(agentID string, r signallog.CollaborationRecord) {
	e.signals.RecordCollaboration(agentID, r)
}

// RecordComprehension ingests a context-awareness event (spec.md §6
// "record_comprehension").
func (e *Engine) RecordComprehension(agentID string, r signallog.ComprehensionRecord) {
	e.signals.RecordComprehension(agentID, r)
}

// RecordCredit ingests a self-credit tag, feeding the detachment virtue.
// Not named directly in spec.md §6's six-function list, but present in
// the behavioral log of §3; exposed for completeness.
func (e *Engine) RecordCredit(agentID string, r signallog.CreditRecord) {
	e.signals.RecordCredit(agentID, r)
}

// RecordOutcome ingests outcome feedback for an action (spec.md §6
// "record_outcome"), feeding both the attractor classifier and the
// calibration component's rolling correlation.
func (e *Engine) RecordOutcome(ctx context.Context, f outcome.Feedback, now time.Time) []calibration.Advisory {
	e.feedback.Record(f, now)
	return e.calibrator.Observe(ctx, f, now)
}

// RecomputeAttractors runs one off-hot-path DBSCAN pass (C7) over the
// current trajectory store, per spec.md §4.7's "periodic, off hot path"
// contract. Intended to be called from a background ticker, not from
// Decide.
func (e *Engine) RecomputeAttractors(ctx context.Context, now time.Time) error {
	return e.attractors.Recompute(ctx, e.trajectory, e.feedback, now)
}

// NearestAttractorInfo implements gate.AttractorLookup, translating an
// attractor.Attractor into the narrow intervention.AttractorInfo shape (ID
// and classification only). KillSwitch is left false; the intervention
// manager checks its own tag set by attractor ID when it decides.
func (e *Engine) NearestAttractorInfo(agentID string) (*intervention.AttractorInfo, time.Duration, bool) {
	a, tenure, ok := e.attractors.NearestAttractor(agentID)
	if !ok {
		return nil, 0, false
	}
	return &intervention.AttractorInfo{
		ID:             a.ID,
		Classification: string(a.Classification),
	}, tenure, true
}

// SetAttractorKillSwitch tags or clears the explicit kill-switch override
// on an attractor (spec.md §4.8: "explicit kill-switch tag set on the
// attractor" forces `block` regardless of tenure).
func (e *Engine) SetAttractorKillSwitch(attractorID string, on bool) {
	e.intervention.SetKillSwitch(attractorID, on)
}

// SecurityEvents is the first egress iterator of spec.md §6: security
// events filtered by agent, window, and optionally blocked-only.
func (e *Engine) SecurityEvents(ctx context.Context, agentID string, since, until time.Time, blockedOnly bool) ([]trajectory.SecurityEvent, error) {
	return e.trajectory.SecurityEvents(ctx, agentID, since, until, blockedOnly)
}

// AttractorSnapshot is the second egress iterator: the current attractor
// snapshot with classifications (spec.md §6).
func (e *Engine) AttractorSnapshot() attractor.Snapshot {
	return e.attractors.Snapshot()
}

// AgentSummary is the per-agent metric summary of spec.md §6's third
// egress reader.
type AgentSummary struct {
	AgentID         string
	State           moralstate.State
	AttractorID     string
	Classification  string
	Tenure          time.Duration
	Correlations    map[string]float64
}

// AgentMetricSummary composes the latest trajectory entry, current
// attractor membership, and calibration correlations for one agent.
func (e *Engine) AgentMetricSummary(ctx context.Context, agentID string, now time.Time) (AgentSummary, error) {
	summary := AgentSummary{AgentID: agentID, Correlations: make(map[string]float64, 7)}

	entries, err := e.trajectory.Window(ctx, agentID, now.Add(-24*time.Hour), now.Add(time.Second))
	if err != nil {
		return summary, err
	}
	if len(entries) > 0 {
		summary.State = entries[len(entries)-1].State
	}

	if info, tenure, ok := e.NearestAttractorInfo(agentID); ok {
		summary.AttractorID = info.ID
		summary.Classification = info.Classification
		summary.Tenure = tenure
	}

	for _, d := range []moralstate.Dimension{
		moralstate.DimTruthfulness, moralstate.DimJustice, moralstate.DimTrustworthiness,
		moralstate.DimUnity, moralstate.DimService, moralstate.DimDetachment, moralstate.DimUnderstanding,
	} {
		corr, n := e.calibrator.Correlation(d)
		if n > 0 {
			summary.Correlations[d.String()] = corr
		}
	}
	return summary, nil
}

// KnownAgents returns every agent with at least one trajectory entry,
// sorted, for operator commands that need to enumerate agents without a
// dedicated directory structure.
func (e *Engine) KnownAgents(ctx context.Context) ([]string, error) {
	snap := e.attractors.Snapshot()
	seen := make(map[string]struct{})
	for _, a := range snap.Attractors {
		for _, id := range a.AgentIDs {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
