// Package gate implements the action gate (C5, spec.md §4.5): the
// admission controller every externally-visible agent action passes
// through. It composes the operational meter (C2) and virtue inferencer
// (C3) into a candidate state, evaluates the constraint manifold (C4),
// repairs an invalid state by projection when the latency budget allows,
// writes the trajectory/security-event record (C6), and finally consults
// the intervention manager (C8) for a background-only advisory that never
// influences the decision itself.
//
// The gate never raises a raw error to its caller: any failure below it
// collapses to a blocked(reason=internal) outcome with a fatal security
// event (spec.md §7 "Propagation policy").
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	engineerrors "github.com/ohana-garden/Vessels-sub002/infrastructure/errors"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/logging"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/resilience"
	"github.com/ohana-garden/Vessels-sub002/internal/intervention"
	"github.com/ohana-garden/Vessels-sub002/internal/manifold"
	"github.com/ohana-garden/Vessels-sub002/internal/meter"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/internal/trajectory"
	"github.com/ohana-garden/Vessels-sub002/internal/virtue"
	"github.com/ohana-garden/Vessels-sub002/pkg/metrics"
)

// Outcome is the closed sum of gate decisions (spec.md §6: "GateResult").
type Outcome string

const (
	Allowed               Outcome = "allowed"
	AllowedWithCorrection Outcome = "allowed_with_correction"
	Blocked               Outcome = "blocked"
)

// TimeoutPolicy controls what the gate does when the latency budget is
// exhausted before a decision is reached (spec.md §4.5 "Timing contract").
type TimeoutPolicy string

const (
	// TimeoutBlock is the conservative default: a timeout always blocks.
	TimeoutBlock TimeoutPolicy = "block"
)

// Config controls the gate's latency budget, timeout policy, and which
// constraint overlays are active.
type Config struct {
	LatencyBudget time.Duration
	TimeoutPolicy TimeoutPolicy
	Overlays      []string
	Projection    manifold.ProjectionConfig
}

// DefaultConfig mirrors spec.md §4.5/§6's stated defaults: a 100ms latency
// budget, block-on-timeout.
func DefaultConfig() Config {
	return Config{
		LatencyBudget: 100 * time.Millisecond,
		TimeoutPolicy: TimeoutBlock,
		Projection:    manifold.DefaultProjectionConfig(),
	}
}

func (c Config) sanitize() Config {
	if c.LatencyBudget <= 0 {
		c.LatencyBudget = 100 * time.Millisecond
	}
	if c.TimeoutPolicy == "" {
		c.TimeoutPolicy = TimeoutBlock
	}
	if c.Projection.MaxIterations <= 0 {
		c.Projection = manifold.DefaultProjectionConfig()
	}
	return c
}

// Result is the gate's decision (spec.md §6 "GateResult").
type Result struct {
	Outcome            Outcome
	Reason             string
	State              moralstate.State
	ProjectedState     *moralstate.State
	Violations         []manifold.RepairStep
	ResidualViolations []manifold.RepairStep
	SecurityEventID    string
	Intervention       *intervention.Decision
}

// AttractorLookup resolves an agent's current attractor membership for the
// intervention manager, decoupling the gate from internal/attractor
// directly. Implemented by the engine facade, *engine.Engine.
type AttractorLookup interface {
	NearestAttractorInfo(agentID string) (*intervention.AttractorInfo, time.Duration, bool)
}

// Gate wires C2-C4, C6, and C8 together behind the admission contract of
// spec.md §4.5.
type Gate struct {
	cfg Config

	meter        *meter.Meter
	inferencer   *virtue.Inferencer
	manifold     *manifold.Manifold
	trajectory   *trajectory.Store
	intervention *intervention.Manager
	attractors   AttractorLookup
	logger       *logging.Logger

	storageMisses uint64
}

// New creates a Gate. attractors and logger may be nil.
func New(cfg Config, m *meter.Meter, inf *virtue.Inferencer, mf *manifold.Manifold, traj *trajectory.Store, iv *intervention.Manager, attractors AttractorLookup, logger *logging.Logger) *Gate {
	return &Gate{
		cfg: cfg.sanitize(), meter: m, inferencer: inf, manifold: mf,
		trajectory: traj, intervention: iv, attractors: attractors, logger: logger,
	}
}

// Decide runs one admission call for agentID (spec.md §4.5, §6: `gate(...)
// -> GateResult`). It never returns an error; every failure mode collapses
// into a Blocked Result.
func (g *Gate) Decide(ctx context.Context, agentID string, now time.Time) (result Result) {
	start := now
	deadline := resilience.NewDeadline(g.cfg.LatencyBudget)

	defer func() {
		if r := recover(); r != nil {
			result = g.internalFailure(ctx, agentID, now, fmt.Errorf("panic: %v", r))
		}
		duration := time.Since(start)
		metrics.RecordGateDecision(string(result.Outcome), duration, len(result.Violations))
		if g.logger != nil {
			g.logger.LogGateDecision(ctx, agentID, string(result.Outcome), result.Reason, duration, len(result.Violations))
		}
	}()

	result = g.decide(ctx, agentID, now, deadline)
	return result
}

func (g *Gate) decide(ctx context.Context, agentID string, now time.Time, deadline resilience.Deadline) Result {
	state, buildErr := g.composeState(agentID, now)
	if buildErr != nil && engineerrors.GetKind(buildErr) != engineerrors.KindInsufficientSignal {
		return g.internalFailure(ctx, agentID, now, buildErr)
	}
	lowConfidence := buildErr != nil // InsufficientSignal: continue, but note it

	violations := g.manifold.Violations(state, g.cfg.Overlays)
	if len(violations) == 0 {
		result := Result{Outcome: Allowed, Reason: "valid", State: state}
		return g.recordClean(ctx, agentID, now, state, result, lowConfidence)
	}

	if deadline.Expired() {
		result := g.timeoutResult(state, violations)
		g.recordBlocked(ctx, agentID, now, state, nil, violations, violations, result.Reason)
		return g.attachIntervention(ctx, agentID, result)
	}

	projection := g.manifold.Project(state, g.cfg.Overlays, g.cfg.Projection, deadline)
	projected := projection.State

	if projection.Converged {
		result := Result{
			Outcome: AllowedWithCorrection, Reason: "projected",
			State: state, ProjectedState: &projected,
			Violations: projection.OriginalViolations,
		}
		result = g.recordCorrected(ctx, agentID, now, state, projected, projection.OriginalViolations, result)
		return g.attachIntervention(ctx, agentID, result)
	}

	reason := "projection_failure"
	if deadline.Expired() {
		reason = "timeout"
	}
	result := Result{
		Outcome: Blocked, Reason: reason,
		State: state, ProjectedState: &projected,
		Violations: projection.OriginalViolations, ResidualViolations: projection.ResidualViolations,
	}
	g.recordBlocked(ctx, agentID, now, state, &projected, projection.OriginalViolations, projection.ResidualViolations, reason)
	return g.attachIntervention(ctx, agentID, result)
}

// composeState builds the candidate 12-D state from the operational meter
// and virtue inferencer. A meter InsufficientSignal error is non-fatal
// (spec.md §7): the returned error is propagated for the security event's
// low-confidence annotation, but the state is still usable.
func (g *Gate) composeState(agentID string, now time.Time) (moralstate.State, error) {
	opResult, err := g.meter.Measure(agentID, now)
	virtueResult := g.inferencer.Infer(agentID, now)

	state := moralstate.New(agentID, now, moralstate.Params{
		Activity: opResult.Activity, Coordination: opResult.Coordination,
		Effectiveness: opResult.Effectiveness, Resource: opResult.Resource, Health: opResult.Health,
		Truthfulness: virtueResult.Truthfulness, Justice: virtueResult.Justice,
		Trustworthiness: virtueResult.Trustworthiness, Unity: virtueResult.Unity,
		Service: virtueResult.Service, Detachment: virtueResult.Detachment,
		Understanding: virtueResult.Understanding,
		Confidence: [moralstate.NumDimensions]float64{
			opResult.ConfActivity, opResult.ConfCoordination, opResult.ConfEffectiveness, opResult.ConfResource, opResult.ConfHealth,
			virtueResult.ConfTruthfulness, virtueResult.ConfJustice, virtueResult.ConfTrustworthiness,
			virtueResult.ConfUnity, virtueResult.ConfService, virtueResult.ConfDetachment, virtueResult.ConfUnderstanding,
		},
	})
	return state, err
}

func (g *Gate) timeoutResult(state moralstate.State, violations []manifold.RepairStep) Result {
	return Result{
		Outcome: Blocked, Reason: "timeout",
		State: state, Violations: violations, ResidualViolations: violations,
	}
}

func (g *Gate) internalFailure(ctx context.Context, agentID string, now time.Time, cause error) Result {
	state := moralstate.New(agentID, now, moralstate.Params{})
	result := Result{Outcome: Blocked, Reason: "internal", State: state}
	if g.trajectory != nil {
		_ = g.trajectory.AppendSecurityEvent(ctx, trajectory.SecurityEvent{
			AgentID: agentID, Timestamp: now, OriginalState: state,
			Allowed: false, Reason: "internal", Fatal: true,
		})
	}
	return result
}

// recordClean persists a clean allow decision's trajectory entry. If the
// write itself fails with StorageUnavailable, the would-be-allowed outcome
// is downgraded to blocked(storage_unavailable) — spec.md §8 S6: a full
// write queue under the block_action policy must deny the action, not
// silently allow it with an unrecorded trail.
func (g *Gate) recordClean(ctx context.Context, agentID string, now time.Time, state moralstate.State, result Result, lowConfidence bool) Result {
	if g.trajectory == nil {
		return result
	}
	err := g.trajectory.AppendTransition(ctx, trajectory.Entry{
		AgentID: agentID, Timestamp: now, State: state,
		TransitionKind: trajectory.TransitionGated, GatingOutcome: string(result.Outcome),
	})
	if engineerrors.GetKind(err) == engineerrors.KindStorageUnavailable {
		return g.storageUnavailableResult(ctx, agentID, now, state)
	}
	if lowConfidence {
		_ = g.trajectory.AppendSecurityEvent(ctx, trajectory.SecurityEvent{
			AgentID: agentID, Timestamp: now, OriginalState: state,
			Allowed: true, Reason: "insufficient_signal",
		})
	}
	return result
}

func (g *Gate) recordCorrected(ctx context.Context, agentID string, now time.Time, original, projected moralstate.State, violations []manifold.RepairStep, result Result) Result {
	if g.trajectory == nil {
		return result
	}
	err := g.trajectory.AppendTransition(ctx, trajectory.Entry{
		AgentID: agentID, Timestamp: now, State: projected,
		TransitionKind: trajectory.TransitionGated, GatingOutcome: string(AllowedWithCorrection),
		Violations: violations,
	})
	if engineerrors.GetKind(err) == engineerrors.KindStorageUnavailable {
		return g.storageUnavailableResult(ctx, agentID, now, original)
	}
	_ = g.trajectory.AppendSecurityEvent(ctx, trajectory.SecurityEvent{
		AgentID: agentID, Timestamp: now, OriginalState: original, ProjectedState: &projected,
		Violations: violations, Allowed: true, Reason: "allowed_with_correction",
	})
	return result
}

// storageUnavailableResult implements spec.md §8 S6: the gate blocks with
// reason storage_unavailable and writes no trajectory entry. It still
// attempts one security event on the separate security stream (the
// "secondary path" — a distinct stream from the one that was full); if that
// also fails, the miss is only counted, never retried indefinitely.
func (g *Gate) storageUnavailableResult(ctx context.Context, agentID string, now time.Time, state moralstate.State) Result {
	if err := g.trajectory.AppendSecurityEvent(ctx, trajectory.SecurityEvent{
		AgentID: agentID, Timestamp: now, OriginalState: state,
		Allowed: false, Reason: "storage_unavailable",
	}); err != nil {
		atomic.AddUint64(&g.storageMisses, 1)
	}
	return Result{Outcome: Blocked, Reason: "storage_unavailable", State: state}
}

// StorageMisses returns the count of security events that could not be
// persisted on either the trajectory or security stream (spec.md §8 S6:
// "counted in a miss counter" when no secondary path is available).
func (g *Gate) StorageMisses() uint64 {
	return atomic.LoadUint64(&g.storageMisses)
}

func (g *Gate) recordBlocked(ctx context.Context, agentID string, now time.Time, original moralstate.State, projected *moralstate.State, violations, residual []manifold.RepairStep, reason string) {
	if g.trajectory == nil {
		return
	}
	_ = g.trajectory.AppendTransition(ctx, trajectory.Entry{
		AgentID: agentID, Timestamp: now, State: original,
		TransitionKind: trajectory.TransitionGated, GatingOutcome: string(Blocked),
		Violations: residual,
	})
	_ = g.trajectory.AppendSecurityEvent(ctx, trajectory.SecurityEvent{
		AgentID: agentID, Timestamp: now, OriginalState: original, ProjectedState: projected,
		Violations: violations, ResidualViolations: residual, Allowed: false, Reason: reason,
	})
}

// attachIntervention consults C8 for a background-only advisory. Spec.md
// §4.8: "Gate outcome independent of attractor" — the intervention is
// attached to the result for the orchestrator's benefit, never folded back
// into outcome/reason.
func (g *Gate) attachIntervention(ctx context.Context, agentID string, result Result) Result {
	if g.intervention == nil || g.attractors == nil {
		return result
	}
	info, tenure, ok := g.attractors.NearestAttractorInfo(agentID)
	if !ok {
		info = nil
	}
	decision := g.intervention.Decide(ctx, agentID, info, tenure, len(result.ResidualViolations))
	result.Intervention = &decision
	return result
}
