// Package virtue implements the virtue inferencer (C3, spec.md §4.3): it
// derives the seven virtue phase-space scalars from an agent's claims,
// commitments, collaborations, comprehension events, and action-level
// benefit splits. It never blocks on missing data — absent signals yield a
// mid-range value at low confidence, per spec.md §4.3.
package virtue

import (
	"math"
	"time"

	"github.com/ohana-garden/Vessels-sub002/internal/signallog"
)

// Config controls the inferencer's confidence floor and unity weighting.
type Config struct {
	// KMin is the sample count at which confidence saturates to 1.
	KMin int
}

// DefaultConfig mirrors the meter's default confidence floor.
func DefaultConfig() Config {
	return Config{KMin: 10}
}

func (c Config) sanitize() Config {
	if c.KMin <= 0 {
		c.KMin = 10
	}
	return c
}

// Result is the inferencer's output: seven clamped scalars with one
// confidence value each.
type Result struct {
	Truthfulness, Justice, Trustworthiness, Unity, Service, Detachment, Understanding                         float64
	ConfTruthfulness, ConfJustice, ConfTrustworthiness, ConfUnity, ConfService, ConfDetachment, ConfUnderstanding float64
}

// Inferencer derives virtue state from a shared signal log.
type Inferencer struct {
	cfg Config
	log *signallog.Log
}

// New creates an Inferencer reading from log.
func New(cfg Config, log *signallog.Log) *Inferencer {
	return &Inferencer{cfg: cfg.sanitize(), log: log}
}

// Infer computes the seven virtue scalars for agentID as of now. It never
// returns an error; missing signal classes simply produce a neutral value
// at zero confidence.
func (v *Inferencer) Infer(agentID string, now time.Time) Result {
	snap := v.log.Window(agentID, now)
	kmin := float64(v.cfg.KMin)

	truthfulness, truthSamples := truthfulnessOf(snap.Claims)
	justice, justiceSamples := justiceOf(snap.Actions, snap.Comprehensions)
	trustworthiness, trustSamples := trustworthinessOf(snap.Commitments, now)
	unity, unitySamples := unityOf(snap.Collaborations)
	service, serviceSamples := serviceOf(snap.Actions)
	detachment, detachSamples := detachmentOf(snap.Credits)
	understanding, underSamples := understandingOf(snap.Comprehensions)

	return Result{
		Truthfulness:    truthfulness,
		Justice:         justice,
		Trustworthiness: trustworthiness,
		Unity:           unity,
		Service:         service,
		Detachment:      detachment,
		Understanding:   understanding,

		ConfTruthfulness:    confidenceOf(truthSamples, kmin),
		ConfJustice:         confidenceOf(justiceSamples, kmin),
		ConfTrustworthiness: confidenceOf(trustSamples, kmin),
		ConfUnity:           confidenceOf(unitySamples, kmin),
		ConfService:         confidenceOf(serviceSamples, kmin),
		ConfDetachment:      confidenceOf(detachSamples, kmin),
		ConfUnderstanding:   confidenceOf(underSamples, kmin),
	}
}

// truthfulnessOf computes the verified-claim ratio, penalizing unverified
// claims quadratically once the unverified fraction exceeds 30% (spec.md
// §4.3).
func truthfulnessOf(claims []signallog.ClaimRecord) (float64, float64) {
	if len(claims) == 0 {
		return 0.5, 0
	}
	verified := 0
	for _, c := range claims {
		if c.Verified {
			verified++
		}
	}
	ratio := float64(verified) / float64(len(claims))
	unverifiedFraction := 1 - ratio
	if unverifiedFraction > 0.3 {
		excess := unverifiedFraction - 0.3
		ratio -= excess * excess
	}
	return clamp01(ratio), float64(len(claims))
}

// justiceOf blends fairness in the self/other benefit split with awareness
// of asymmetry, approximated by comprehension depth (spec.md §4.3:
// "incorporates awareness-of-asymmetry markers").
func justiceOf(actions []signallog.ActionRecord, comprehensions []signallog.ComprehensionRecord) (float64, float64) {
	if len(actions) == 0 {
		return 0.5, 0
	}
	var sumSelf, sumOther float64
	for _, a := range actions {
		sumSelf += a.BenefitSelf
		sumOther += a.BenefitOther
	}
	n := float64(len(actions))
	fairness := 1 - math.Abs(sumSelf/n-sumOther/n)

	awareness := 0.5
	if len(comprehensions) > 0 {
		var sum float64
		for _, c := range comprehensions {
			sum += c.DepthScore
		}
		awareness = sum / float64(len(comprehensions))
	}

	return clamp01(0.7*fairness + 0.3*awareness), n
}

// trustworthinessOf computes the fulfilled-commitment ratio, decayed by
// how recently the agent last missed a commitment (spec.md §4.3: "× (1 −
// recent_breach_decay)").
func trustworthinessOf(commitments []signallog.CommitmentRecord, now time.Time) (float64, float64) {
	if len(commitments) == 0 {
		return 0.5, 0
	}
	fulfilled := 0
	var lastBreach time.Time
	for _, c := range commitments {
		if c.Fulfilled {
			fulfilled++
		} else if c.At.After(lastBreach) {
			lastBreach = c.At
		}
	}
	ratio := float64(fulfilled) / float64(len(commitments))

	decay := 0.0
	if !lastBreach.IsZero() {
		const halfLife = 24 * time.Hour
		sinceBreach := now.Sub(lastBreach)
		if sinceBreach < 0 {
			sinceBreach = 0
		}
		decay = 0.5 * math.Exp(-float64(sinceBreach)/float64(halfLife))
	}

	return clamp01(ratio * (1 - decay)), float64(len(commitments))
}

// unityOf computes 1 minus the mean conflict score, weighted toward a
// neutral prior by how infrequent collaboration is (spec.md §4.3:
// "weighted by collaboration frequency").
func unityOf(collaborations []signallog.CollaborationRecord) (float64, float64) {
	if len(collaborations) == 0 {
		return 0.5, 0
	}
	var sum float64
	for _, c := range collaborations {
		sum += c.ConflictScore
	}
	n := float64(len(collaborations))
	base := 1 - sum/n

	const freqFloor = 10.0
	freqWeight := n / freqFloor
	if freqWeight > 1 {
		freqWeight = 1
	}

	return clamp01(0.5 + freqWeight*(base-0.5)), n
}

// serviceOf computes benefit-to-others over total benefit across the
// window (spec.md §4.3).
func serviceOf(actions []signallog.ActionRecord) (float64, float64) {
	if len(actions) == 0 {
		return 0.5, 0
	}
	var self, other float64
	for _, a := range actions {
		self += a.BenefitSelf
		other += a.BenefitOther
	}
	total := self + other
	if total <= 0 {
		return 0.5, float64(len(actions))
	}
	return clamp01(other / total), float64(len(actions))
}

// detachmentOf computes 1 minus the credit-seeking ratio. Explicitly not a
// function of outcome (spec.md §4.3: "NOT outcome-indifference").
func detachmentOf(credits []signallog.CreditRecord) (float64, float64) {
	if len(credits) == 0 {
		return 0.5, 0
	}
	selfCredited := 0
	for _, c := range credits {
		if c.SelfCredited {
			selfCredited++
		}
	}
	ratio := float64(selfCredited) / float64(len(credits))
	return clamp01(1 - ratio), float64(len(credits))
}

// understandingOf averages comprehension depth scores (spec.md §4.3:
// "context-awareness tag rate weighted by depth score").
func understandingOf(comprehensions []signallog.ComprehensionRecord) (float64, float64) {
	if len(comprehensions) == 0 {
		return 0.5, 0
	}
	var sum float64
	for _, c := range comprehensions {
		sum += c.DepthScore
	}
	n := float64(len(comprehensions))
	return clamp01(sum / n), n
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
	if math.IsNaN(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
