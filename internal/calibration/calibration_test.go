package calibration

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/internal/outcome"
)

func feedbackWith(truthfulness, userFeedback float64, ts time.Time) outcome.Feedback {
	st := moralstate.New("a1", ts, moralstate.Params{Truthfulness: truthfulness})
	return outcome.Feedback{AgentID: "a1", StateAtAction: st, UserFeedback: userFeedback, Effectiveness: 0.5, Timestamp: ts}
}

func TestObserveNoAdvisoryBelowMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 100
	c := New(cfg, nil)
	now := time.Now()

	for i := 0; i < 10; i++ {
		advisories := c.Observe(context.Background(), feedbackWith(0.9, 0.9, now), now)
		if len(advisories) != 0 {
			t.Fatalf("expected no advisories below MinSamples, got %+v", advisories)
		}
	}
}

func TestObserveFiresAdvisoryOnNegativeCorrelation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 10
	cfg.RhoMin = 0.5
	c := New(cfg, nil)
	now := time.Now()

	var all []Advisory
	for i := 0; i < 20; i++ {
		// truthfulness high correlates with BAD feedback (inverse relationship).
		truthfulness := 0.2 + 0.04*float64(i%10)
		userFeedback := 0.9 - 0.18*float64(i%10)
		all = append(all, c.Observe(context.Background(), feedbackWith(truthfulness, userFeedback, now), now)...)
	}
	if len(all) == 0 {
		t.Fatal("expected an advisory once enough anti-correlated samples accumulate")
	}
	found := false
	for _, a := range all {
		if a.Dimension == moralstate.DimTruthfulness {
			found = true
			if a.Correlation >= cfg.RhoMin {
				t.Fatalf("expected correlation below RhoMin, got %v", a.Correlation)
			}
		}
	}
	if !found {
		t.Fatal("expected a truthfulness advisory")
	}
}

func TestObserveRespectsAdvisoryCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamples = 10
	cfg.RhoMin = 0.9 // easy to trip
	cfg.AdvisoryCooldown = time.Hour
	c := New(cfg, nil)
	now := time.Now()

	fired := 0
	for i := 0; i < 15; i++ {
		truthfulness := 0.1 + 0.05*float64(i%10)
		userFeedback := 0.9 - 0.1*float64(i%10)
		advisories := c.Observe(context.Background(), feedbackWith(truthfulness, userFeedback, now), now)
		fired += len(advisories)
	}
	if fired == 0 {
		t.Fatal("expected at least one advisory")
	}
	if fired > 7 {
		t.Fatalf("expected cooldown to suppress repeat advisories per dimension, got %d fires", fired)
	}
}

func TestCorrelationReturnsZeroWithNoSamples(t *testing.T) {
	c := New(DefaultConfig(), nil)
	corr, n := c.Correlation(moralstate.DimJustice)
	if n != 0 || corr != 0 {
		t.Fatalf("expected zero-value correlation, got %v samples=%d", corr, n)
	}
}

func TestPearsonZeroVarianceIsNaN(t *testing.T) {
	samples := []pair{{1, 1}, {1, 1}, {1, 1}}
	if !math.IsNaN(pearson(samples)) {
		t.Fatal("expected NaN for zero-variance input")
	}
}

func TestPearsonPerfectPositiveCorrelation(t *testing.T) {
	samples := []pair{{0, 0}, {1, 1}, {2, 2}, {3, 3}}
	got := pearson(samples)
	if math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("expected correlation 1.0, got %v", got)
	}
}
