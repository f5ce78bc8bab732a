package outcome

import (
	"testing"
	"time"
)

func TestAggregateMeansAcrossAgents(t *testing.T) {
	log := New(time.Hour)
	now := time.Now()

	log.Record(Feedback{AgentID: "a", Effectiveness: 0.8, UserFeedback: 0.6, Timestamp: now}, now)
	log.Record(Feedback{AgentID: "b", Effectiveness: 0.4, UserFeedback: -0.2, Timestamp: now}, now)

	agg := log.Aggregate([]string{"a", "b"}, now.Add(-time.Minute))
	if agg.Samples != 2 {
		t.Fatalf("expected 2 samples, got %d", agg.Samples)
	}
	wantEff := 0.6
	if diff := agg.MeanEffectiveness - wantEff; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected mean effectiveness %v, got %v", wantEff, agg.MeanEffectiveness)
	}
}

func TestAggregateExcludesEntriesBeforeSince(t *testing.T) {
	log := New(time.Hour)
	now := time.Now()

	log.Record(Feedback{AgentID: "a", Effectiveness: 0.9, Timestamp: now.Add(-2 * time.Hour)}, now)
	log.Record(Feedback{AgentID: "a", Effectiveness: 0.1, Timestamp: now}, now)

	agg := log.Aggregate([]string{"a"}, now.Add(-time.Minute))
	if agg.Samples != 1 || agg.MeanEffectiveness != 0.1 {
		t.Fatalf("expected only the recent entry, got %+v", agg)
	}
}

func TestAggregateWithNoSamplesIsZeroValue(t *testing.T) {
	log := New(time.Hour)
	agg := log.Aggregate([]string{"ghost"}, time.Now())
	if agg.Samples != 0 {
		t.Fatalf("expected zero samples, got %+v", agg)
	}
}

func TestRecordPrunesOutsideRetentionWindow(t *testing.T) {
	log := New(time.Hour)
	now := time.Now()

	log.Record(Feedback{AgentID: "a", Timestamp: now.Add(-2 * time.Hour)}, now)
	log.Record(Feedback{AgentID: "a", Timestamp: now}, now)

	recent := log.Recent("a", now.Add(-3*time.Hour))
	if len(recent) != 1 {
		t.Fatalf("expected pruning to drop the entry beyond the retention window, got %d entries", len(recent))
	}
}

func TestAdjustedCostDiscountsComplexityAndUrgency(t *testing.T) {
	f := Feedback{Resource: 1.0, TaskComplexity: 1.0, Urgency: 1.0}
	// 1 - 0.5 - 0.3 = 0.2
	if got := f.AdjustedCost(); got != 0.2 {
		t.Fatalf("expected adjusted cost 0.2, got %v", got)
	}
}

func TestAdjustedCostClampedToZero(t *testing.T) {
	f := Feedback{Resource: 1.0, TaskComplexity: 1.0, Urgency: 1.0}
	f.TaskComplexity = 2
	if got := f.AdjustedCost(); got != 0 {
		t.Fatalf("expected adjusted cost clamped to 0, got %v", got)
	}
}

func TestScoreCombinesFeedbackAndPenalizesSecurityEvents(t *testing.T) {
	clean := Score(Feedback{UserFeedback: 1, Effectiveness: 1})
	withBreach := Score(Feedback{UserFeedback: 1, Effectiveness: 1, SecurityEvents: 2})
	if withBreach >= clean {
		t.Fatalf("expected security events to penalize score: clean=%v withBreach=%v", clean, withBreach)
	}
}
