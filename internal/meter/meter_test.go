package meter

import (
	"testing"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/errors"
	"github.com/ohana-garden/Vessels-sub002/internal/signallog"
)

func TestMeasureInsufficientSignalWhenNoActions(t *testing.T) {
	log := signallog.New(time.Hour)
	m := New(DefaultConfig(), log)

	_, err := m.Measure("agent-1", time.Now())
	if errors.GetKind(err) != errors.KindInsufficientSignal {
		t.Fatalf("expected InsufficientSignal, got %v", err)
	}
}

func TestMeasureActivitySaturates(t *testing.T) {
	log := signallog.New(time.Hour)
	now := time.Now()
	cfg := Config{ActivityWindow: time.Minute, ActivityCeiling: 2, KMin: 1}
	for i := 0; i < 10; i++ {
		log.RecordAction("agent-1", signallog.ActionRecord{At: now, Kind: "x"})
	}
	m := New(cfg, log)

	result, err := m.Measure("agent-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Activity != 1 {
		t.Fatalf("expected activity saturated to 1, got %v", result.Activity)
	}
}

func TestMeasureEffectivenessTracksSuccess(t *testing.T) {
	log := signallog.New(time.Hour)
	now := time.Now()
	success := true
	for i := 0; i < 5; i++ {
		log.RecordAction("agent-1", signallog.ActionRecord{At: now, Kind: "x", Success: &success})
	}
	m := New(DefaultConfig(), log)

	result, err := m.Measure("agent-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Effectiveness <= 0.5 {
		t.Fatalf("expected effectiveness to rise above neutral prior, got %v", result.Effectiveness)
	}
}

func TestMeasureHealthPenalizesErrors(t *testing.T) {
	log := signallog.New(time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		log.RecordAction("agent-1", signallog.ActionRecord{At: now, Kind: "x", IsError: true})
	}
	m := New(DefaultConfig(), log)

	result, err := m.Measure("agent-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Health >= 0.5 {
		t.Fatalf("expected health to fall below neutral prior under errors, got %v", result.Health)
	}
}

func TestMeasureCoordinationTracksPeers(t *testing.T) {
	log := signallog.New(time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		log.RecordAction("agent-1", signallog.ActionRecord{At: now, Kind: "x", Peers: []string{"agent-2"}})
	}
	m := New(DefaultConfig(), log)

	result, err := m.Measure("agent-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Coordination <= 0.5 {
		t.Fatalf("expected coordination to rise above neutral prior, got %v", result.Coordination)
	}
}

func TestConfidenceRisesWithSamples(t *testing.T) {
	log := signallog.New(time.Hour)
	now := time.Now()
	cfg := Config{ActivityWindow: time.Minute, ActivityCeiling: 100, KMin: 10}
	for i := 0; i < 10; i++ {
		log.RecordAction("agent-1", signallog.ActionRecord{At: now, Kind: "x"})
	}
	m := New(cfg, log)

	result, err := m.Measure("agent-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConfActivity != 1 {
		t.Fatalf("expected confidence to saturate at k_min samples, got %v", result.ConfActivity)
	}
}
