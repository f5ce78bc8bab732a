package state

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLogBackend_AppendAndRange(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()

	if err := backend.Append(ctx, "agent-1", 1, []byte("a")); err != nil {
		t.Fatalf("Append(1) failed: %v", err)
	}
	if err := backend.Append(ctx, "agent-1", 2, []byte("b")); err != nil {
		t.Fatalf("Append(2) failed: %v", err)
	}

	records, err := backend.Range(ctx, "agent-1", 0, 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(records) != 2 || string(records[0].Data) != "a" || string(records[1].Data) != "b" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestMemoryLogBackend_RejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()

	if err := backend.Append(ctx, "agent-1", 5, []byte("x")); err != nil {
		t.Fatalf("Append(5) failed: %v", err)
	}
	err := backend.Append(ctx, "agent-1", 5, []byte("y"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	err = backend.Append(ctx, "agent-1", 3, []byte("y"))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder for seq going backwards, got %v", err)
	}
}

func TestMemoryLogBackend_DeleteBelowNeverCrossesHorizon(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := backend.Append(ctx, "agent-1", seq, []byte("v")); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}

	if err := backend.DeleteBelow(ctx, "agent-1", 3); err != nil {
		t.Fatalf("DeleteBelow failed: %v", err)
	}

	records, err := backend.Range(ctx, "agent-1", 0, 10)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records at/above horizon, got %d", len(records))
	}
	if records[0].Seq != 3 {
		t.Fatalf("expected first surviving seq to be 3, got %d", records[0].Seq)
	}
}

func TestMemoryLogBackend_LastSeq(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()

	if _, ok, _ := backend.LastSeq(ctx, "agent-1"); ok {
		t.Fatal("expected no last seq for empty stream")
	}

	_ = backend.Append(ctx, "agent-1", 7, []byte("x"))
	last, ok, err := backend.LastSeq(ctx, "agent-1")
	if err != nil || !ok || last != 7 {
		t.Fatalf("LastSeq = (%d, %v, %v), want (7, true, nil)", last, ok, err)
	}
}

func TestMemoryLogBackend_LoadNotFound(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()
	_, err := backend.Load(ctx, "agent-1", 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryLogBackend_Streams(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()
	_ = backend.Append(ctx, "agent-b", 1, []byte("x"))
	_ = backend.Append(ctx, "agent-a", 1, []byte("x"))

	streams, err := backend.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams failed: %v", err)
	}
	if len(streams) != 2 || streams[0] != "agent-a" || streams[1] != "agent-b" {
		t.Fatalf("expected sorted [agent-a agent-b], got %v", streams)
	}
}

func TestMemoryLogBackend_Close(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryLogBackend()
	_ = backend.Append(ctx, "agent-1", 1, []byte("x"))
	if err := backend.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	streams, _ := backend.Streams(ctx)
	if len(streams) != 0 {
		t.Fatalf("expected empty backend after close, got %v", streams)
	}
}
