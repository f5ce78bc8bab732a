package trajectory

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/state"
)

// TestWindowPreservesAppendOrder property-tests invariant 6: per-agent
// trajectory timestamps are strictly non-decreasing, as long as callers
// append in real-time order (the store's only contract — it is an
// append-only log, not a sort). Randomized batch sizes and agent counts
// guard against an off-by-one in seq allocation reordering entries.
func TestWindowPreservesAppendOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(20260731))
	ctx := context.Background()

	for trial := 0; trial < 20; trial++ {
		s := newStore()
		agentID := "agent"
		now := time.Now()
		n := 5 + rng.Intn(40)
		for i := 0; i < n; i++ {
			ts := now.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.AppendState(ctx, agentID, sampleState(agentID, ts)))
		}

		entries, err := s.Window(ctx, agentID, now.Add(-time.Second), now.Add(time.Duration(n+1)*time.Second))
		require.NoError(t, err)
		require.Len(t, entries, n)
		for i := 1; i < len(entries); i++ {
			require.Falsef(t, entries[i].Timestamp.Before(entries[i-1].Timestamp),
				"trajectory timestamps out of order at index %d: %v before %v", i, entries[i].Timestamp, entries[i-1].Timestamp)
		}
	}
}

// TestSecurityEventImmutableOnReread property-tests invariant 7: security
// events are never mutated after emission. Reads the same event twice from
// the backend and confirms byte-for-byte equality, then mutates the first
// read's backing bytes and confirms the second read is unaffected.
func TestSecurityEventImmutableOnReread(t *testing.T) {
	backend := state.NewMemoryLogBackend()
	s := New(backend, DefaultConfig())
	ctx := context.Background()
	now := time.Now()
	st := sampleState("a", now)

	require.NoError(t, s.AppendSecurityEvent(ctx, SecurityEvent{
		AgentID: "a", Timestamp: now, OriginalState: st, Allowed: false, Reason: "blocked",
	}))

	first, err := backend.Range(ctx, securityStream, 1, 2)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := backend.Range(ctx, securityStream, 1, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)

	require.Equal(t, first[0].Data, second[0].Data)

	for i := range first[0].Data {
		first[0].Data[i] = 0
	}
	third, err := backend.Range(ctx, securityStream, 1, 2)
	require.NoError(t, err)
	require.Equal(t, second[0].Data, third[0].Data, "mutating a previously read record must not affect later reads")
}
