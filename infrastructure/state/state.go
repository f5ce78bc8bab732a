// Package state provides the append-only, ordered log storage primitive
// backing the trajectory store and security event log (spec §3, §6):
// "Security events are append-only; no in-place mutation after emission"
// and a GC that "deletes strictly below the horizon — never across it".
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a requested sequence number has no record,
// either because it was never written or because it fell below the
// retention horizon and was GC'd.
var ErrNotFound = errors.New("sequence not found")

// ErrOutOfOrder is returned when Append is called with a sequence number
// not strictly greater than the stream's last appended sequence, preserving
// the "strictly time-ordered per agent" trajectory invariant at the storage
// layer.
var ErrOutOfOrder = errors.New("sequence out of order")

// Record pairs an opaque payload with the monotonic sequence it was
// appended under.
type Record struct {
	Seq  uint64
	Data []byte
}

// LogBackend is an append-only, per-stream ordered log. A "stream" is
// typically an agent ID (trajectory) or a fixed name (security events).
// Implementations must never mutate a Record once Append has returned.
type LogBackend interface {
	// Append writes data at seq in stream. seq must be strictly greater
	// than every previously appended seq in that stream.
	Append(ctx context.Context, stream string, seq uint64, data []byte) error
	// Range returns records in [fromSeq, untilSeq) ordered by seq.
	Range(ctx context.Context, stream string, fromSeq, untilSeq uint64) ([]Record, error)
	// LastSeq returns the highest seq appended to stream, and false if the
	// stream is empty.
	LastSeq(ctx context.Context, stream string) (uint64, bool, error)
	// DeleteBelow permanently removes every record with seq < horizon.
	// It never removes a record at or above horizon.
	DeleteBelow(ctx context.Context, stream string, horizon uint64) error
	// Streams lists known stream names, for GC sweeps and export.
	Streams(ctx context.Context) ([]string, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// MemoryLogBackend is an in-process LogBackend, the default for tests and
// single-node deployments. A durable backend implementing the same
// interface is the identified replication seam (spec §1, §5).
type MemoryLogBackend struct {
	mu      sync.RWMutex
	streams map[string][]Record
}

// NewMemoryLogBackend creates an empty in-memory backend.
func NewMemoryLogBackend() *MemoryLogBackend {
	return &MemoryLogBackend{streams: make(map[string][]Record)}
}

func (m *MemoryLogBackend) Append(_ context.Context, stream string, seq uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.streams[stream]
	if len(records) > 0 && seq <= records[len(records)-1].Seq {
		return ErrOutOfOrder
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	m.streams[stream] = append(records, Record{Seq: seq, Data: cp})
	return nil
}

func (m *MemoryLogBackend) Range(_ context.Context, stream string, fromSeq, untilSeq uint64) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.streams[stream]
	start := sort.Search(len(records), func(i int) bool { return records[i].Seq >= fromSeq })
	out := make([]Record, 0, len(records)-start)
	for _, r := range records[start:] {
		if r.Seq >= untilSeq {
			break
		}
		cp := make([]byte, len(r.Data))
		copy(cp, r.Data)
		out = append(out, Record{Seq: r.Seq, Data: cp})
	}
	return out, nil
}

func (m *MemoryLogBackend) LastSeq(_ context.Context, stream string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.streams[stream]
	if len(records) == 0 {
		return 0, false, nil
	}
	return records[len(records)-1].Seq, true, nil
}

func (m *MemoryLogBackend) DeleteBelow(_ context.Context, stream string, horizon uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := m.streams[stream]
	idx := sort.Search(len(records), func(i int) bool { return records[i].Seq >= horizon })
	if idx == 0 {
		return nil
	}
	kept := make([]Record, len(records)-idx)
	copy(kept, records[idx:])
	m.streams[stream] = kept
	return nil
}

func (m *MemoryLogBackend) Streams(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.streams))
	for s := range m.streams {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryLogBackend) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string][]Record)
	return nil
}

// Load looks up a single record by exact seq, returning ErrNotFound if
// absent (never written, or GC'd below the horizon).
func (m *MemoryLogBackend) Load(ctx context.Context, stream string, seq uint64) (Record, error) {
	records, err := m.Range(ctx, stream, seq, seq+1)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{}, ErrNotFound
	}
	return records[0], nil
}
