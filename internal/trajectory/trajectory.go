// Package trajectory implements the ordered, append-only trajectory and
// security-event log (C6, spec.md §4.6): per-agent state/transition
// history, a separate security-event stream, windowed reads for the
// attractor engine, and retention GC that deletes strictly below a
// horizon.
package trajectory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	moralerrors "github.com/ohana-garden/Vessels-sub002/infrastructure/errors"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/resilience"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/state"
	"github.com/ohana-garden/Vessels-sub002/internal/manifold"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/pkg/metrics"
)

const securityStream = "__security__"

// TransitionKind distinguishes a plain state observation from a gated
// action outcome in the per-agent trajectory.
type TransitionKind string

const (
	TransitionObserved TransitionKind = "observed"
	TransitionGated    TransitionKind = "gated"
)

// Entry is a single trajectory record: `(agent_id, timestamp, state,
// transition_kind, action_ref, gating_outcome, violations[])` (spec.md §3).
type Entry struct {
	AgentID        string
	Timestamp      time.Time
	State          moralstate.State
	TransitionKind TransitionKind
	ActionRef      string
	GatingOutcome  string
	Violations     []manifold.RepairStep
}

// SecurityEvent is emitted whenever the gate observes a violation, whether
// or not it blocked (spec.md §3).
type SecurityEvent struct {
	AgentID            string
	Timestamp          time.Time
	OriginalState      moralstate.State
	ProjectedState     *moralstate.State
	Violations         []manifold.RepairStep
	ResidualViolations []manifold.RepairStep
	Allowed            bool
	Reason             string
	Fatal              bool
}

type wireEntry struct {
	AgentID        string                `json:"agent_id"`
	Timestamp      time.Time             `json:"timestamp"`
	State          json.RawMessage       `json:"state"`
	TransitionKind TransitionKind        `json:"transition_kind"`
	ActionRef      string                `json:"action_ref"`
	GatingOutcome  string                `json:"gating_outcome"`
	Violations     []manifold.RepairStep `json:"violations,omitempty"`
}

type wireSecurityEvent struct {
	AgentID            string                `json:"agent_id"`
	Timestamp          time.Time             `json:"timestamp"`
	OriginalState      json.RawMessage       `json:"original_state"`
	ProjectedState     json.RawMessage       `json:"projected_state,omitempty"`
	Violations         []manifold.RepairStep `json:"violations,omitempty"`
	ResidualViolations []manifold.RepairStep `json:"residual_violations,omitempty"`
	Allowed            bool                  `json:"allowed"`
	Reason             string                `json:"reason"`
	Fatal              bool                  `json:"fatal"`
}

// BackPressurePolicy controls what happens when a stream's soft write cap
// is exceeded (spec.md §5: "if the trajectory store's write queue is
// full").
type BackPressurePolicy string

const (
	// PolicyBlockAction rejects the write (the gate call will block),
	// preserving the audit trail. Default.
	PolicyBlockAction BackPressurePolicy = "block_action"
	// PolicyShedAudit accepts the action but drops the audit write,
	// preserving latency and counting the miss.
	PolicyShedAudit BackPressurePolicy = "shed_audit"
)

// Config bounds a Store's per-stream capacity and back-pressure behavior.
type Config struct {
	MaxEntriesPerStream int
	Policy              BackPressurePolicy
	// Breaker and Retry bound how hard a write tries against a failing
	// backend before the caller sees StorageUnavailable. Kept small by
	// default so they never outlast the gate's own latency budget.
	Breaker resilience.Config
	Retry   resilience.RetryConfig
}

// DefaultConfig returns a generous cap with the audit-preserving policy.
func DefaultConfig() Config {
	return Config{
		MaxEntriesPerStream: 100_000,
		Policy:              PolicyBlockAction,
		Breaker:             defaultBreakerConfig(),
		Retry:               defaultRetryConfig(),
	}
}

func defaultBreakerConfig() resilience.Config {
	return resilience.Config{MaxFailures: 3, Timeout: 5 * time.Second, HalfOpenMax: 1}
}

func defaultRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 2, InitialDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: 0.1}
}

func (c Config) sanitize() Config {
	if c.MaxEntriesPerStream <= 0 {
		c.MaxEntriesPerStream = 100_000
	}
	if c.Policy != PolicyShedAudit {
		c.Policy = PolicyBlockAction
	}
	if c.Breaker.MaxFailures <= 0 {
		c.Breaker = defaultBreakerConfig()
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = defaultRetryConfig()
	}
	return c
}

// Store is the durable trajectory and security-event log, backed by any
// state.LogBackend (spec.md §3 "Persisted state layout"; §5 identifies the
// trajectory store boundary as the replication seam).
type Store struct {
	backend state.LogBackend
	cfg     Config
	breaker *resilience.CircuitBreaker

	mu       sync.Mutex
	nextSeq  map[string]uint64
	shedMiss uint64
}

// New creates a Store over backend.
func New(backend state.LogBackend, cfg Config) *Store {
	cfg = cfg.sanitize()
	return &Store{backend: backend, cfg: cfg, breaker: resilience.New(cfg.Breaker), nextSeq: make(map[string]uint64)}
}

// writeRecord appends data to stream through the circuit breaker and a
// short bounded retry, so a flaky backend gets one fast second chance and a
// persistently failing one fails open instead of retrying forever.
func (s *Store) writeRecord(ctx context.Context, stream string, seq uint64, data []byte) error {
	return s.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, s.cfg.Retry, func() error {
			return s.backend.Append(ctx, stream, seq, data)
		})
	})
}

func (s *Store) seqFor(stream string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextSeq[stream] + 1
	s.nextSeq[stream] = n
	return n
}

func (s *Store) streamLen(ctx context.Context, stream string) (int, error) {
	last, ok, err := s.backend.LastSeq(ctx, stream)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return int(last), nil
}

func (s *Store) admit(ctx context.Context, stream string) error {
	n, err := s.streamLen(ctx, stream)
	if err != nil {
		return moralerrors.StorageUnavailable("admit", err)
	}
	if n < s.cfg.MaxEntriesPerStream {
		return nil
	}
	if s.cfg.Policy == PolicyShedAudit {
		s.mu.Lock()
		s.shedMiss++
		s.mu.Unlock()
		return nil
	}
	return moralerrors.New(moralerrors.KindStorageUnavailable, "trajectory write queue full")
}

// AppendState appends a plain state observation (not tied to a gate
// decision) to agentID's trajectory.
func (s *Store) AppendState(ctx context.Context, agentID string, st moralstate.State) error {
	return s.appendEntry(ctx, Entry{
		AgentID: agentID, Timestamp: st.Timestamp, State: st,
		TransitionKind: TransitionObserved,
	})
}

// AppendTransition appends a gate decision's resulting trajectory entry.
func (s *Store) AppendTransition(ctx context.Context, e Entry) error {
	e.TransitionKind = TransitionGated
	return s.appendEntry(ctx, e)
}

func (s *Store) appendEntry(ctx context.Context, e Entry) error {
	stream := "traj:" + e.AgentID
	if err := s.admit(ctx, stream); err != nil {
		return err
	}
	stBytes, err := e.State.MarshalJSON()
	if err != nil {
		return moralerrors.Internal("marshal trajectory state", err)
	}
	w := wireEntry{
		AgentID: e.AgentID, Timestamp: e.Timestamp, State: stBytes,
		TransitionKind: e.TransitionKind, ActionRef: e.ActionRef,
		GatingOutcome: e.GatingOutcome, Violations: e.Violations,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return moralerrors.Internal("marshal trajectory entry", err)
	}
	if err := s.writeRecord(ctx, stream, s.seqFor(stream), data); err != nil {
		return moralerrors.StorageUnavailable("append_trajectory", err)
	}
	metrics.RecordTrajectoryAppend(string(e.TransitionKind))
	return nil
}

// AppendSecurityEvent appends ev to the shared security-event stream.
func (s *Store) AppendSecurityEvent(ctx context.Context, ev SecurityEvent) error {
	if err := s.admit(ctx, securityStream); err != nil {
		return err
	}
	origBytes, err := ev.OriginalState.MarshalJSON()
	if err != nil {
		return moralerrors.Internal("marshal security event", err)
	}
	var projBytes json.RawMessage
	if ev.ProjectedState != nil {
		projBytes, err = ev.ProjectedState.MarshalJSON()
		if err != nil {
			return moralerrors.Internal("marshal security event projected state", err)
		}
	}
	w := wireSecurityEvent{
		AgentID: ev.AgentID, Timestamp: ev.Timestamp, OriginalState: origBytes,
		ProjectedState: projBytes, Violations: ev.Violations,
		ResidualViolations: ev.ResidualViolations, Allowed: ev.Allowed,
		Reason: ev.Reason, Fatal: ev.Fatal,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return moralerrors.Internal("marshal security event", err)
	}
	if err := s.writeRecord(ctx, securityStream, s.seqFor(securityStream), data); err != nil {
		return moralerrors.StorageUnavailable("append_security_event", err)
	}
	metrics.RecordSecurityEvent(ev.Allowed)
	return nil
}

// ShedMisses returns the count of audit writes dropped under the
// shed_audit back-pressure policy.
func (s *Store) ShedMisses() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shedMiss
}

// Window returns agentID's trajectory entries with timestamps in
// [since, until).
func (s *Store) Window(ctx context.Context, agentID string, since, until time.Time) ([]Entry, error) {
	stream := "traj:" + agentID
	last, ok, err := s.backend.LastSeq(ctx, stream)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("window", err)
	}
	if !ok {
		return nil, nil
	}
	records, err := s.backend.Range(ctx, stream, 1, last+1)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("window", err)
	}
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		e, err := decodeEntry(r.Data)
		if err != nil {
			return nil, moralerrors.Internal("decode trajectory entry", err)
		}
		if e.Timestamp.Before(since) || !e.Timestamp.Before(until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SecurityEvents returns security events filtered by agent (empty = all),
// window, and optionally only blocked (allowed=false) events.
func (s *Store) SecurityEvents(ctx context.Context, agentID string, since, until time.Time, blockedOnly bool) ([]SecurityEvent, error) {
	last, ok, err := s.backend.LastSeq(ctx, securityStream)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("security_events", err)
	}
	if !ok {
		return nil, nil
	}
	records, err := s.backend.Range(ctx, securityStream, 1, last+1)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("security_events", err)
	}
	out := make([]SecurityEvent, 0, len(records))
	for _, r := range records {
		ev, err := decodeSecurityEvent(r.Data)
		if err != nil {
			return nil, moralerrors.Internal("decode security event", err)
		}
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		if ev.Timestamp.Before(since) || !ev.Timestamp.Before(until) {
			continue
		}
		if blockedOnly && ev.Allowed {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// AgentWindow is one agent's fixed-width sliding window of consecutive
// states, as consumed by the attractor engine (spec.md §4.7: "concatenated
// 12-D states over a sliding window of size W").
type AgentWindow struct {
	AgentID string
	States  []moralstate.State
}

// AllTrajectories returns, for every known agent stream, every sliding
// window of exactly windowSize consecutive states in that agent's history,
// oldest first.
func (s *Store) AllTrajectories(ctx context.Context, windowSize int) ([]AgentWindow, error) {
	if windowSize <= 0 {
		return nil, moralerrors.New(moralerrors.KindInternal, "window size must be positive")
	}
	streams, err := s.backend.Streams(ctx)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("all_trajectories", err)
	}
	var out []AgentWindow
	for _, stream := range streams {
		if !isTrajectoryStream(stream) {
			continue
		}
		agentID := stream[len("traj:"):]
		last, ok, err := s.backend.LastSeq(ctx, stream)
		if err != nil {
			return nil, moralerrors.StorageUnavailable("all_trajectories", err)
		}
		if !ok {
			continue
		}
		records, err := s.backend.Range(ctx, stream, 1, last+1)
		if err != nil {
			return nil, moralerrors.StorageUnavailable("all_trajectories", err)
		}
		states := make([]moralstate.State, 0, len(records))
		for _, r := range records {
			e, err := decodeEntry(r.Data)
			if err != nil {
				return nil, moralerrors.Internal("decode trajectory entry", err)
			}
			states = append(states, e.State)
		}
		for start := 0; start+windowSize <= len(states); start++ {
			window := make([]moralstate.State, windowSize)
			copy(window, states[start:start+windowSize])
			out = append(out, AgentWindow{AgentID: agentID, States: window})
		}
	}
	return out, nil
}

func isTrajectoryStream(stream string) bool {
	return len(stream) > len("traj:") && stream[:len("traj:")] == "traj:"
}

// GC deletes, from every known stream, every record strictly below horizon
// — never across it (spec.md §3).
func (s *Store) GC(ctx context.Context, horizonAge time.Duration, now time.Time) error {
	streams, err := s.backend.Streams(ctx)
	if err != nil {
		return moralerrors.StorageUnavailable("gc", err)
	}
	horizon := now.Add(-horizonAge)
	for _, stream := range streams {
		last, ok, err := s.backend.LastSeq(ctx, stream)
		if err != nil {
			return moralerrors.StorageUnavailable("gc", err)
		}
		if !ok {
			continue
		}
		records, err := s.backend.Range(ctx, stream, 1, last+1)
		if err != nil {
			return moralerrors.StorageUnavailable("gc", err)
		}
		cutoffSeq := findCutoffSeq(records, horizon)
		if cutoffSeq == 0 {
			continue
		}
		if err := s.backend.DeleteBelow(ctx, stream, cutoffSeq); err != nil {
			return moralerrors.StorageUnavailable("gc", err)
		}
	}
	return nil
}

func findCutoffSeq(records []state.Record, horizon time.Time) uint64 {
	var cutoff uint64
	for _, r := range records {
		ts, err := peekTimestamp(r.Data)
		if err != nil {
			continue
		}
		if ts.Before(horizon) {
			cutoff = r.Seq + 1
		}
	}
	return cutoff
}

func peekTimestamp(data []byte) (time.Time, error) {
	var probe struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return time.Time{}, err
	}
	return probe.Timestamp, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return Entry{}, err
	}
	var st moralstate.State
	if err := st.UnmarshalJSON(w.State); err != nil {
		return Entry{}, err
	}
	return Entry{
		AgentID: w.AgentID, Timestamp: w.Timestamp, State: st,
		TransitionKind: w.TransitionKind, ActionRef: w.ActionRef,
		GatingOutcome: w.GatingOutcome, Violations: w.Violations,
	}, nil
}

func decodeSecurityEvent(data []byte) (SecurityEvent, error) {
	var w wireSecurityEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return SecurityEvent{}, err
	}
	var orig moralstate.State
	if err := orig.UnmarshalJSON(w.OriginalState); err != nil {
		return SecurityEvent{}, err
	}
	ev := SecurityEvent{
		AgentID: w.AgentID, Timestamp: w.Timestamp, OriginalState: orig,
		Violations: w.Violations, ResidualViolations: w.ResidualViolations,
		Allowed: w.Allowed, Reason: w.Reason, Fatal: w.Fatal,
	}
	if len(w.ProjectedState) > 0 {
		var proj moralstate.State
		if err := proj.UnmarshalJSON(w.ProjectedState); err != nil {
			return SecurityEvent{}, err
		}
		ev.ProjectedState = &proj
	}
	return ev, nil
}

// ExportRecord is the neutral, backend-agnostic record shape used for
// offline analysis exports (spec.md §4.6: "Export to a neutral record
// format").
type ExportRecord struct {
	Kind      string          `json:"kind"` // "trajectory" or "security_event"
	AgentID   string          `json:"agent_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Export renders every trajectory and security-event record across all
// known streams as ExportRecords, sorted by timestamp then agent ID.
func (s *Store) Export(ctx context.Context) ([]ExportRecord, error) {
	streams, err := s.backend.Streams(ctx)
	if err != nil {
		return nil, moralerrors.StorageUnavailable("export", err)
	}
	var out []ExportRecord
	for _, stream := range streams {
		last, ok, err := s.backend.LastSeq(ctx, stream)
		if err != nil {
			return nil, moralerrors.StorageUnavailable("export", err)
		}
		if !ok {
			continue
		}
		records, err := s.backend.Range(ctx, stream, 1, last+1)
		if err != nil {
			return nil, moralerrors.StorageUnavailable("export", err)
		}
		kind := "security_event"
		if isTrajectoryStream(stream) {
			kind = "trajectory"
		}
		for _, r := range records {
			ts, err := peekTimestamp(r.Data)
			if err != nil {
				return nil, moralerrors.Internal("export peek timestamp", err)
			}
			agentID := ""
			if isTrajectoryStream(stream) {
				agentID = stream[len("traj:"):]
			} else {
				var probe struct {
					AgentID string `json:"agent_id"`
				}
				_ = json.Unmarshal(r.Data, &probe)
				agentID = probe.AgentID
			}
			out = append(out, ExportRecord{Kind: kind, AgentID: agentID, Timestamp: ts, Payload: r.Data})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}
