// Package metrics exposes Prometheus collectors for the moral-constraint
// enforcement engine: gate decision latency/outcome, intervention actions,
// attractor population, and calibration advisories (spec §6, SPEC_FULL §6A).
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "moralctl",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moralctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	// gateDecisions counts admission outcomes by final verdict kind
	// (allowed|allowed_with_correction|blocked) per spec §4.5.
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total gate admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	gateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moralctl",
			Subsystem: "gate",
			Name:      "decision_duration_seconds",
			Help:      "Wall-clock duration of the gate's measure-validate-project-decide pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"outcome"},
	)

	gateViolations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moralctl",
			Subsystem: "gate",
			Name:      "violations_per_decision",
			Help:      "Count of constraint violations observed per gate decision.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12},
		},
		[]string{"outcome"},
	)

	// interventions counts intervention manager actions by kind (spec §4.8).
	interventions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "intervention",
			Name:      "actions_total",
			Help:      "Total intervention actions taken, by kind.",
		},
		[]string{"kind"},
	)

	// attractorPopulation tracks the size of each classified attractor in the
	// current snapshot (spec §4.7).
	attractorPopulation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "moralctl",
			Subsystem: "attractor",
			Name:      "population",
			Help:      "Member count of each attractor in the current snapshot, by classification.",
		},
		[]string{"attractor_id", "classification"},
	)

	attractorRecomputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "moralctl",
			Subsystem: "attractor",
			Name:      "recompute_duration_seconds",
			Help:      "Duration of an attractor snapshot recompute pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
	)

	attractorGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "moralctl",
			Subsystem: "attractor",
			Name:      "generation",
			Help:      "Monotonic generation number of the current attractor snapshot.",
		},
	)

	// calibrationAdvisories counts emitted correlation advisories by dimension
	// (spec §4.9).
	calibrationAdvisories = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "calibration",
			Name:      "advisories_total",
			Help:      "Total calibration advisories emitted, by dimension.",
		},
		[]string{"dimension"},
	)

	calibrationCorrelation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "moralctl",
			Subsystem: "calibration",
			Name:      "correlation",
			Help:      "Latest Pearson correlation between virtue dimension and outcome, by dimension.",
		},
		[]string{"dimension"},
	)

	trajectoryAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "trajectory",
			Name:      "appends_total",
			Help:      "Total records appended to the trajectory store, by stream kind.",
		},
		[]string{"stream_kind"},
	)

	securityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moralctl",
			Subsystem: "security",
			Name:      "events_total",
			Help:      "Total security events logged, by whether the action was allowed.",
		},
		[]string{"allowed"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		gateDecisions,
		gateDuration,
		gateViolations,
		interventions,
		attractorPopulation,
		attractorRecomputeDuration,
		attractorGeneration,
		calibrationAdvisories,
		calibrationCorrelation,
		trajectoryAppends,
		securityEvents,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordGateDecision records the outcome, latency, and violation count of a
// single admission decision.
func RecordGateDecision(outcome string, duration time.Duration, violations int) {
	if outcome == "" {
		outcome = "unknown"
	}
	gateDecisions.WithLabelValues(outcome).Inc()
	gateDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	gateViolations.WithLabelValues(outcome).Observe(float64(violations))
}

// RecordIntervention records an intervention manager action by kind
// (none|warn|throttle|supervise|restrict|block).
func RecordIntervention(kind string) {
	if kind == "" {
		kind = "none"
	}
	interventions.WithLabelValues(kind).Inc()
}

// AttractorMember describes one attractor in a snapshot for gauge reporting.
type AttractorMember struct {
	ID             string
	Classification string
	Population     int
}

// RecordAttractorSnapshot replaces the population gauge with the members of
// the latest snapshot and records the recompute's duration and generation.
func RecordAttractorSnapshot(generation uint64, members []AttractorMember, duration time.Duration) {
	attractorPopulation.Reset()
	for _, m := range members {
		attractorPopulation.WithLabelValues(m.ID, m.Classification).Set(float64(m.Population))
	}
	attractorGeneration.Set(float64(generation))
	attractorRecomputeDuration.Observe(duration.Seconds())
}

// RecordCalibrationAdvisory records an emitted advisory and the correlation
// that triggered it for a given virtue dimension.
func RecordCalibrationAdvisory(dimension string, correlation float64) {
	if dimension == "" {
		dimension = "unknown"
	}
	calibrationAdvisories.WithLabelValues(dimension).Inc()
	calibrationCorrelation.WithLabelValues(dimension).Set(correlation)
}

// RecordTrajectoryAppend records a single append to the trajectory store.
func RecordTrajectoryAppend(streamKind string) {
	if streamKind == "" {
		streamKind = "unknown"
	}
	trajectoryAppends.WithLabelValues(streamKind).Inc()
}

// RecordSecurityEvent records a security event emission.
func RecordSecurityEvent(allowed bool) {
	securityEvents.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses per-agent path segments so the requests_total and
// request_duration_seconds label cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "agents" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/agents"
	}
	if len(parts) == 2 {
		return "/agents/:agent"
	}
	return "/agents/:agent/" + parts[2]
}
