// Package calibration implements the calibration and feedback component
// (C9, spec.md §4.9): for each virtue dimension it maintains a rolling
// Pearson correlation between that dimension's value at decision time and
// the aggregated outcome score (internal/outcome.Score), and emits a
// rate-limited advisory — never an automatic threshold change — when the
// correlation drops below a configurable floor with sufficient samples.
package calibration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/logging"
	"github.com/ohana-garden/Vessels-sub002/internal/moralstate"
	"github.com/ohana-garden/Vessels-sub002/internal/outcome"
	"github.com/ohana-garden/Vessels-sub002/pkg/metrics"
)

// Config controls the ring buffer capacity, the correlation floor, the
// minimum sample count before a correlation is trusted, and the advisory
// rate limit.
type Config struct {
	Capacity         int
	RhoMin           float64
	MinSamples       int
	AdvisoryCooldown time.Duration
}

// DefaultConfig mirrors spec.md §4.9's stated intent.
func DefaultConfig() Config {
	return Config{Capacity: 500, RhoMin: 0.2, MinSamples: 30, AdvisoryCooldown: time.Hour}
}

func (c Config) sanitize() Config {
	if c.Capacity <= 0 {
		c.Capacity = 500
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 30
	}
	if c.AdvisoryCooldown <= 0 {
		c.AdvisoryCooldown = time.Hour
	}
	return c
}

// pair is one (virtue value at decision time, outcome score) sample.
type pair struct {
	dimValue float64
	score    float64
}

// dimensionTracker is a fixed-capacity ring buffer of pairs for one
// dimension, plus the last time an advisory fired for it.
type dimensionTracker struct {
	buf          []pair
	next         int
	filled       int
	lastAdvisory time.Time
}

func (t *dimensionTracker) push(p pair, capacity int) {
	if len(t.buf) < capacity {
		t.buf = append(t.buf, p)
	} else {
		t.buf[t.next] = p
	}
	t.next = (t.next + 1) % capacity
	if t.filled < capacity {
		t.filled++
	}
}

// Advisory is a single calibration advisory emission.
type Advisory struct {
	Dimension   moralstate.Dimension
	Correlation float64
	Samples     int
	At          time.Time
}

// Calibrator tracks a rolling per-virtue correlation and emits advisories.
type Calibrator struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	trackers map[moralstate.Dimension]*dimensionTracker
}

var virtueDims = [...]moralstate.Dimension{
	moralstate.DimTruthfulness, moralstate.DimJustice, moralstate.DimTrustworthiness,
	moralstate.DimUnity, moralstate.DimService, moralstate.DimDetachment, moralstate.DimUnderstanding,
}

// New creates a Calibrator with empty trackers for all seven virtue
// dimensions.
func New(cfg Config, logger *logging.Logger) *Calibrator {
	c := &Calibrator{cfg: cfg.sanitize(), logger: logger, trackers: make(map[moralstate.Dimension]*dimensionTracker, len(virtueDims))}
	for _, d := range virtueDims {
		c.trackers[d] = &dimensionTracker{}
	}
	return c
}

// Observe records one outcome against the virtue values of the state that
// was in effect when the action was gated, and returns any advisories that
// fire as a result (spec.md §4.9: rate-limited, advisory only).
func (c *Calibrator) Observe(ctx context.Context, f outcome.Feedback, now time.Time) []Advisory {
	score := outcome.Score(f)
	var advisories []Advisory

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range virtueDims {
		t := c.trackers[d]
		t.push(pair{dimValue: f.StateAtAction.At(d), score: score}, c.cfg.Capacity)

		if t.filled < c.cfg.MinSamples {
			continue
		}
		corr := pearson(t.buf[:t.filled])
		if math.IsNaN(corr) {
			continue
		}
		if corr >= c.cfg.RhoMin {
			continue
		}
		if !t.lastAdvisory.IsZero() && now.Sub(t.lastAdvisory) < c.cfg.AdvisoryCooldown {
			continue
		}
		t.lastAdvisory = now
		advisories = append(advisories, Advisory{Dimension: d, Correlation: corr, Samples: t.filled, At: now})

		metrics.RecordCalibrationAdvisory(d.String(), corr)
		if c.logger != nil {
			c.logger.LogCalibrationAdvisory(ctx, d.String(), corr, t.filled)
		}
	}
	return advisories
}

// Correlation returns the current rolling correlation for dimension d and
// its sample count, for the read-only operator surface.
func (c *Calibrator) Correlation(d moralstate.Dimension) (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[d]
	if !ok || t.filled == 0 {
		return 0, 0
	}
	return pearson(t.buf[:t.filled]), t.filled
}

// pearson computes the Pearson correlation coefficient between dimValue and
// score across samples. Returns NaN if either series has zero variance.
func pearson(samples []pair) float64 {
	n := float64(len(samples))
	if n == 0 {
		return math.NaN()
	}
	var sumX, sumY float64
	for _, s := range samples {
		sumX += s.dimValue
		sumY += s.score
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for _, s := range samples {
		dx := s.dimValue - meanX
		dy := s.score - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varX*varY)
}
