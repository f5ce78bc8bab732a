// Package config loads the engine's process-wide configuration surface
// (spec.md §6): window sizes, EMA alphas, manifold/projection budgets,
// clustering and classification parameters, intervention thresholds, and
// audit durability policy. A YAML file provides defaults, environment
// variables override it, and a Store allows a barrier-guarded hot swap
// (spec.md §4.4/§5's "hot-reloadable with barrier").
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SignalConfig controls the operational meter and virtue inferencer's
// windowing and smoothing (spec.md §4.2, §4.3).
type SignalConfig struct {
	WindowSize  int     `yaml:"window_size" env:"SIGNAL_WINDOW_SIZE"`
	EMAAlpha    float64 `yaml:"ema_alpha" env:"SIGNAL_EMA_ALPHA"`
	KMin        int     `yaml:"k_min" env:"SIGNAL_K_MIN"`
	RetentionHz int     `yaml:"retention_horizon" env:"SIGNAL_RETENTION_HORIZON"`
}

// ManifoldConfig controls constraint overlay selection and the bounded
// projection loop (spec.md §4.4).
type ManifoldConfig struct {
	Overlays        []string `yaml:"overlays" env:"MANIFOLD_OVERLAYS"`
	ProjectionN     int      `yaml:"projection_n" env:"MANIFOLD_PROJECTION_N"`
	PerDimStepCap   float64  `yaml:"per_dim_step_cap" env:"MANIFOLD_STEP_CAP"`
	LatencyBudgetMS int64    `yaml:"latency_budget_ms" env:"MANIFOLD_LATENCY_BUDGET_MS"`
	TimeoutBlocks   bool     `yaml:"timeout_blocks" env:"MANIFOLD_TIMEOUT_BLOCKS"`
}

// ClusteringConfig controls the DBSCAN-based attractor engine (spec.md §4.7).
type ClusteringConfig struct {
	Epsilon    float64 `yaml:"epsilon" env:"CLUSTER_EPSILON"`
	MinSamples int     `yaml:"min_samples" env:"CLUSTER_MIN_SAMPLES"`
	Window     int     `yaml:"window" env:"CLUSTER_WINDOW"`
}

// ClassificationConfig controls attractor outcome classification thresholds
// (spec.md §4.7: τ_eff, τ_fb, τ_low, τ_cost).
type ClassificationConfig struct {
	TauEffective float64 `yaml:"tau_effective" env:"CLASS_TAU_EFF"`
	TauFeedback  float64 `yaml:"tau_feedback" env:"CLASS_TAU_FB"`
	TauLow       float64 `yaml:"tau_low" env:"CLASS_TAU_LOW"`
	TauCost      float64 `yaml:"tau_cost" env:"CLASS_TAU_COST"`
}

// InterventionConfig controls the tenure escalation thresholds and
// rate-limit factors of the intervention manager (spec.md §4.8). Tenure
// thresholds are expressed in minutes since member_tenure is wall-clock
// time spent inside a detrimental attractor, not a unitless score.
type InterventionConfig struct {
	T1Minutes      int     `yaml:"t1_minutes" env:"INTERVENTION_T1_MINUTES"`
	T2Minutes      int     `yaml:"t2_minutes" env:"INTERVENTION_T2_MINUTES"`
	T3Minutes      int     `yaml:"t3_minutes" env:"INTERVENTION_T3_MINUTES"`
	ThrottleFactor float64 `yaml:"throttle_factor" env:"INTERVENTION_THROTTLE_FACTOR"`
	RestrictFactor float64 `yaml:"restrict_factor" env:"INTERVENTION_RESTRICT_FACTOR"`
}

// BackPressureConfig controls the gate's behavior under storage failure
// (spec.md §6, §7 StorageUnavailable).
type BackPressureConfig struct {
	Policy    string `yaml:"policy" env:"BACKPRESSURE_POLICY"` // block|allow|degrade
	FsyncMode string `yaml:"fsync_mode" env:"AUDIT_FSYNC_MODE"` // on|off|every_n
	FsyncN    int    `yaml:"fsync_n" env:"AUDIT_FSYNC_N"`
}

// LoggingConfig controls structured logging (infrastructure/logging).
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// ServerConfig controls the operator-facing HTTP egress surface (spec.md
// §6A: /metrics, /healthz).
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// Config is the top-level configuration structure, loaded once at process
// start and held behind a Store for hot reload.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Signal         SignalConfig         `yaml:"signal"`
	Manifold       ManifoldConfig       `yaml:"manifold"`
	Clustering     ClusteringConfig     `yaml:"clustering"`
	Classification ClassificationConfig `yaml:"classification"`
	Intervention   InterventionConfig   `yaml:"intervention"`
	BackPressure   BackPressureConfig   `yaml:"back_pressure"`
}

// New returns a configuration populated with the engine's defaults.
func New() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Signal: SignalConfig{
			WindowSize:  50,
			EMAAlpha:    0.2,
			KMin:        5,
			RetentionHz: 10000,
		},
		Manifold: ManifoldConfig{
			ProjectionN:     25,
			PerDimStepCap:   0.15,
			LatencyBudgetMS: 50,
			TimeoutBlocks:   true,
		},
		Clustering: ClusteringConfig{
			Epsilon:    0.35,
			MinSamples: 4,
			Window:     200,
		},
		Classification: ClassificationConfig{
			TauEffective: 0.6,
			TauFeedback:  0.5,
			TauLow:       0.3,
			TauCost:      0.4,
		},
		Intervention: InterventionConfig{
			T1Minutes:      5,
			T2Minutes:      30,
			T3Minutes:      120,
			ThrottleFactor: 0.25,
			RestrictFactor: 0.15,
		},
		BackPressure: BackPressureConfig{
			Policy:    "block",
			FsyncMode: "every_n",
			FsyncN:    20,
		},
	}
}

// Load loads configuration from a YAML file (if present) and environment
// variable overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Store holds a Config behind a barrier so readers never observe a
// partially-applied reload, mirroring the atomic attractor snapshot swap
// (spec.md §4.7, §5).
type Store struct {
	mu  sync.RWMutex
	cur *Config
}

// NewStore wraps an initial Config in a Store.
func NewStore(initial *Config) *Store {
	return &Store{cur: initial}
}

// Get returns the currently active Config.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Swap atomically replaces the active Config, for hot reload.
func (s *Store) Swap(next *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = next
}
