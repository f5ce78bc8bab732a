// Package logging provides structured logging with trace ID support for the
// moral-constraint enforcement engine.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// AgentIDKey is the context key for the agent a gate call concerns.
	AgentIDKey ContextKey = "agent_id"
	// ServiceKey is the context key for component name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with moral-engine field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for a named component (e.g. "gate",
// "manifold", "attractor-engine").
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext creates a new logger entry carrying trace/agent context values.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if agentID := ctx.Value(AgentIDKey); agentID != nil {
		entry = entry.WithField("agent_id", agentID)
	}

	return entry
}

// WithAgent creates a new logger entry scoped to an agent.
func (l *Logger) WithAgent(agentID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"agent_id":  agentID,
	})
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helpers

// NewTraceID generates a new trace ID.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithAgentID adds an agent ID to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// GetAgentID retrieves the agent ID from context.
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// Domain-specific structured logging helpers

// LogGateDecision logs the outcome of an action-gate admission call.
func (l *Logger) LogGateDecision(ctx context.Context, agentID, outcome, reason string, duration time.Duration, violations int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"agent_id":    agentID,
		"outcome":     outcome,
		"reason":      reason,
		"duration_ms": duration.Milliseconds(),
		"violations":  violations,
	}).Info("gate decision")
}

// LogSecurityEvent logs an append-only security event emission.
func (l *Logger) LogSecurityEvent(ctx context.Context, agentID string, allowed bool, details map[string]interface{}) {
	fields := logrus.Fields{
		"agent_id": agentID,
		"allowed":  allowed,
	}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogIntervention logs an intervention attached to a gate call.
func (l *Logger) LogIntervention(ctx context.Context, agentID, kind, attractorID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"agent_id":     agentID,
		"intervention": kind,
		"attractor_id": attractorID,
	}).Info("intervention issued")
}

// LogAttractorRecompute logs the result of a clustering recompute cycle.
func (l *Logger) LogAttractorRecompute(ctx context.Context, generation uint64, clusters int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"generation":  generation,
		"clusters":    clusters,
		"duration_ms": duration.Milliseconds(),
	}).Info("attractor snapshot recomputed")
}

// LogCalibrationAdvisory logs a calibration advisory emission.
func (l *Logger) LogCalibrationAdvisory(ctx context.Context, dimension string, correlation float64, samples int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"dimension":   dimension,
		"correlation": correlation,
		"samples":     samples,
	}).Warn("calibration advisory")
}

// Global default logger

var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, initializing a fallback if needed.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("engine", "info", "json")
	}
	return defaultLogger
}

// FormatDuration renders a duration as milliseconds with two decimals, used
// in human-readable (non-JSON) log lines and CLI output.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
