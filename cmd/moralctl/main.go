// Command moralctl is a read-only operator CLI for the moral-constraint
// engine. Unlike slctl (which speaks HTTP to a remote Service Layer), it
// loads its own configuration and opens its own in-process engine.Engine
// over a fresh in-memory trajectory backend — there is no network hop, and
// each invocation starts from an empty store, so commands see only what that
// invocation itself records. Log lines go to stderr so stdout carries only
// the command's JSON output.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ohana-garden/Vessels-sub002/infrastructure/logging"
	"github.com/ohana-garden/Vessels-sub002/infrastructure/state"
	"github.com/ohana-garden/Vessels-sub002/internal/engine"
	"github.com/ohana-garden/Vessels-sub002/pkg/config"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("moralctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	configFlag := root.String("config", os.Getenv("CONFIG_FILE"), "Path to config YAML (env CONFIG_FILE)")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewFromEnv("moralctl")
	logger.SetOutput(os.Stderr)
	eng := engine.New(engine.FromConfig(cfg), state.NewMemoryLogBackend(), logger)

	switch remaining[0] {
	case "gate":
		return handleGate(ctx, eng, remaining[1:])
	case "events":
		return handleEvents(ctx, eng, remaining[1:])
	case "attractors":
		return handleAttractors(eng, remaining[1:])
	case "calibration":
		return handleCalibration(ctx, eng, remaining[1:])
	case "config":
		return handleConfig(cfg)
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`moralctl: operator CLI for the moral-constraint engine

Usage:
  moralctl [--config path] <command> [flags]

Commands:
  gate --agent <id>                       Run one admission decision and print the GateResult
  events --agent <id> [--blocked] [--since dur] [--until dur]
                                           List security events in a time window
  attractors                              Dump the current attractor snapshot with classifications
  calibration --agent <id> --dimension <name>
                                           Print the current rolling correlation for a virtue dimension
  config                                  Dump the active configuration
  help                                    Show this message`)
}

// loadConfig mirrors config.Load's env/file precedence but lets --config
// win over CONFIG_FILE when both are set.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func handleConfig(cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleGate(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var agentID string
	fs.StringVar(&agentID, "agent", "", "Agent ID (required)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if agentID == "" {
		return usageError(errors.New("agent is required (use --agent)"))
	}

	result := eng.Decide(ctx, agentID, time.Now())
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleEvents(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var agentID string
	var sinceDur, untilDur time.Duration
	blockedOnly := fs.Bool("blocked", false, "Only show blocked (allowed=false) events")
	fs.StringVar(&agentID, "agent", "", "Agent ID (empty matches all agents)")
	fs.DurationVar(&sinceDur, "since", 24*time.Hour, "How far back to look")
	fs.DurationVar(&untilDur, "until", 0, "How far into the future to include (0 = now)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	now := time.Now()
	until := now.Add(untilDur)
	events, err := eng.SecurityEvents(ctx, agentID, now.Add(-sinceDur), until, *blockedOnly)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleAttractors(eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("attractors", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	snap := eng.AttractorSnapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleCalibration(ctx context.Context, eng *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("calibration", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var agentID, dimension string
	fs.StringVar(&agentID, "agent", "", "Agent ID (required)")
	fs.StringVar(&dimension, "dimension", "", "Virtue dimension name (required, e.g. truthfulness)")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if dimension == "" {
		return usageError(errors.New("dimension is required (use --dimension)"))
	}
	if agentID == "" {
		return usageError(errors.New("agent is required (use --agent)"))
	}

	summary, err := eng.AgentMetricSummary(ctx, agentID, time.Now())
	if err != nil {
		return err
	}
	corr, ok := summary.Correlations[dimension]
	if !ok {
		fmt.Printf("no calibration correlation available yet for dimension %q\n", dimension)
		return nil
	}
	fmt.Printf("%s: correlation=%.4f\n", dimension, corr)
	return nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}
