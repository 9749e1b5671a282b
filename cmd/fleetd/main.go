// Fleetd is a multi-tenant fleet of hierarchically addressed inventory
// agents.
//
// Each agent owns one (tenant, path) pair, persists its state to a
// private SQLite database, exchanges messages with its parent and
// children, and streams state to subscribed clients over websockets.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	fleetd serve             Start the fleet server
//	fleetd init [dir]        Initialize a working directory with defaults
//	fleetd version           Print version and build information
//	fleetd -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/blakebauman/fleetd/internal/agent"
	"github.com/blakebauman/fleetd/internal/approval"
	"github.com/blakebauman/fleetd/internal/buildinfo"
	"github.com/blakebauman/fleetd/internal/bus"
	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/config"
	"github.com/blakebauman/fleetd/internal/modelclient"
	"github.com/blakebauman/fleetd/internal/router"
	"github.com/blakebauman/fleetd/internal/vector"
	"github.com/blakebauman/fleetd/internal/workflow"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the fleetd command. OS-level
// dependencies are injected as parameters; arguments are parsed by hand
// because the flag package's package-level globals interfere with
// parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `fleetd - hierarchical inventory agent fleet

Usage:
  fleetd serve             Start the fleet server
  fleetd init [dir]        Initialize a working directory with defaults
  fleetd version           Print version and build information

Flags:
  -config <path>           Config file (default: search fleetd.yaml paths)
  -o, --output <fmt>       Output format: text or json`)
	return nil
}

func runVersion(w io.Writer, format string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

// defaultConfig is written by fleetd init.
const defaultConfig = `# fleetd configuration
listen:
  address: ""
  port: 8080

data_dir: data
log_level: info

fleet:
  default_tenant: demo
  default_agent_type: orchestrator
  message_ring_size: 100
  message_retention: 720h
  ping_interval: 10s
  idle_max: 120s
  state_cache_ttl: 30s
  inventory_cache_ttl: 60s
  approval_amount_threshold: 1000
  approval_wait: 2s

# Optional chat-completions style backend for analysis and chat.
# Leave base_url empty to run with deterministic local fallbacks.
model:
  base_url: ""
  name: ""
  timeout: 30s

# Notification/audit bus: none, kafka, or mqtt.
bus:
  kind: none
  brokers: []
  url: ""
  topic_prefix: fleetd.
`

func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	path := filepath.Join(dir, "fleetd.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		// No config file is fine for local runs; defaults carry it.
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)
	logger.Info("starting", "build", buildinfo.String(), "config", path)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := router.NewServer(cfg, deps, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildDeps constructs the collaborator bindings from config. Every
// binding may be absent; agents fall back to deterministic behavior.
func buildDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Deps, func(), error) {
	deps := agent.Deps{
		Logger:   logger,
		Vectors:  vector.NewMemory(),
		Approver: approval.AutoApprover{Wait: cfg.Fleet.ApprovalWait.Std()},
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Model.BaseURL != "" {
		deps.Model = modelclient.New(cfg.Model.BaseURL)
	}

	var msgBus collab.MessageBus
	switch cfg.Bus.Kind {
	case "", "none":
	case "kafka":
		kb := bus.NewKafka(cfg.Bus.Brokers, cfg.Bus.TopicPrefix, logger)
		cleanups = append(cleanups, func() { kb.Close() })
		msgBus = kb
	case "mqtt":
		mb, err := bus.NewMQTT(ctx, cfg.Bus.URL, "fleetd", cfg.Bus.TopicPrefix, logger)
		if err != nil {
			cleanup()
			return agent.Deps{}, nil, fmt.Errorf("mqtt bus: %w", err)
		}
		cleanups = append(cleanups, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mb.Close(cctx)
		})
		msgBus = mb
	default:
		cleanup()
		return agent.Deps{}, nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
	deps.Bus = msgBus

	dispatcher := workflow.NewDispatcher(cfg.Workflow.QueueSize, logger)
	dispatcher.Register("reorder-workflow", func(ctx context.Context, payload map[string]any) error {
		logger.Info("reorder submitted to supplier queue",
			"sku", payload["sku"], "location", payload["location"], "quantity", payload["quantity"])
		if msgBus != nil {
			return msgBus.Send(ctx, "inventory.reorders", payload)
		}
		return nil
	})
	cleanups = append(cleanups, dispatcher.Close)
	deps.Workflows = dispatcher

	return deps, cleanup, nil
}
