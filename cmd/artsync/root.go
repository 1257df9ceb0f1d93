package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/artsync/internal/cluster"
	"github.com/BadgerOps/artsync/internal/config"
	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/metrics"
	"github.com/BadgerOps/artsync/internal/schedule"
	"github.com/BadgerOps/artsync/internal/store"
	"github.com/BadgerOps/artsync/internal/tracing"
	"github.com/BadgerOps/artsync/internal/transport"
)

var (
	// Global flags
	cfgPath   string
	dataDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore     *store.Store
	globalLifecycle *engine.Lifecycle
	globalTasks     *engine.TaskService
	globalOrch      *engine.Orchestrator
	globalMetrics   *metrics.Collector
	globalTracing   *tracing.Provider
)

// initializeComponents wires the store, cluster registry, transport and engine
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dbPath := globalCfg.DatabasePath()
	if dbPath != ":memory:" {
		if err := os.MkdirAll(globalCfg.Server.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	registry, err := cluster.NewRegistry(globalCfg.Clusters, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster registry: %w", err)
	}

	eval, err := schedule.NewEvaluator(globalCfg.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("failed to initialize schedule evaluator: %w", err)
	}

	globalTracing, err = tracing.NewProvider(globalCfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if globalCfg.Metrics.Enabled {
		globalMetrics = metrics.NewCollector()
	}

	repl := globalCfg.Replication
	prober := cluster.NewHTTPProber(repl.ProbeTimeout, repl.ProbeCacheTTL, logger)
	client := transport.NewClient(repl.TransferTimeout, logger)
	generic := transport.NewGeneric(repl.StorageRoot, client, repl.RetryAttempts, logger)

	globalLifecycle = engine.NewLifecycle(st, eval, globalMetrics, logger)
	globalTasks = engine.NewTaskService(st, registry, eval, globalLifecycle, logger)
	globalOrch = engine.NewOrchestrator(
		engine.NewJobContextBuilder(st, registry),
		globalLifecycle,
		registry,
		prober,
		generic,
		engine.Options{
			MaxConcurrentLegs: repl.MaxConcurrentLegs,
			Metrics:           globalMetrics,
			Tracer:            globalTracing.Tracer(),
			Logger:            logger,
		},
	)

	logger.Debug("components initialized successfully", "db", dbPath, "clusters", registry.Names())
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"completion": true,
	}
	for c := cmd; c != nil; c = c.Parent() {
		if skipInitCmds[c.Name()] {
			return true
		}
	}
	return false
}

// closeComponents flushes traces and closes the store
func closeComponents() {
	if globalTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := globalTracing.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artsync",
		Short: "Replicate artifact repositories from a center cluster to edge clusters",
		Long: `artsync manages replication tasks that copy artifact repositories from the
local cluster to one or more remote clusters. Every run of a task leaves an
execution record with one detail per remote cluster, so partial failures stay
visible after the fact.

Tasks run on demand or on a cron schedule when the server is running.`,
		Example: `  artsync task create --file nightly.yaml
  artsync task list
  artsync run nightly
  artsync record list nightly
  artsync serve --listen 0.0.0.0:8080`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dataDir != "" {
				globalCfg.Server.DataDir = dataDir
			}

			logger.Debug("config loaded", "path", cfgPath, "data_dir", globalCfg.Server.DataDir)

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	// Add subcommands
	cmd.AddCommand(
		newTaskCmd(),
		newRunCmd(),
		newRecordCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelError {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
