// Command titan runs the autonomous execution core: it expands a project
// tree into queued tasks, drives the generation loop, and schedules
// retraining for underperforming skills.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/MiahMontgomery/titan-sub000/internal/artifact"
	"github.com/MiahMontgomery/titan-sub000/internal/bus"
	"github.com/MiahMontgomery/titan-sub000/internal/config"
	"github.com/MiahMontgomery/titan-sub000/internal/generation"
	otelPkg "github.com/MiahMontgomery/titan-sub000/internal/otel"
	"github.com/MiahMontgomery/titan-sub000/internal/performance"
	"github.com/MiahMontgomery/titan-sub000/internal/persistence"
	"github.com/MiahMontgomery/titan-sub000/internal/project"
	"github.com/MiahMontgomery/titan-sub000/internal/runner"
	"github.com/MiahMontgomery/titan-sub000/internal/telemetry"
	"github.com/MiahMontgomery/titan-sub000/internal/training"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -project <file>          Run the execution loop against a project tree
  %s init                     Write a default config.yaml to the home dir
  %s status                   Print queue counts and skill accuracy
  %s revert <checkpoint-id>   Restore a checkpoint as a new checkpoint

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TITAN_HOME              Data directory (default: ~/.titan)
  TITAN_DB_PATH           SQLite database path override
  TITAN_AGENT_ID          Agent identity override
  TITAN_GENERATION_URL    OpenAI-compatible endpoint override
`)
}

func main() {
	homeFlag := flag.String("home", "", "data directory (default: $TITAN_HOME or ~/.titan)")
	projectFlag := flag.String("project", "", "project tree YAML file")
	quietFlag := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = os.Getenv("TITAN_HOME")
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *projectFlag != "" {
		cfg.Runner.ProjectFile = *projectFlag
	}

	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "init":
			os.Exit(runInit(cfg))
		case "status":
			os.Exit(runStatus(ctx, cfg))
		case "revert":
			os.Exit(runRevert(ctx, cfg, logger, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runDaemon(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func runInit(cfg config.Config) int {
	if err := cfg.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s/config.yaml\n", cfg.HomeDir)
	return 0
}

func openStore(cfg config.Config, eventBus *bus.Bus) (*persistence.Store, error) {
	return persistence.Open(cfg.DBPath, eventBus, persistence.RetentionCaps{
		SessionsPerAgent:      cfg.Retention.SessionsPerAgent,
		CheckpointsPerProject: cfg.Retention.CheckpointsPerProject,
	})
}

func runStatus(ctx context.Context, cfg config.Config) int {
	store, err := openStore(cfg, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer store.Close()

	pending, inProgress, err := store.TaskCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Printf("queue: %d pending, %d in progress\n", pending, inProgress)

	tracker := performance.NewTracker(store)
	stats, err := tracker.Summarize(ctx, cfg.Runner.AgentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if len(stats) == 0 {
		fmt.Printf("agent %s: no performance history\n", cfg.Runner.AgentID)
		return 0
	}
	fmt.Printf("agent %s:\n", cfg.Runner.AgentID)
	for _, s := range stats {
		fmt.Printf("  %-20s %6.1f%% over %d attempts\n", s.SkillTag, s.Accuracy, s.Total)
	}
	return 0
}

func runRevert(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: titan revert <checkpoint-id>")
		return 2
	}
	if cfg.Runner.ProjectFile == "" {
		fmt.Fprintln(os.Stderr, "revert: -project is required")
		return 2
	}
	tree, err := project.LoadFile(cfg.Runner.ProjectFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revert: %v\n", err)
		return 1
	}

	eventBus := bus.New()
	store, err := openStore(cfg, eventBus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "revert: %v\n", err)
		return 1
	}
	defer store.Close()

	validator, err := artifact.NewValidator()
	if err != nil {
		fmt.Fprintf(os.Stderr, "revert: %v\n", err)
		return 1
	}
	r := runner.New(runnerConfig(cfg), store, performance.NewTracker(store), tree,
		generation.NewClient(cfg.Generation), validator, eventBus, logger, nil)

	restored, err := r.Revert(ctx, tree.Project().ID, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "revert: %v\n", err)
		return 1
	}
	fmt.Printf("restored checkpoint %s as %s\n", args[0], restored.ID)
	return 0
}

func runnerConfig(cfg config.Config) runner.Config {
	return runner.Config{
		AgentID:      cfg.Runner.AgentID,
		PollInterval: time.Duration(cfg.Runner.PollSeconds) * time.Second,
		GenTimeout:   time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
		MaxTokens:    cfg.Generation.MaxTokens,
	}
}

func runDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if cfg.Runner.ProjectFile == "" {
		return errors.New("no project file: pass -project or set runner.project_file")
	}
	tree, err := project.LoadFile(cfg.Runner.ProjectFile)
	if err != nil {
		return err
	}

	eventBus := bus.New()
	store, err := openStore(cfg, eventBus)
	if err != nil {
		return err
	}
	defer store.Close()

	recovered, err := store.RecoverInFlightTasks(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		logger.Info("requeued tasks left in flight by a previous run", "count", recovered)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	go countEvictions(ctx, eventBus, metrics)

	validator, err := artifact.NewValidator()
	if err != nil {
		return err
	}
	tracker := performance.NewTracker(store)
	generator := generation.NewClient(cfg.Generation)

	r := runner.New(runnerConfig(cfg), store, tracker, tree, generator, validator,
		eventBus, logger, metrics)

	scanner, err := training.NewScanner(training.Config{
		Store:             store,
		Tracker:           tracker,
		Generator:         generator,
		Bus:               eventBus,
		Logger:            logger,
		ProjectID:         tree.Project().ID,
		Agents:            cfg.Training.Agents,
		Schedule:          cfg.Training.Schedule,
		AccuracyThreshold: cfg.Training.AccuracyThreshold,
		TargetAccuracy:    cfg.Training.TargetAccuracy,
		Priority:          cfg.Training.Priority,
	})
	if err != nil {
		return err
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	scanner.Start(ctx)
	logger.Info("titan started",
		"version", Version,
		"project_id", tree.Project().ID,
		"agent_id", cfg.Runner.AgentID)

	<-ctx.Done()
	logger.Info("shutting down, letting the task in flight finish")
	scanner.Stop()
	r.Stop()
	return nil
}

// countEvictions feeds retention eviction events into the metrics counter.
func countEvictions(ctx context.Context, eventBus *bus.Bus, metrics *otelPkg.Metrics) {
	sub := eventBus.Subscribe(bus.TopicRetentionEvicted)
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if payload, ok := ev.Payload.(bus.RetentionEvictedEvent); ok {
				metrics.RetentionEvictions.Add(ctx, payload.Count)
			}
		}
	}
}
