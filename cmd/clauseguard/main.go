// Package main is the entry point for the clause review engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clauseguard/engine/internal/config"
	"github.com/clauseguard/engine/internal/docparse"
	"github.com/clauseguard/engine/internal/ipc"
	"github.com/clauseguard/engine/internal/ledger"
	"github.com/clauseguard/engine/internal/review"
	"github.com/clauseguard/engine/internal/skill"
	"github.com/clauseguard/engine/internal/store"
	"github.com/clauseguard/engine/internal/stream"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "clauseguard",
		Short:        "Resumable clause-by-clause document review engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration JSON file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clauseguard %s (commit=%s, built=%s)\n", version, commit, date)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the review engine HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(configPath string) error {
	// Resolve config path: --config flag > CG_CONFIG env > auto-discover.
	path := configPath
	if path == "" {
		path = os.Getenv("CG_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}
	if path == "" {
		return fmt.Errorf("no config found: place config.json next to the exe, use --config <path>, or set CG_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Checkpoint backend.
	var checkpoints store.CheckpointStore
	switch cfg.CheckpointBackend {
	case "redis":
		rcs, err := store.NewRedisCheckpointStore(cfg.RedisURL,
			time.Duration(cfg.ArchiveTTLHours)*time.Hour)
		if err != nil {
			return fmt.Errorf("connect redis checkpoint store: %w", err)
		}
		defer rcs.Close()
		checkpoints = rcs
	default:
		checkpoints = store.NewSessionRepo(db)
	}

	// Skill registry.
	var transport skill.Transport
	if cfg.RemoteBaseURL != "" {
		transport = skill.NewHTTPTransport(cfg.RemoteBaseURL)
	}
	registry := skill.NewRegistry(skill.Config{
		LocalTimeout:       time.Duration(cfg.LocalTimeoutSec) * time.Second,
		PollBudget:         time.Duration(cfg.PollBudgetSec) * time.Second,
		PollBackoff:        time.Duration(cfg.PollBackoffMs) * time.Millisecond,
		PollMaxBackoff:     time.Duration(cfg.PollMaxBackoffSec) * time.Second,
		MaxTransportErrors: cfg.MaxTransportErrors,
	}, transport, logger)

	regs, err := skill.LoadRegistrations(cfg.SkillsFile)
	if err != nil {
		return fmt.Errorf("load skill registrations: %w", err)
	}
	builtins := skill.Builtins()
	for _, reg := range regs {
		handler := builtins[reg.ID]
		if err := registry.Register(reg, handler, nil); err != nil {
			return fmt.Errorf("register skill %s: %w", reg.ID, err)
		}
	}
	registry.Freeze()
	for _, skipped := range registry.Skipped() {
		logger.Warn("remote skill unavailable this deployment",
			"skill", skipped.ID, "workflow", skipped.WorkflowID)
	}

	checklist, err := review.LoadChecklist(cfg.ChecklistFile)
	if err != nil {
		return fmt.Errorf("load checklist: %w", err)
	}

	// Shared repos and services.
	led := ledger.New(store.NewDiffRepo(db))
	publisher := stream.NewPublisher(store.NewEventRepo(db))
	sessions := review.NewSessions(time.Duration(cfg.SessionTTLMin) * time.Minute)
	sessions.StartJanitor(time.Duration(cfg.JanitorIntervalSec) * time.Second)

	orch := review.NewOrchestrator(
		checkpoints,
		store.NewDocRepo(db),
		led,
		registry,
		publisher,
		sessions,
		checklist,
		review.GatePolicy{Severities: cfg.GateSeverities},
		docparse.Options{
			ClausePattern:  cfg.ClausePattern,
			ChapterPattern: cfg.ChapterPattern,
		},
		logger,
	)

	srv := ipc.NewServer(&ipc.Handler{Orchestrator: orch}, cfg.ListenAddr)

	// Graceful shutdown on interrupt.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")

		orch.Shutdown(10 * time.Second)
		sessions.StopJanitor()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}()

	logger.Info("clause review engine listening", "addr", cfg.ListenAddr)

	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}
