package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hatchpad/runway/internal/actions"
	"github.com/hatchpad/runway/internal/engine"
	"github.com/hatchpad/runway/internal/logging"
	"github.com/hatchpad/runway/internal/query"
	"github.com/hatchpad/runway/internal/scheduler"
	"github.com/hatchpad/runway/internal/secrets"
	"github.com/hatchpad/runway/internal/store"
	"github.com/hatchpad/runway/internal/streaming"
	"github.com/hatchpad/runway/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	runStore, err := store.NewFileRunStore(cfg.RunsDir, logger)
	if err != nil {
		return err
	}

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	eventLog := store.NewEventLog(db)

	hub := streaming.NewMemoryHub()
	broadcaster := streaming.NewHubBroadcaster(hub)

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}, actions.ShellConfig{}); err != nil {
		return err
	}

	var vault secrets.Vault
	if cfg.VaultKey != "" {
		salt, saltErr := vaultSalt(filepath.Join(runwayDir(), "vault.salt"))
		if saltErr != nil {
			return saltErr
		}
		vault, err = secrets.NewAESVault(db, secrets.VaultConfig{Passphrase: cfg.VaultKey, Salt: salt})
		if err != nil {
			return err
		}
	}

	definitions := store.NewFileDefinitionStore(cfg.WorkflowsDir)

	eng, err := engine.NewEngine(engine.Config{MaxConcurrentRuns: cfg.MaxConcurrentRuns}, engine.Deps{
		RunStore:    runStore,
		Definitions: definitions,
		Executor:    actions.NewStepExecutor(registry, vault),
		Broadcaster: broadcaster,
		Events:      eventLog,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	queries := query.NewService(runStore, definitions, nil, logger)

	sched := scheduler.NewScheduler(db, eng, logger)
	if cfg.SchedulerEnabled {
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-job recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewRunwayServer(mcp.RunwayServerDeps{
		Engine:    eng,
		Query:     queries,
		Events:    eventLog,
		Jobs:      db,
		Scheduler: sched,
		Vault:     vault,
		Logger:    logger,
	})

	logger.Info("runway server starting",
		slog.String("runs_dir", cfg.RunsDir),
		slog.String("workflows_dir", cfg.WorkflowsDir),
		slog.Int("max_concurrent_runs", cfg.MaxConcurrentRuns),
	)
	return srv.Serve(ctx)
}

// vaultSalt loads the per-install PBKDF2 salt, creating it on first use.
func vaultSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create vault salt dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write vault salt: %w", err)
	}
	return salt, nil
}

// newLogger builds the process logger: text handler on stderr wrapped with
// run/step/workflow correlation attributes pulled from context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
