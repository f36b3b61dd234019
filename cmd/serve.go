package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawbridge/internal/agentsdk"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/manager"
	"github.com/nextlevelbuilder/clawbridge/internal/sessionindex"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/telegram"
)

// runServe wires every component and blocks until an interrupt signal.
func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	dbPath := config.ExpandHome(cfg.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		slog.Error("failed to create data directory", "path", filepath.Dir(dbPath), "error", err)
		os.Exit(1)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		slog.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := store.NewBotSessionRepository(db)
	dirs := store.NewUserDirectoryStore(db)

	agentDir := config.ExpandHome(cfg.AgentConfigDir)
	if agentDir == "" {
		agentDir = agentsdk.DefaultConfigDir()
	}
	resolver := sessionindex.New(agentDir)
	builder := agentsdk.NewBuilder(agentsdk.SettingsPath(agentDir), nil)

	mgr := manager.New(manager.Config{
		Repo:        repo,
		Resolver:    resolver,
		Builder:     builder,
		IdleTimeout: cfg.IdleTimeout(),
	})

	bot, err := telegram.NewBot(cfg, telegram.OrchestratorDeps{
		Manager:  mgr,
		Resolver: resolver,
		Dirs:     dirs,
	})
	if err != nil {
		slog.Error("failed to create telegram bot", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Start(ctx); err != nil {
		slog.Error("failed to start telegram bot", "error", err)
		os.Exit(1)
	}

	go runSessionGC(ctx, cfg, repo)

	<-ctx.Done()
	slog.Info("shutting down")
	bot.Stop()
	mgr.DisconnectAll()
}

// runSessionGC sweeps expired session rows on the configured cron
// schedule, checking once a minute whether the expression is due.
func runSessionGC(ctx context.Context, cfg *config.Config, repo *store.BotSessionRepository) {
	gron := gronx.New()
	if !gron.IsValid(cfg.GCSchedule) {
		slog.Warn("invalid gc_schedule, session GC disabled", "schedule", cfg.GCSchedule)
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(cfg.GCSchedule)
			if err != nil || !due {
				continue
			}
			n, err := repo.CleanupExpired(ctx, cfg.GCHorizon())
			if err != nil {
				slog.Warn("session GC sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("session GC sweep removed expired rows", "rows", n)
			}
		}
	}
}
