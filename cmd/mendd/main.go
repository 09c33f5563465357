// mendd is the mend daemon: it watches an application's error telemetry,
// runs LLM-driven repair sessions against a sandboxed working tree, and
// exposes the approval workflow over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/mendhq/mend/internal/adapter/anthropic"
	"github.com/mendhq/mend/internal/adapter/gitcli"
	mendhttp "github.com/mendhq/mend/internal/adapter/http"
	"github.com/mendhq/mend/internal/adapter/jsonlog"
	_ "github.com/mendhq/mend/internal/adapter/slack"
	"github.com/mendhq/mend/internal/adapter/sqlite"
	"github.com/mendhq/mend/internal/config"
	"github.com/mendhq/mend/internal/git"
	"github.com/mendhq/mend/internal/logger"
	"github.com/mendhq/mend/internal/port/notifier"
	"github.com/mendhq/mend/internal/resilience"
	"github.com/mendhq/mend/internal/sandbox"
	"github.com/mendhq/mend/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"repo", cfg.Repo.Root,
		"store", cfg.Store.Path,
		"error_log", cfg.Telemetry.ErrorLog,
	)

	ctx := context.Background()

	// --- State store ---
	db, err := sqlite.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := sqlite.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	store := sqlite.NewStore(db)
	slog.Info("state store ready")

	// --- Repo access and sandbox ---
	pool := git.NewPool(cfg.Repo.MaxConcurrent)
	vcsClient := gitcli.NewClient(cfg.Repo.Root, pool, cfg.Repo.GitTimeout)

	sb, err := sandbox.New(sandbox.Options{
		Root:            cfg.Repo.Root,
		TrunkBranch:     cfg.Repo.TrunkBranch,
		BranchPrefix:    cfg.Repo.BranchPrefix,
		BlockedPatterns: cfg.Safety.BlockedPatterns,
		TestCommand:     cfg.Repair.TestCommand,
		TestTimeout:     cfg.Repair.TestTimeout,
		SyntaxCommand:   cfg.Repair.SyntaxCommand,
		SyntaxTimeout:   cfg.Repair.SyntaxTimeout,
	}, vcsClient)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	// --- LLM provider ---
	llmClient := anthropic.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
	llmClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Notifier ---
	var notify notifier.Notifier
	if cfg.Notify.SlackWebhookURL != "" {
		notify, err = notifier.New("slack", map[string]string{
			"webhook_url": cfg.Notify.SlackWebhookURL,
		})
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		slog.Info("notifier configured", "provider", notify.Name())
	} else {
		slog.Info("no notifier configured, outcomes are log-only")
	}

	// --- Services ---
	telemetryReader := jsonlog.NewReader(cfg.Telemetry.ErrorLog)

	repairSvc, err := service.NewRepairService(ctx, service.RepairDeps{
		Store:       store,
		Telemetry:   telemetryReader,
		LLM:         llmClient,
		VCS:         vcsClient,
		Sandbox:     sb,
		Logger:      log,
		APIKey:      cfg.LLM.APIKey,
		TrunkBranch: cfg.Repo.TrunkBranch,
		WindowSize:  cfg.Telemetry.WindowSize,
		MaxRounds:   cfg.Repair.MaxToolRounds,
		MaxErrors:   cfg.Repair.MaxErrorsPerRun,
		SeenLimit:   cfg.Repair.SeenSetSize,
		LeaseTTL:    cfg.Repair.LeaseTTL,
	})
	if err != nil {
		return fmt.Errorf("repair service: %w", err)
	}

	sched := service.NewScheduler(service.SchedulerDeps{
		Store:               store,
		Repair:              repairSvc,
		Notifier:            notify,
		Logger:              log,
		BaseURL:             cfg.Server.BaseURL,
		APICallLimit:        cfg.Repair.APICallsPerHour,
		RepairCheckInterval: cfg.Schedule.RepairCheck,
		DailyReportInterval: cfg.Schedule.DailyReport,
		HealthCheckInterval: cfg.Schedule.HealthCheck,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// --- HTTP ---
	handlers := mendhttp.NewHandlers(repairSvc, sched, store, notify,
		cfg.Server.BaseURL, cfg.Repair.APICallsPerHour)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	mendhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	// no request deadline and no WriteTimeout: a manual repair run is
	// allowed to take as long as a full tool-use session, and cancelling
	// it mid-session would discard the feature branch
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
