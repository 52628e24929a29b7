// Settlementd - leverage-driven debt settlement negotiation and execution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/damocles-platform/settlementd/internal/ai"
	"github.com/damocles-platform/settlementd/internal/api"
	"github.com/damocles-platform/settlementd/internal/bus"
	"github.com/damocles-platform/settlementd/internal/cache"
	"github.com/damocles-platform/settlementd/internal/chain"
	"github.com/damocles-platform/settlementd/internal/domain"
	"github.com/damocles-platform/settlementd/internal/executor"
	"github.com/damocles-platform/settlementd/internal/leverage"
	"github.com/damocles-platform/settlementd/internal/lifecycle"
	"github.com/damocles-platform/settlementd/internal/negotiation"
	"github.com/damocles-platform/settlementd/internal/proposal"
	"github.com/damocles-platform/settlementd/internal/repository"
	"github.com/damocles-platform/settlementd/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration first so logging honors LOG_LEVEL/LOG_FORMAT.
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting settlementd",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"ai_enabled", cfg.AI.BaseURL != "",
		"chain_network", cfg.Chain.Network,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Leverage scorer with the configured policy
	scorer, err := leverage.New(cfg.Policy)
	if err != nil {
		slog.Error("failed to initialize leverage scorer", "error", err)
		os.Exit(1)
	}
	leverages := leverage.NewService(repo, cacheImpl, scorer, logger)
	slog.Info("leverage service initialized")

	// AI recommender is optional; the generator falls back to the
	// deterministic offer when absent.
	var recommender domain.Recommender
	if client := ai.NewClient(cfg.AI); client != nil {
		recommender = client
		slog.Info("AI recommender initialized", "base_url", cfg.AI.BaseURL)
	} else {
		slog.Info("AI recommender disabled, using deterministic offers")
	}
	generator := proposal.NewGenerator(recommender, cfg.Policy, cfg.AI, logger)

	// Lifecycle machine and negotiation orchestrator
	machine := lifecycle.NewMachine(repo, logger)
	orch := negotiation.NewOrchestrator(
		repo,
		leverages,
		generator,
		machine,
		negotiation.NewEngine(cfg.Policy),
		busImpl,
		cfg.Policy,
		logger,
	)
	slog.Info("negotiation orchestrator initialized",
		"auto_accept_tier", cfg.Policy.AutoAcceptTier,
		"max_rounds", cfg.Policy.MaxNegotiationRounds,
	)

	// Chain executor
	var chainClient domain.ChainClient
	if client := chain.NewClient(cfg.Chain); client != nil {
		chainClient = client
		slog.Info("chain client initialized",
			"base_url", cfg.Chain.BaseURL,
			"network", cfg.Chain.Network,
		)
	} else {
		slog.Warn("chain client disabled, settlement execution unavailable")
	}
	exec := executor.New(repo, machine, chainClient, busImpl, cfg.Chain, logger)

	// Async worker: executes accepted settlements and answers compliance
	// signals.
	asyncWorker := worker.NewWorker(busImpl, exec, orch, logger)
	if err := asyncWorker.Start(); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}
	slog.Info("async worker started")

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, leverages, orch, exec, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("settlementd is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first so in-flight executions drain
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("settlementd shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                 SETTLEMENTD")
	fmt.Println("     Settlement Negotiation & Execution")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /settlements               - Propose a settlement")
	fmt.Println("    POST /settlements/negotiate     - Auto-negotiate from a trigger")
	fmt.Println("    GET  /settlements/{id}          - Get settlement by ID")
	fmt.Println("    GET  /settlements/{id}/rounds   - Negotiation history")
	fmt.Println("    POST /settlements/{id}/accept   - Accept a proposal")
	fmt.Println("    POST /settlements/{id}/reject   - Reject a proposal")
	fmt.Println("    POST /settlements/{id}/counter  - Record a counter-offer")
	fmt.Println("    POST /settlements/{id}/execute  - Execute on chain")
	fmt.Println("    POST /leverage/score            - Score a violation set")
	fmt.Println("    GET  /creditors/{id}/leverage   - Cached creditor leverage")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println()
}
