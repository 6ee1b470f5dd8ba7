// Package main is the entry point for the agentd generation service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/config"
	"github.com/runlab/agentd/internal/common/httpmw"
	"github.com/runlab/agentd/internal/common/logger"
	"github.com/runlab/agentd/internal/events"
	"github.com/runlab/agentd/internal/generation"
	"github.com/runlab/agentd/internal/generation/agent"
	"github.com/runlab/agentd/internal/generation/cancel"
	"github.com/runlab/agentd/internal/generation/handlers"
	"github.com/runlab/agentd/internal/generation/jobs"
	"github.com/runlab/agentd/internal/generation/lock"
	"github.com/runlab/agentd/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentd...")

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// Session store
	store, err := session.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Session store ready", zap.String("path", cfg.Database.Path))

	// Redis-backed session lock
	redisClient, err := lock.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	sessionLock := lock.New(redisClient, cfg.Generation.LockTTLDuration(), log)
	log.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Lifecycle event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// Agent backends
	cliSpec, err := agent.LoadSpec(cfg.Generation.CatalogPath, cfg.Generation.CLIBinary, cfg.Generation.AgentLogsRoot)
	if err != nil {
		log.Fatal("Failed to load CLI agent catalog", zap.Error(err))
	}
	cliBackend := agent.NewCLIBackend(cliSpec,
		cfg.Generation.DiscoveryTimeoutDuration(),
		cfg.Generation.KillGraceDuration(),
		log)
	sdkBackend := agent.NewSDKBackend(cfg.Generation.DefaultModel, log)

	// Generation orchestrator
	svc := generation.NewService(
		cfg.Generation,
		store,
		sessionLock,
		jobs.NewRegistry(log),
		cancel.NewRegistry(),
		provided.Bus,
		log,
		cliBackend,
		sdkBackend,
	)
	svc.StartJanitor(ctx)

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.Recovery(log))
	handlers.RegisterRoutes(router, svc, log)

	// No WriteTimeout: generation streams stay open for the whole turn.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentd...")
	cancelCtx()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	log.Info("agentd stopped")
}
