// Conduit orchestrator server: aggregates MCP child processes behind
// per-project SSE endpoints, runs the discovery scheduler, and serves the
// dashboard event stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conduit-mcp/conduit/pkg/api"
	"github.com/conduit-mcp/conduit/pkg/cleanup"
	"github.com/conduit-mcp/conduit/pkg/config"
	"github.com/conduit-mcp/conduit/pkg/crypto"
	"github.com/conduit-mcp/conduit/pkg/database"
	"github.com/conduit-mcp/conduit/pkg/events"
	"github.com/conduit-mcp/conduit/pkg/masking"
	"github.com/conduit-mcp/conduit/pkg/mcp"
	"github.com/conduit-mcp/conduit/pkg/metrics"
	"github.com/conduit-mcp/conduit/pkg/proxy"
	"github.com/conduit-mcp/conduit/pkg/scheduler"
	"github.com/conduit-mcp/conduit/pkg/services"
	"github.com/conduit-mcp/conduit/pkg/session"
	"github.com/conduit-mcp/conduit/pkg/slack"
	"github.com/conduit-mcp/conduit/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting conduit",
		"version", version.GitCommit,
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (migrations apply inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Encryption service for server args/env at rest
	encryption, err := crypto.NewEncryptionServiceFromEnv(cfg.Security.EncryptionKeyEnv)
	if err != nil {
		slog.Error("Failed to initialize encryption service",
			"env_var", cfg.Security.EncryptionKeyEnv, "error", err)
		os.Exit(1)
	}

	// 4. Masking and domain services
	masker := masking.NewService(cfg.Masking)

	projectService := services.NewProjectService(dbClient.DB())
	serverService := services.NewServerService(dbClient.DB(), encryption, cfg.MCP.DefaultTimeoutS)
	prefService := services.NewPreferenceService(dbClient.DB())
	toolService := services.NewToolService(dbClient.DB())
	logService := services.NewLogService(dbClient.DB(), masker)
	runService := services.NewSchedulerRunService(dbClient.DB())
	eventService := services.NewEventService(dbClient.DB())
	warningService := services.NewSystemWarningsService()
	workerConfigService := services.NewWorkerConfigService(dbClient.DB())
	slog.Info("Services initialized")

	// 5. Metrics and streaming infrastructure: publisher, WebSocket fan-out,
	// LISTEN loop
	promMetrics := metrics.New(prometheus.DefaultRegisterer)
	publisher := events.NewPublisher(dbClient.DB(), promMetrics)
	connManager := events.NewConnectionManager(events.NewEventCatchupAdapter(eventService), 10*time.Second)

	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 6. Child pool, sessions, proxy engine
	pool := mcp.NewChildPool(slog.Default(), promMetrics)
	sessions := session.NewManager(slog.Default())

	engine := proxy.New(proxy.Deps{
		Projects: projectService,
		Servers:  serverService,
		Prefs:    prefService,
		Tools:    toolService,
		Logs:     logService,
		Pool:     pool,
		Notifier: publisher,
		Metrics:  promMetrics,
		Logger:   slog.Default(),
	})

	// 7. Slack notifications (nil service when not configured)
	var slackService *slack.Service
	if cfg.System.Slack != nil && cfg.System.Slack.Enabled {
		slackService = slack.NewService(slack.ServiceConfig{
			Token:        os.Getenv(cfg.System.Slack.TokenEnv),
			Channel:      cfg.System.Slack.Channel,
			DashboardURL: getEnv("DASHBOARD_URL", ""),
			Cooldown:     cfg.System.Slack.NotifyCooldown,
		})
		if slackService == nil {
			slog.Warn("Slack notifications enabled but token or channel missing")
		}
	}

	// 8. Discovery scheduler
	sched := scheduler.New(scheduler.Deps{
		Servers:      serverService,
		Tools:        toolService,
		WorkerConfig: workerConfigService,
		Runs:         runService,
		Logs:         logService,
		Warnings:     warningService,
		Publisher:    publisher,
		Slack:        slackService,
		Metrics:      promMetrics,
		ProbeTimeout: cfg.MCP.ProbeTimeout,
		Logger:       slog.Default(),
	})
	if err := sched.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	slog.Info("Scheduler started")

	// 9. Retention cleanup loop (also reaps idle children)
	cleanupService := cleanup.NewService(
		cfg.System.Retention, eventService, logService, runService,
		pool, cfg.MCP.IdleChildTTL)
	cleanupService.Start(ctx)

	// 10. HTTP server
	httpServer := api.NewServer(api.Deps{
		Config:       cfg,
		DB:           dbClient,
		Projects:     projectService,
		Servers:      serverService,
		Prefs:        prefService,
		Tools:        toolService,
		Logs:         logService,
		Runs:         runService,
		Warnings:     warningService,
		WorkerConfig: workerConfigService,
		Sessions:     sessions,
		Engine:       engine,
		Pool:         pool,
		Scheduler:    sched,
		ConnManager:  connManager,
		Publisher:    publisher,
		Metrics:      promMetrics,
		Logger:       slog.Default(),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Conduit started successfully")

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down after server error", "error", err)
	}

	// 12. Graceful shutdown ladder: stop accepting, end sessions, stop the
	// scheduler and cleanup loops, close children, stop the listener.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sessions.CloseAll()
	sched.Stop()
	cleanupService.Stop()
	pool.CloseAll()

	listenerCtx, listenerCancel := context.WithTimeout(ctx, 5*time.Second)
	defer listenerCancel()
	notifyListener.Stop(listenerCtx)

	slog.Info("Shutdown complete")
}
