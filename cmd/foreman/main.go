// Foreman server — runs background coding-agent tasks, supervises them with
// heartbeats, and reports progress to chat and over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsforge/foreman/pkg/api"
	"github.com/opsforge/foreman/pkg/bus"
	"github.com/opsforge/foreman/pkg/cleanup"
	"github.com/opsforge/foreman/pkg/config"
	"github.com/opsforge/foreman/pkg/database"
	"github.com/opsforge/foreman/pkg/llm"
	"github.com/opsforge/foreman/pkg/metrics"
	"github.com/opsforge/foreman/pkg/notify"
	"github.com/opsforge/foreman/pkg/tasks"
	"github.com/opsforge/foreman/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("FOREMAN_CONFIG", "./foreman.yaml"),
		"Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting foreman",
		"version", version.Full(),
		"http_port", httpPort,
		"config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	settings, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database
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

	repo := tasks.NewPostgresRepository(dbClient.DB())

	// 3. Event bus and subscribers
	eventBus := bus.New()
	notifyService := notify.NewService(notify.ServiceConfig{
		Token: os.Getenv("TELEGRAM_BOT_TOKEN"),
	})
	if notifyService == nil {
		slog.Warn("TELEGRAM_BOT_TOKEN not set, chat notifications disabled")
	}
	notifyService.Register(eventBus)
	eventBus.Start()

	// 4. Provider, heartbeat supervisor, manager
	provider := llm.NewClaudeProvider(settings.BackgroundModel)
	stages, err := tasks.NewStageClassifier(settings.Stages)
	if err != nil {
		slog.Error("Invalid stage configuration", "error", err)
		os.Exit(1)
	}
	heartbeat := tasks.NewHeartbeatService(repo, eventBus, stages,
		settings.HeartbeatInterval, settings.HeartbeatTimeout)
	recorder := metrics.NewRecorder()
	manager := tasks.NewManager(repo, eventBus, provider, heartbeat, recorder, *settings)

	// 5. Orphan recovery before accepting any work
	recovered, err := manager.Recover(ctx)
	if err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		slog.Warn("Recovered orphaned tasks from previous run", "count", recovered)
	}

	// 5a. Retention sweeper for old finished tasks
	cleanupService := cleanup.NewService(repo, settings.TaskRetentionDays, settings.CleanupInterval)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 6. HTTP server
	server := api.NewServer(manager, dbClient, provider, recorder)
	httpServer := &http.Server{
		Addr:    ":" + httpPort,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Foreman started successfully",
		"max_concurrent_tasks", settings.MaxConcurrentTasks,
		"task_max_cost", settings.TaskMaxCost)

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop admissions and in-flight work first, then
	// the supervisor, then drain the bus. Interrupted tasks stay running in
	// the store and are failed by recovery on the next start.
	done := make(chan struct{})
	go func() {
		manager.StopAll()
		heartbeat.StopAll()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Task manager stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Shutdown timeout exceeded — unfinished tasks will be recovered on restart")
	}

	eventBus.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
