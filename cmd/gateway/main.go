package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/auth"
	"github.com/nexcode/codex-gateway/internal/common/config"
	"github.com/nexcode/codex-gateway/internal/common/logger"
	"github.com/nexcode/codex-gateway/internal/common/tracing"
	"github.com/nexcode/codex-gateway/internal/conversation"
	"github.com/nexcode/codex-gateway/internal/events/bus"
	"github.com/nexcode/codex-gateway/internal/executor"
	"github.com/nexcode/codex-gateway/internal/gateway"
	"github.com/nexcode/codex-gateway/internal/persistence"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
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

	log.Info("Starting codex gateway...")

	// 3. Create context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Connect the event bus. NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the API key store and seed the deployment key
	keys, err := auth.NewKeyStore(cfg.Auth.KeyStorePath, log)
	if err != nil {
		log.Fatal("Failed to open key store", zap.Error(err))
	}
	defer keys.Close()

	if cfg.Auth.APIKey != "" {
		if err := keys.Seed(ctx, cfg.Auth.APIKey, "default", "default"); err != nil {
			log.Fatal("Failed to seed API key", zap.Error(err))
		}
		log.Info("API key authentication enabled")
	} else {
		log.Warn("No API key configured, authentication disabled")
	}

	// 6. Initialize the conversation manager
	launcher, err := conversation.NewLauncher(cfg.Agent, log)
	if err != nil {
		log.Fatal("Failed to initialize agent launcher", zap.Error(err))
	}
	manager := conversation.NewManager(launcher, cfg.Agent.Home, log)

	// 7. Initialize the turn executor
	exec := executor.New(manager, cfg.Agent, eventBus, log)

	// 8. Attach the persistence sink when a bucket is configured
	if cfg.GCS.SessionBucket != "" || cfg.GCS.FilesBucket != "" {
		store, err := persistence.NewGCSStore(ctx)
		if err != nil {
			log.Fatal("Failed to create GCS client", zap.Error(err))
		}
		sink := persistence.NewSink(store, cfg.GCS, cfg.Agent.WorkDir, log)
		if _, err := sink.Attach(eventBus); err != nil {
			log.Fatal("Failed to attach persistence sink", zap.Error(err))
		}
		log.Info("Persistence sink attached",
			zap.String("session_bucket", cfg.GCS.SessionBucket),
			zap.String("files_bucket", cfg.GCS.FilesBucket))
	} else {
		log.Info("No GCS buckets configured, persistence disabled")
	}

	// 9. Initialize the OAuth store
	oauthStore := auth.NewOAuthStore(cfg.OAuth)

	// 10. Serve until the context is cancelled
	srv := gateway.New(cfg, exec, keys, oauthStore, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("Gateway server error", zap.Error(err))
	}

	log.Info("Shutting down codex gateway...")

	// 11. Kill live agent subprocesses and flush traces
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Codex gateway stopped")
}
