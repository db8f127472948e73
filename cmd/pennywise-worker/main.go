package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pennywise/internal/amqp"
	"pennywise/internal/config"
	"pennywise/internal/llm"
	"pennywise/internal/log"
	"pennywise/internal/secrets"
	"pennywise/internal/services"
	"pennywise/internal/simplefin"
	"pennywise/internal/storage"
	"pennywise/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     slog.LevelInfo,
		Component: log.ComponentWorker,
	})
	log.SetDefault(logger)

	logger.Info("Starting pennywise-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	classifier, err := llm.NewClassifier(cfg.AIProvider, cfg.AIAPIKey, cfg.AIModel)
	if err != nil {
		logger.Error("Failed to initialize classifier", "error", err, "provider", cfg.AIProvider)
		os.Exit(1)
	}

	syncService := services.NewSyncService(repo, simplefin.NewClient(), cipher, cfg.SyncRateLimit, logger)
	categorizeService := services.NewCategorizationService(repo, classifier, cfg.CategorizeBatchSize, cfg.AITimeout, logger)
	pipelineWorker := worker.NewPipelineWorker(syncService, categorizeService)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPSyncQueue, cfg.AMQPCategorizeQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := amqpClient.ConsumeSyncRequests(ctx, func(msg *amqp.SyncRequestMessage) error {
			return pipelineWorker.HandleSyncRequest(ctx, msg)
		})
		if err != nil && err != context.Canceled {
			logger.Error("Sync consumption failed", "error", err)
			cancel()
		}
	}()

	go func() {
		err := amqpClient.ConsumeCategorizeRequests(ctx, func(msg *amqp.CategorizeRequestMessage) error {
			return pipelineWorker.HandleCategorizeRequest(ctx, msg)
		})
		if err != nil && err != context.Canceled {
			logger.Error("Categorize consumption failed", "error", err)
			cancel()
		}
	}()

	// Backup sweep in case queued requests are lost; the rate limit keeps
	// redundant sweeps from hitting the aggregator.
	go pipelineWorker.RunSweepLoop(ctx, cfg.SweepInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("Worker shutdown complete")
}
