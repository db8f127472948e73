// pennywise-sweep enqueues a sync request for every active connection.
// Meant to run from cron or a container scheduler; the worker does the
// actual syncing and the rate limit keeps redundant runs cheap.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"pennywise/internal/amqp"
	"pennywise/internal/config"
	"pennywise/internal/log"
	"pennywise/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     slog.LevelInfo,
		Component: log.ComponentSweep,
	})
	log.SetDefault(logger)

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

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPSyncQueue, cfg.AMQPCategorizeQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conns, err := repo.ListActiveConnections(ctx)
	if err != nil {
		logger.Error("Failed to list active connections", "error", err)
		os.Exit(1)
	}

	published := 0
	for _, conn := range conns {
		msg := amqp.NewSyncRequestMessage(conn.OwnerID, conn.ID, false, nil)
		if err := amqpClient.PublishSyncRequest(ctx, msg); err != nil {
			logger.Error("Failed to publish sync request",
				"connection_id", conn.ID,
				"error", err)
			continue
		}
		published++
	}

	logger.Info("Sweep enqueued", "connections", len(conns), "published", published)
}
