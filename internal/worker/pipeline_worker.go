// Package worker consumes sync and categorization requests and drives the
// pipeline services. A periodic sweep backs up the queue in case messages
// are lost.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pennywise/internal/amqp"
	"pennywise/internal/core"
	"pennywise/internal/services"
)

// PipelineWorker wires AMQP deliveries to the sync and categorization
// services.
type PipelineWorker struct {
	syncService       *services.SyncService
	categorizeService *services.CategorizationService
}

func NewPipelineWorker(syncService *services.SyncService, categorizeService *services.CategorizationService) *PipelineWorker {
	return &PipelineWorker{
		syncService:       syncService,
		categorizeService: categorizeService,
	}
}

// HandleSyncRequest processes one sync request from AMQP. Sync failures
// land on the sync job record and are not returned, so the delivery is
// acked rather than redelivered into the same failure.
func (w *PipelineWorker) HandleSyncRequest(ctx context.Context, msg *amqp.SyncRequestMessage) error {
	slog.InfoContext(ctx, "Processing sync request",
		"connection_id", msg.ConnectionID,
		"owner_id", msg.OwnerID,
		"force", msg.Force)

	job, err := w.syncService.Sync(ctx, msg.OwnerID, msg.ConnectionID, msg.Force, msg.WindowStart)
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrRateLimited):
		// Terminal for this delivery; redelivery cannot change the outcome.
		slog.WarnContext(ctx, "Dropping sync request",
			"connection_id", msg.ConnectionID,
			"error", err)
		return nil
	case err != nil:
		return fmt.Errorf("sync connection %s: %w", msg.ConnectionID, err)
	}

	slog.InfoContext(ctx, "Sync request done",
		"connection_id", msg.ConnectionID,
		"job_id", job.ID,
		"status", string(job.Status))
	return nil
}

// HandleCategorizeRequest runs the categorization pipeline for one
// request. The job record already exists; failures are recorded there.
func (w *PipelineWorker) HandleCategorizeRequest(ctx context.Context, msg *amqp.CategorizeRequestMessage) error {
	slog.InfoContext(ctx, "Processing categorize request",
		"job_id", msg.JobID,
		"owner_id", msg.OwnerID,
		"force", msg.Force)

	if err := w.categorizeService.Run(ctx, msg.JobID, msg.OwnerID, msg.TransactionIDs, msg.Force); err != nil {
		// Recorded on the job; the poller sees it. Redelivery would just
		// re-fail against a job already marked failed.
		slog.ErrorContext(ctx, "Categorize request failed",
			"job_id", msg.JobID,
			"error", err)
	}
	return nil
}

// RunSweepLoop periodically syncs every active connection as a backup for
// lost messages. The rate limit makes redundant sweeps cheap: connections
// synced within the window are skipped without an upstream call.
func (w *PipelineWorker) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.syncService.SyncAll(ctx); err != nil {
				slog.ErrorContext(ctx, "Periodic sweep failed", "error", err)
			}
		}
	}
}
