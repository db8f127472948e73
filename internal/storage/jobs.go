package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
)

func (r *Repository) CreateSyncJob(ctx context.Context, j core.SyncJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, owner_id, connection_id, status, accounts_synced,
		                       transactions_added, transactions_updated, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.ConnectionID, string(j.Status), j.AccountsSynced,
		j.TransactionsAdded, j.TransactionsUpdated, j.Error, time.Now().Unix(), unixOrNull(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}
	return nil
}

// FinishSyncJob moves a job to its terminal state with final counters. Once
// completed or failed the record is append-only, so this is the only update.
func (r *Repository) FinishSyncJob(ctx context.Context, id string, status core.JobStatus, accounts, added, updated int, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, accounts_synced = ?, transactions_added = ?, transactions_updated = ?,
		    error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), accounts, added, updated, errMsg, time.Now().Unix(), id,
		string(core.JobPending), string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("finish sync job: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) GetSyncJob(ctx context.Context, ownerID, id string) (core.SyncJob, error) {
	row := r.db.QueryRowContext(ctx, syncJobSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanSyncJob(row)
}

// LatestCompletedSyncJob returns the newest completed job for a connection.
// Used to answer rate-limited sync calls with the prior result.
func (r *Repository) LatestCompletedSyncJob(ctx context.Context, connectionID string) (core.SyncJob, error) {
	row := r.db.QueryRowContext(ctx,
		syncJobSelect+` WHERE connection_id = ? AND status = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		connectionID, string(core.JobCompleted))
	return scanSyncJob(row)
}

const syncJobSelect = `
	SELECT id, owner_id, connection_id, status, accounts_synced,
	       transactions_added, transactions_updated, error, created_at, completed_at
	FROM sync_jobs`

func scanSyncJob(row rowScanner) (core.SyncJob, error) {
	var (
		j         core.SyncJob
		status    string
		createdAt int64
		completed sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.OwnerID, &j.ConnectionID, &status, &j.AccountsSynced,
		&j.TransactionsAdded, &j.TransactionsUpdated, &j.Error, &createdAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SyncJob{}, fmt.Errorf("sync job: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.SyncJob{}, fmt.Errorf("scan sync job: %w", err)
	}
	j.Status = core.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.CompletedAt = timeOrNil(completed)
	return j, nil
}

func (r *Repository) CreateCategorizationJob(ctx context.Context, j core.CategorizationJob) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categorization_jobs (id, owner_id, status, total, categorized_count,
		                                 failed_count, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, string(j.Status), j.Total, j.CategorizedCount,
		j.FailedCount, j.Error, time.Now().Unix(), unixOrNull(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert categorization job: %w", err)
	}
	return nil
}

// SetCategorizationTotal records the resolved working-set size.
func (r *Repository) SetCategorizationTotal(ctx context.Context, id string, total int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE categorization_jobs SET total = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("set categorization total: %w", err)
	}
	return requireRow(res)
}

// UpdateCategorizationProgress publishes intermediate counters so pollers
// see monotonic progress while the job runs.
func (r *Repository) UpdateCategorizationProgress(ctx context.Context, id string, categorized, failed int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE categorization_jobs SET categorized_count = ?, failed_count = ?
		WHERE id = ? AND status = ?`,
		categorized, failed, id, string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("update categorization progress: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) FinishCategorizationJob(ctx context.Context, id string, status core.JobStatus, categorized, failed int, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE categorization_jobs
		SET status = ?, categorized_count = ?, failed_count = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), categorized, failed, errMsg, time.Now().Unix(), id, string(core.JobRunning))
	if err != nil {
		return fmt.Errorf("finish categorization job: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) GetCategorizationJob(ctx context.Context, ownerID, id string) (core.CategorizationJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, total, categorized_count, failed_count, error, created_at, completed_at
		FROM categorization_jobs WHERE id = ? AND owner_id = ?`, id, ownerID)

	var (
		j         core.CategorizationJob
		status    string
		createdAt int64
		completed sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.OwnerID, &status, &j.Total, &j.CategorizedCount,
		&j.FailedCount, &j.Error, &createdAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return core.CategorizationJob{}, fmt.Errorf("categorization job: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.CategorizationJob{}, fmt.Errorf("scan categorization job: %w", err)
	}
	j.Status = core.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.CompletedAt = timeOrNil(completed)
	return j, nil
}
