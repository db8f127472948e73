package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
)

func (r *Repository) CreateConnection(ctx context.Context, c core.Connection) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (id, owner_id, access_url, display_name, status, last_synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.AccessURL, c.DisplayName, string(c.Status), unixOrNull(c.LastSyncedAt), now, now)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection only if it belongs to owner.
func (r *Repository) GetConnection(ctx context.Context, ownerID, id string) (core.Connection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, access_url, display_name, status, last_synced_at, created_at, updated_at
		FROM connections WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanConnection(row)
}

func (r *Repository) ListActiveConnections(ctx context.Context) ([]core.Connection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, access_url, display_name, status, last_synced_at, created_at, updated_at
		FROM connections WHERE status = ? ORDER BY created_at, id`, string(core.ConnectionActive))
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()

	var out []core.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkConnectionSynced stamps last_synced_at and resets the status to active.
func (r *Repository) MarkConnectionSynced(ctx context.Context, id string, syncedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET last_synced_at = ?, status = ?, updated_at = ? WHERE id = ?`,
		syncedAt.Unix(), string(core.ConnectionActive), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark connection synced: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) UpdateConnectionStatus(ctx context.Context, id string, status core.ConnectionStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireRow(res)
}

// DeleteConnection removes the connection; accounts, transactions and sync
// jobs go with it via store-level cascade.
func (r *Repository) DeleteConnection(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM connections WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (core.Connection, error) {
	var (
		c          core.Connection
		status     string
		lastSynced sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.AccessURL, &c.DisplayName, &status, &lastSynced, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Connection{}, fmt.Errorf("connection: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.Connection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.Status = core.ConnectionStatus(status)
	c.LastSyncedAt = timeOrNil(lastSynced)
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return c, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
