package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
)

// UpsertAccount writes one ingested account: read by the (owner, connection,
// external id) key, then update balance fields in place or insert a fresh
// row. Returns the stored account and whether it was newly created.
func (r *Repository) UpsertAccount(ctx context.Context, a core.Account) (core.Account, bool, error) {
	existing, err := r.getAccountByExternalID(ctx, a.OwnerID, a.ConnectionID, a.ExternalID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return core.Account{}, false, err
	}

	now := time.Now().Unix()

	if err == nil {
		var avail sql.NullInt64
		if a.AvailableBalance != nil {
			avail = sql.NullInt64{Int64: a.AvailableBalance.Cents, Valid: true}
		}
		_, err = r.db.ExecContext(ctx, `
			UPDATE accounts
			SET name = ?, currency = ?, balance_cents = ?, available_cents = ?,
			    balance_as_of = ?, org_name = ?, org_domain = ?, updated_at = ?
			WHERE id = ?`,
			a.Name, a.Currency, a.Balance.Cents, avail,
			unixOrNull(a.BalanceAsOf), a.OrgName, a.OrgDomain, now, existing.ID)
		if err != nil {
			return core.Account{}, false, fmt.Errorf("update account: %w", err)
		}
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		return a, false, nil
	}

	var avail sql.NullInt64
	if a.AvailableBalance != nil {
		avail = sql.NullInt64{Int64: a.AvailableBalance.Cents, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, connection_id, external_id, name, currency,
		                      balance_cents, available_cents, balance_as_of, org_name, org_domain,
		                      created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.ConnectionID, a.ExternalID, a.Name, a.Currency,
		a.Balance.Cents, avail, unixOrNull(a.BalanceAsOf), a.OrgName, a.OrgDomain, now, now)
	if err != nil {
		return core.Account{}, false, fmt.Errorf("insert account: %w", err)
	}
	return a, true, nil
}

func (r *Repository) GetAccount(ctx context.Context, ownerID, id string) (core.Account, error) {
	row := r.db.QueryRowContext(ctx, accountSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanAccount(row)
}

func (r *Repository) getAccountByExternalID(ctx context.Context, ownerID, connectionID, externalID string) (core.Account, error) {
	row := r.db.QueryRowContext(ctx,
		accountSelect+` WHERE owner_id = ? AND connection_id = ? AND external_id = ?`,
		ownerID, connectionID, externalID)
	return scanAccount(row)
}

func (r *Repository) ListAccountsByConnection(ctx context.Context, connectionID string) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, accountSelect+` WHERE connection_id = ? ORDER BY created_at, id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (r *Repository) ListAccounts(ctx context.Context, ownerID string) ([]core.Account, error) {
	rows, err := r.db.QueryContext(ctx, accountSelect+` WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

const accountSelect = `
	SELECT id, owner_id, connection_id, external_id, name, currency,
	       balance_cents, available_cents, balance_as_of, org_name, org_domain,
	       created_at, updated_at
	FROM accounts`

func collectAccounts(rows *sql.Rows) ([]core.Account, error) {
	var out []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row rowScanner) (core.Account, error) {
	var (
		a         core.Account
		avail     sql.NullInt64
		asOf      sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.ConnectionID, &a.ExternalID, &a.Name, &a.Currency,
		&a.Balance.Cents, &avail, &asOf, &a.OrgName, &a.OrgDomain, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, fmt.Errorf("account: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("scan account: %w", err)
	}
	if avail.Valid {
		a.AvailableBalance = &core.Money{Cents: avail.Int64}
	}
	a.BalanceAsOf = timeOrNil(asOf)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return a, nil
}
