package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pennywise/internal/core"
)

// UpsertTransaction writes one ingested transaction keyed by (owner,
// external id). An existing row gets its mutable fields refreshed; the
// category fields and provenance are never touched by re-ingestion. Returns
// whether a new row was inserted.
func (r *Repository) UpsertTransaction(ctx context.Context, t core.Transaction) (bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id FROM transactions WHERE owner_id = ? AND external_id = ?`,
		t.OwnerID, t.ExternalID)

	var existingID string
	err := row.Scan(&existingID)
	now := time.Now().Unix()

	switch {
	case err == nil:
		_, err = r.db.ExecContext(ctx, `
			UPDATE transactions
			SET amount_cents = ?, currency = ?, posted_at = ?, occurred_at = ?,
			    description = ?, payee = ?, memo = ?, pending = ?, updated_at = ?
			WHERE id = ?`,
			t.Amount.Cents, t.Currency, t.PostedAt.Unix(), unixOrNull(t.OccurredAt),
			t.Description, t.Payee, t.Memo, boolToInt(t.Pending), now, existingID)
		if err != nil {
			return false, fmt.Errorf("update transaction: %w", err)
		}
		return false, nil

	case errors.Is(err, sql.ErrNoRows):
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO transactions (id, owner_id, account_id, external_id, amount_cents, currency,
			                          posted_at, occurred_at, description, payee, memo, pending,
			                          category_id, subcategory_id, categorization_source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)`,
			t.ID, t.OwnerID, t.AccountID, t.ExternalID, t.Amount.Cents, t.Currency,
			t.PostedAt.Unix(), unixOrNull(t.OccurredAt), t.Description, t.Payee, t.Memo,
			boolToInt(t.Pending), string(core.SourceUncategorized), now, now)
		if err != nil {
			return false, fmt.Errorf("insert transaction: %w", err)
		}
		return true, nil

	default:
		return false, fmt.Errorf("lookup transaction by external id: %w", err)
	}
}

func (r *Repository) GetTransaction(ctx context.Context, ownerID, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, transactionSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanTransaction(row)
}

// ListUncategorized returns the owner's transactions still waiting for a
// category, oldest first.
func (r *Repository) ListUncategorized(ctx context.Context, ownerID string, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		transactionSelect+` WHERE owner_id = ? AND categorization_source = ? ORDER BY posted_at, id LIMIT ?`,
		ownerID, string(core.SourceUncategorized), limit)
	if err != nil {
		return nil, fmt.Errorf("list uncategorized: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *Repository) ListTransactions(ctx context.Context, ownerID string, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		transactionSelect+` WHERE owner_id = ? ORDER BY posted_at, id LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListTransactionsByIDs fetches the given ids, silently dropping ids that do
// not exist or belong to a different owner.
func (r *Repository) ListTransactionsByIDs(ctx context.Context, ownerID string, ids []string) ([]core.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := transactionSelect + ` WHERE owner_id = ? AND id IN (?` +
		strings.Repeat(", ?", len(ids)-1) + `) ORDER BY posted_at, id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions by ids: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// CategoryAssignment is one categorization write. SubcategoryID nil means
// the subcategory column is cleared, not left alone.
type CategoryAssignment struct {
	TransactionID string
	CategoryID    string
	SubcategoryID *string
	Source        core.CategorizationSource
}

// ApplyCategories writes a batch of category assignments in one database
// transaction. Re-applying an identical assignment is a no-op in effect.
func (r *Repository) ApplyCategories(ctx context.Context, ownerID string, assignments []CategoryAssignment) (int, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin category batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	updated := 0
	for _, a := range assignments {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions
			SET category_id = ?, subcategory_id = ?, categorization_source = ?, updated_at = ?
			WHERE id = ? AND owner_id = ?`,
			a.CategoryID, nullString(a.SubcategoryID), string(a.Source), now, a.TransactionID, ownerID)
		if err != nil {
			return 0, fmt.Errorf("apply category to %s: %w", a.TransactionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit category batch: %w", err)
	}
	return updated, nil
}

// TransactionsInRange returns the owner's transactions with posted_at in
// [start, end), optionally restricted to accountIDs.
func (r *Repository) TransactionsInRange(ctx context.Context, ownerID string, start, end time.Time, accountIDs []string) ([]core.Transaction, error) {
	query := transactionSelect + ` WHERE owner_id = ? AND posted_at >= ? AND posted_at < ?`
	args := []any{ownerID, start.Unix(), end.Unix()}
	query, args = restrictAccounts(query, args, accountIDs)
	query += ` ORDER BY posted_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transactions in range: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// SpendingAggregate holds absolute outflow cents grouped by category and,
// separately, by subcategory. Subcategory totals are a refinement of their
// category totals, not additive on top of them.
type SpendingAggregate struct {
	ByCategory    map[string]int64
	BySubcategory map[string]int64
	Uncategorized int64
	TotalOutflow  int64
}

// SpendingByCategory aggregates outflows (negative amounts only) for the
// owner in [start, end), optionally restricted to accountIDs.
func (r *Repository) SpendingByCategory(ctx context.Context, ownerID string, start, end time.Time, accountIDs []string) (SpendingAggregate, error) {
	agg := SpendingAggregate{
		ByCategory:    make(map[string]int64),
		BySubcategory: make(map[string]int64),
	}

	query := `
		SELECT category_id, subcategory_id, SUM(-amount_cents)
		FROM transactions
		WHERE owner_id = ? AND amount_cents < 0 AND posted_at >= ? AND posted_at < ?`
	args := []any{ownerID, start.Unix(), end.Unix()}
	query, args = restrictAccounts(query, args, accountIDs)
	query += ` GROUP BY category_id, subcategory_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return agg, fmt.Errorf("spending by category: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			catID sql.NullString
			subID sql.NullString
			cents int64
		)
		if err := rows.Scan(&catID, &subID, &cents); err != nil {
			return agg, fmt.Errorf("scan spending row: %w", err)
		}
		agg.TotalOutflow += cents
		if !catID.Valid {
			agg.Uncategorized += cents
			continue
		}
		agg.ByCategory[catID.String] += cents
		if subID.Valid {
			agg.BySubcategory[subID.String] += cents
		}
	}
	return agg, rows.Err()
}

// HasTransactionsBefore reports whether any qualifying transaction exists
// strictly before the given instant.
func (r *Repository) HasTransactionsBefore(ctx context.Context, ownerID string, before time.Time, accountIDs []string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM transactions WHERE owner_id = ? AND posted_at < ?`
	args := []any{ownerID, before.Unix()}
	query, args = restrictAccounts(query, args, accountIDs)
	query += `)`

	var exists int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("has transactions before: %w", err)
	}
	return exists == 1, nil
}

// HasTransactionsBetween reports whether any qualifying transaction exists
// in [start, end).
func (r *Repository) HasTransactionsBetween(ctx context.Context, ownerID string, start, end time.Time, accountIDs []string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM transactions WHERE owner_id = ? AND posted_at >= ? AND posted_at < ?`
	args := []any{ownerID, start.Unix(), end.Unix()}
	query, args = restrictAccounts(query, args, accountIDs)
	query += `)`

	var exists int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("has transactions between: %w", err)
	}
	return exists == 1, nil
}

func restrictAccounts(query string, args []any, accountIDs []string) (string, []any) {
	if len(accountIDs) == 0 {
		return query, args
	}
	query += ` AND account_id IN (?` + strings.Repeat(", ?", len(accountIDs)-1) + `)`
	for _, id := range accountIDs {
		args = append(args, id)
	}
	return query, args
}

const transactionSelect = `
	SELECT id, owner_id, account_id, external_id, amount_cents, currency,
	       posted_at, occurred_at, description, payee, memo, pending,
	       category_id, subcategory_id, categorization_source, created_at, updated_at
	FROM transactions`

func collectTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t         core.Transaction
		postedAt  int64
		occurred  sql.NullInt64
		pending   int
		catID     sql.NullString
		subID     sql.NullString
		source    string
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.AccountID, &t.ExternalID, &t.Amount.Cents, &t.Currency,
		&postedAt, &occurred, &t.Description, &t.Payee, &t.Memo, &pending,
		&catID, &subID, &source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, fmt.Errorf("transaction: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	t.PostedAt = time.Unix(postedAt, 0).UTC()
	t.OccurredAt = timeOrNil(occurred)
	t.Pending = pending != 0
	t.CategoryID = stringOrNil(catID)
	t.SubcategoryID = stringOrNil(subID)
	t.Source = core.CategorizationSource(source)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
