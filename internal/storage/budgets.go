package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
)

// CreateBudget inserts a budget. When IsDefault is set, any previous default
// for the owner is demoted in the same transaction so at most one default
// exists per owner.
func (r *Repository) CreateBudget(ctx context.Context, b core.Budget) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create budget: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if b.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budgets SET is_default = 0, updated_at = ? WHERE owner_id = ? AND is_default = 1`,
			now, b.OwnerID); err != nil {
			return fmt.Errorf("demote default budget: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budgets (id, owner_id, name, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.OwnerID, b.Name, boolToInt(b.IsDefault), now, now)
	if err != nil {
		return fmt.Errorf("insert budget: %w", err)
	}
	return tx.Commit()
}

func (r *Repository) GetBudget(ctx context.Context, ownerID, id string) (core.Budget, error) {
	row := r.db.QueryRowContext(ctx, budgetSelect+` WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanBudget(row)
}

func (r *Repository) GetDefaultBudget(ctx context.Context, ownerID string) (core.Budget, error) {
	row := r.db.QueryRowContext(ctx, budgetSelect+` WHERE owner_id = ? AND is_default = 1`, ownerID)
	return scanBudget(row)
}

// SetDefaultBudget makes the given budget the owner's default, demoting any
// other.
func (r *Repository) SetDefaultBudget(ctx context.Context, ownerID, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set default budget: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE budgets SET is_default = 0, updated_at = ? WHERE owner_id = ? AND is_default = 1`,
		now, ownerID); err != nil {
		return fmt.Errorf("demote default budget: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE budgets SET is_default = 1, updated_at = ? WHERE id = ? AND owner_id = ?`,
		now, id, ownerID)
	if err != nil {
		return fmt.Errorf("promote default budget: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repository) DeleteBudget(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM budgets WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	return requireRow(res)
}

// GetMonthOverride looks up the budget explicitly assigned to a month.
// Month is the first-of-month date, "YYYY-MM-01".
func (r *Repository) GetMonthOverride(ctx context.Context, ownerID, month string) (core.MonthOverride, error) {
	var o core.MonthOverride
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, month, budget_id FROM budget_months
		WHERE owner_id = ? AND month = ?`, ownerID, month).
		Scan(&o.OwnerID, &o.Month, &o.BudgetID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.MonthOverride{}, fmt.Errorf("month override: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.MonthOverride{}, fmt.Errorf("get month override: %w", err)
	}
	return o, nil
}

// SetMonthOverride assigns a budget to a month, replacing any previous
// assignment for that month.
func (r *Repository) SetMonthOverride(ctx context.Context, o core.MonthOverride) error {
	var budgetOwner string
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id FROM budgets WHERE id = ?`, o.BudgetID).Scan(&budgetOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("budget: %w", core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check override budget: %w", err)
	}
	if budgetOwner != o.OwnerID {
		return fmt.Errorf("%w: budget belongs to a different owner", core.ErrValidation)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO budget_months (owner_id, month, budget_id) VALUES (?, ?, ?)
		ON CONFLICT (owner_id, month) DO UPDATE SET budget_id = excluded.budget_id`,
		o.OwnerID, o.Month, o.BudgetID)
	if err != nil {
		return fmt.Errorf("set month override: %w", err)
	}
	return nil
}

// LinkAccount attaches an account to a budget. An account can belong to at
// most one budget: linking it elsewhere returns ErrConflict until it is
// unlinked. Re-linking to the same budget is a no-op.
func (r *Repository) LinkAccount(ctx context.Context, ownerID, budgetID, accountID string) error {
	if _, err := r.GetBudget(ctx, ownerID, budgetID); err != nil {
		return err
	}
	if _, err := r.GetAccount(ctx, ownerID, accountID); err != nil {
		return err
	}

	var linkedTo string
	err := r.db.QueryRowContext(ctx,
		`SELECT budget_id FROM budget_accounts WHERE account_id = ?`, accountID).Scan(&linkedTo)
	switch {
	case err == nil:
		if linkedTo == budgetID {
			return nil
		}
		return fmt.Errorf("%w: account already linked to another budget", core.ErrConflict)
	case errors.Is(err, sql.ErrNoRows):
		// free to link
	default:
		return fmt.Errorf("check account link: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO budget_accounts (budget_id, account_id) VALUES (?, ?)`,
		budgetID, accountID); err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}

func (r *Repository) UnlinkAccount(ctx context.Context, ownerID, budgetID, accountID string) error {
	if _, err := r.GetBudget(ctx, ownerID, budgetID); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM budget_accounts WHERE budget_id = ? AND account_id = ?`, budgetID, accountID)
	if err != nil {
		return fmt.Errorf("unlink account: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ListLinkedAccountIDs(ctx context.Context, budgetID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id FROM budget_accounts WHERE budget_id = ? ORDER BY account_id`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertLineItem creates or replaces the budgeted amount for one category
// (or subcategory) slot.
func (r *Repository) UpsertLineItem(ctx context.Context, li core.LineItem) error {
	if err := li.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budget_line_items (id, budget_id, category_id, subcategory_id, amount_cents)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (budget_id, category_id, COALESCE(subcategory_id, ''))
		DO UPDATE SET amount_cents = excluded.amount_cents`,
		li.ID, li.BudgetID, li.CategoryID, nullString(li.SubcategoryID), li.Amount.Cents)
	if err != nil {
		return fmt.Errorf("upsert line item: %w", err)
	}
	return nil
}

func (r *Repository) ListLineItems(ctx context.Context, budgetID string) ([]core.LineItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, budget_id, category_id, subcategory_id, amount_cents
		FROM budget_line_items WHERE budget_id = ? ORDER BY category_id, COALESCE(subcategory_id, '')`,
		budgetID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	var out []core.LineItem
	for rows.Next() {
		var (
			li    core.LineItem
			subID sql.NullString
		)
		if err := rows.Scan(&li.ID, &li.BudgetID, &li.CategoryID, &subID, &li.Amount.Cents); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		li.SubcategoryID = stringOrNil(subID)
		out = append(out, li)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteLineItem(ctx context.Context, ownerID, budgetID, lineItemID string) error {
	if _, err := r.GetBudget(ctx, ownerID, budgetID); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM budget_line_items WHERE id = ? AND budget_id = ?`, lineItemID, budgetID)
	if err != nil {
		return fmt.Errorf("delete line item: %w", err)
	}
	return requireRow(res)
}

const budgetSelect = `
	SELECT id, owner_id, name, is_default, created_at, updated_at FROM budgets`

func scanBudget(row rowScanner) (core.Budget, error) {
	var (
		b         core.Budget
		def       int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &def, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, fmt.Errorf("budget: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.Budget{}, fmt.Errorf("scan budget: %w", err)
	}
	b.IsDefault = def != 0
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return b, nil
}
