package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
)

// CreateRule appends a rule to the end of the owner's rule list. The
// referenced category must belong to the same owner.
func (r *Repository) CreateRule(ctx context.Context, rule core.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	}

	var catOwner string
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id FROM categories WHERE id = ?`, rule.CategoryID).Scan(&catOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: rule category does not exist", core.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("check rule category: %w", err)
	}
	if catOwner != rule.OwnerID {
		return fmt.Errorf("%w: rule category belongs to a different owner", core.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create rule: %w", err)
	}
	defer tx.Rollback()

	var maxPos sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(position) FROM rules WHERE owner_id = ?`, rule.OwnerID).Scan(&maxPos); err != nil {
		return fmt.Errorf("next rule position: %w", err)
	}
	position := 1
	if maxPos.Valid {
		position = int(maxPos.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (id, owner_id, match_field, match_value, category_id, subcategory_id, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.OwnerID, string(rule.Field), rule.Substring, rule.CategoryID,
		nullString(rule.SubcategoryID), position, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return tx.Commit()
}

// ListRules returns the owner's rules in stored order.
func (r *Repository) ListRules(ctx context.Context, ownerID string) ([]core.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, match_field, match_value, category_id, subcategory_id, position, created_at
		FROM rules WHERE owner_id = ? ORDER BY position, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []core.Rule
	for rows.Next() {
		var (
			rule      core.Rule
			field     string
			subID     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rule.ID, &rule.OwnerID, &field, &rule.Substring,
			&rule.CategoryID, &subID, &rule.Position, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Field = core.MatchField(field)
		rule.SubcategoryID = stringOrNil(subID)
		rule.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) DeleteRule(ctx context.Context, ownerID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM rules WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRow(res)
}
