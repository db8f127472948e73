package storage

import (
	"context"
	"fmt"

	"pennywise/internal/core"
)

func (r *Repository) CreateCategory(ctx context.Context, c core.Category) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, owner_id, name, is_default) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, boolToInt(c.IsDefault))
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (r *Repository) CreateSubcategory(ctx context.Context, s core.Subcategory) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subcategories (id, category_id, name) VALUES (?, ?, ?)`,
		s.ID, s.CategoryID, s.Name)
	if err != nil {
		return fmt.Errorf("insert subcategory: %w", err)
	}
	return nil
}

func (r *Repository) ListCategories(ctx context.Context, ownerID string) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, name, is_default FROM categories
		WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var (
			c   core.Category
			def int
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &def); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.IsDefault = def != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSubcategories returns all subcategories under the owner's categories.
func (r *Repository) ListSubcategories(ctx context.Context, ownerID string) ([]core.Subcategory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.category_id, s.name
		FROM subcategories s
		JOIN categories c ON c.id = s.category_id
		WHERE c.owner_id = ? ORDER BY s.name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list subcategories: %w", err)
	}
	defer rows.Close()

	var out []core.Subcategory
	for rows.Next() {
		var s core.Subcategory
		if err := rows.Scan(&s.ID, &s.CategoryID, &s.Name); err != nil {
			return nil, fmt.Errorf("scan subcategory: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
