package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"famledger/internal/core"

	"github.com/google/uuid"
)

const categoryColumns = `id, family_id, name, is_default, system_key, created_at`

func scanCategory(row rowScanner) (core.Category, error) {
	var c core.Category
	var created string
	if err := row.Scan(&c.ID, &c.FamilyID, &c.Name, &c.IsDefault, &c.SystemKey, &created); err != nil {
		return core.Category{}, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return core.Category{}, err
	}
	return c, nil
}

func (q *Queries) queryCategories(ctx context.Context, query string, args ...interface{}) ([]core.Category, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queries) GetCategory(ctx context.Context, familyID, id string) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE id = ? AND family_id = ?`, id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, core.NewNotFoundError("category", id)
	}
	if err != nil {
		return core.Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

func (q *Queries) ListCategories(ctx context.Context, familyID string) ([]core.Category, error) {
	return q.queryCategories(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE family_id = ? ORDER BY created_at, rowid`, familyID)
}

func (q *Queries) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = q.now().UTC()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO categories (`+categoryColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.FamilyID, c.Name, c.IsDefault, c.SystemKey, formatTime(c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			key := c.SystemKey
			if key == "" {
				key = c.ID
			}
			return core.Category{}, core.NewConflictError("category", key)
		}
		return core.Category{}, fmt.Errorf("insert category: %w", err)
	}
	return c, nil
}

func (q *Queries) FindCategoryBySystemKey(ctx context.Context, familyID, key string) (core.Category, error) {
	c, err := scanCategory(q.db.QueryRowContext(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE family_id = ? AND system_key = ?`, familyID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Category{}, core.NewNotFoundError("category", key)
	}
	if err != nil {
		return core.Category{}, fmt.Errorf("find category by system key: %w", err)
	}
	return c, nil
}

func (q *Queries) FindCategoriesByName(ctx context.Context, familyID, name string) ([]core.Category, error) {
	return q.queryCategories(ctx,
		`SELECT `+categoryColumns+` FROM categories WHERE family_id = ? AND name = ? ORDER BY created_at, rowid`,
		familyID, name)
}
