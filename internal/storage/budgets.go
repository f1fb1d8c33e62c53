package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"famledger/internal/core"

	"github.com/google/uuid"
)

const budgetColumns = `id, family_id, category_id, amount, period, month, year, week_number,
	start_date, end_date, created_at, updated_at`

func scanBudget(row rowScanner) (core.Budget, error) {
	var b core.Budget
	var start, end sql.NullString
	var created, updated string
	if err := row.Scan(&b.ID, &b.FamilyID, &b.CategoryID, &b.Amount, &b.Period, &b.Month, &b.Year,
		&b.WeekNumber, &start, &end, &created, &updated); err != nil {
		return core.Budget{}, err
	}
	var err error
	if b.StartDate, err = parseNullTime(start); err != nil {
		return core.Budget{}, err
	}
	if b.EndDate, err = parseNullTime(end); err != nil {
		return core.Budget{}, err
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return core.Budget{}, err
	}
	if b.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Budget{}, err
	}
	return b, nil
}

func (q *Queries) GetBudget(ctx context.Context, familyID, id string) (core.Budget, error) {
	b, err := scanBudget(q.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = ? AND family_id = ?`, id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Budget{}, core.NewNotFoundError("budget", id)
	}
	if err != nil {
		return core.Budget{}, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

func (q *Queries) ListBudgets(ctx context.Context, familyID string) ([]core.Budget, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE family_id = ? ORDER BY created_at, rowid`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []core.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *Queries) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := q.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO budgets (`+budgetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.FamilyID, b.CategoryID, b.Amount, b.Period, b.Month, b.Year, b.WeekNumber,
		formatNullTime(b.StartDate), formatNullTime(b.EndDate), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Budget{}, core.NewConflictError("budget", b.ID)
		}
		return core.Budget{}, fmt.Errorf("insert budget: %w", err)
	}
	return b, nil
}

func (q *Queries) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE budgets SET category_id = ?, amount = ?, period = ?, month = ?, year = ?, week_number = ?,
		 start_date = ?, end_date = ?, updated_at = ?
		 WHERE id = ? AND family_id = ?`,
		b.CategoryID, b.Amount, b.Period, b.Month, b.Year, b.WeekNumber,
		formatNullTime(b.StartDate), formatNullTime(b.EndDate), formatTime(q.now()), b.ID, b.FamilyID)
	if err != nil {
		return core.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return core.Budget{}, err
	}
	if !ok {
		return core.Budget{}, core.NewNotFoundError("budget", b.ID)
	}
	return q.GetBudget(ctx, b.FamilyID, b.ID)
}

func (q *Queries) DeleteBudget(ctx context.Context, familyID, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ? AND family_id = ?`, id, familyID)
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewNotFoundError("budget", id)
	}
	return nil
}
