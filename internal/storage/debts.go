package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"famledger/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const debtColumns = `id, family_id, description, total_amount, remaining_amount, direction, status,
	category_id, account_id, due_date, last_payment_key, version, created_at, updated_at`

func scanDebt(row rowScanner) (core.Debt, error) {
	var d core.Debt
	var due sql.NullString
	var created, updated string
	if err := row.Scan(&d.ID, &d.FamilyID, &d.Description, &d.TotalAmount, &d.RemainingAmount,
		&d.Direction, &d.Status, &d.CategoryID, &d.AccountID, &due, &d.LastPaymentKey, &d.Version, &created, &updated); err != nil {
		return core.Debt{}, err
	}
	var err error
	if d.DueDate, err = parseNullTime(due); err != nil {
		return core.Debt{}, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return core.Debt{}, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Debt{}, err
	}
	return d, nil
}

func (q *Queries) GetDebt(ctx context.Context, familyID, id string) (core.Debt, error) {
	d, err := scanDebt(q.db.QueryRowContext(ctx,
		`SELECT `+debtColumns+` FROM debts WHERE id = ? AND family_id = ?`, id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Debt{}, core.NewNotFoundError("debt", id)
	}
	if err != nil {
		return core.Debt{}, fmt.Errorf("get debt: %w", err)
	}
	return d, nil
}

func (q *Queries) ListDebts(ctx context.Context, familyID string) ([]core.Debt, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+debtColumns+` FROM debts WHERE family_id = ? ORDER BY created_at, rowid`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list debts: %w", err)
	}
	defer rows.Close()

	var out []core.Debt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan debt: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) CreateDebt(ctx context.Context, d core.Debt) (core.Debt, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := q.now().UTC()
	d.Version = 1
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO debts (`+debtColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.FamilyID, d.Description, d.TotalAmount, d.RemainingAmount, d.Direction, d.Status,
		d.CategoryID, d.AccountID, formatNullTime(d.DueDate), d.LastPaymentKey, d.Version, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Debt{}, core.NewConflictError("debt", d.ID)
		}
		return core.Debt{}, fmt.Errorf("insert debt: %w", err)
	}
	return d, nil
}

func (q *Queries) UpdateDebt(ctx context.Context, d core.Debt) (core.Debt, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE debts SET description = ?, total_amount = ?, remaining_amount = ?, direction = ?, status = ?,
		 category_id = ?, account_id = ?, due_date = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND family_id = ? AND version = ?`,
		d.Description, d.TotalAmount, d.RemainingAmount, d.Direction, d.Status,
		d.CategoryID, d.AccountID, formatNullTime(d.DueDate), formatTime(q.now()),
		d.ID, d.FamilyID, d.Version)
	if err != nil {
		return core.Debt{}, fmt.Errorf("update debt: %w", err)
	}
	return q.afterDebtWrite(ctx, res, d.FamilyID, d.ID)
}

func (q *Queries) UpdateDebtProgress(ctx context.Context, familyID, id string, remaining decimal.Decimal, status core.DebtStatus, paymentKey string, expectedVersion int64) (core.Debt, error) {
	var d core.Debt
	err := q.inTx(ctx, func(q *Queries) error {
		now := formatTime(q.now())
		res, err := q.db.ExecContext(ctx,
			`UPDATE debts SET remaining_amount = ?, status = ?, last_payment_key = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND family_id = ? AND version = ?`,
			remaining, status, paymentKey, now, id, familyID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update debt progress: %w", err)
		}
		if d, err = q.afterDebtWrite(ctx, res, familyID, id); err != nil {
			return err
		}
		if paymentKey == "" {
			return nil
		}
		if _, err := q.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO debt_payments (family_id, debt_id, key, remaining_amount, applied_at)
			 VALUES (?, ?, ?, ?, ?)`,
			familyID, id, paymentKey, remaining, now); err != nil {
			return fmt.Errorf("record debt payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Debt{}, err
	}
	return d, nil
}

func (q *Queries) DebtPaymentApplied(ctx context.Context, familyID, debtID, key string) (bool, error) {
	if _, err := q.GetDebt(ctx, familyID, debtID); err != nil {
		return false, err
	}
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM debt_payments WHERE family_id = ? AND debt_id = ? AND key = ?`,
		familyID, debtID, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check debt payment: %w", err)
	}
	return n > 0, nil
}

// afterDebtWrite turns a guarded update result into the stored debt, a
// NotFoundError or a ConflictError.
func (q *Queries) afterDebtWrite(ctx context.Context, res sql.Result, familyID, id string) (core.Debt, error) {
	ok, err := affected(res)
	if err != nil {
		return core.Debt{}, err
	}
	if !ok {
		if _, err := q.GetDebt(ctx, familyID, id); err != nil {
			return core.Debt{}, err
		}
		return core.Debt{}, core.NewConflictError("debt", id)
	}
	return q.GetDebt(ctx, familyID, id)
}

func (q *Queries) DeleteDebt(ctx context.Context, familyID, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM debts WHERE id = ? AND family_id = ?`, id, familyID)
	if err != nil {
		return fmt.Errorf("delete debt: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewNotFoundError("debt", id)
	}
	return nil
}
