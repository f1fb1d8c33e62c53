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

const accountColumns = `id, family_id, name, ownership, opening_balance, balance, version, created_at, updated_at`

func scanAccount(row rowScanner) (core.Account, error) {
	var a core.Account
	var created, updated string
	if err := row.Scan(&a.ID, &a.FamilyID, &a.Name, &a.Ownership, &a.OpeningBalance, &a.Balance,
		&a.Version, &created, &updated); err != nil {
		return core.Account{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return core.Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Account{}, err
	}
	return a, nil
}

func (q *Queries) GetAccount(ctx context.Context, familyID, id string) (core.Account, error) {
	a, err := scanAccount(q.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ? AND family_id = ?`, id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, core.NewNotFoundError("account", id)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (q *Queries) ListAccounts(ctx context.Context, familyID string) ([]core.Account, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE family_id = ? ORDER BY created_at, rowid`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := q.now().UTC()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FamilyID, a.Name, a.Ownership, a.OpeningBalance, a.Balance, a.Version,
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Account{}, core.NewConflictError("account", a.ID)
		}
		return core.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

func (q *Queries) UpdateAccountBalance(ctx context.Context, familyID, id string, balance decimal.Decimal, expectedVersion int64) (core.Account, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND family_id = ? AND version = ?`,
		balance, formatTime(q.now()), id, familyID, expectedVersion)
	if err != nil {
		return core.Account{}, fmt.Errorf("update account balance: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return core.Account{}, err
	}
	if !ok {
		if _, err := q.GetAccount(ctx, familyID, id); err != nil {
			return core.Account{}, err
		}
		return core.Account{}, core.NewConflictError("account", id)
	}
	return q.GetAccount(ctx, familyID, id)
}

func (q *Queries) DeleteAccount(ctx context.Context, familyID, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ? AND family_id = ?`, id, familyID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewNotFoundError("account", id)
	}
	return nil
}

func (q *Queries) ListFamilies(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT family_id FROM accounts ORDER BY family_id`)
	if err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan family: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
