package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"famledger/internal/core"
	"famledger/internal/gateway"

	"github.com/google/uuid"
)

const transactionColumns = `id, family_id, amount, type, account_id, transfer_account_id, category_id,
	description, date, receipt_ref, created_at, updated_at`

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var tx core.Transaction
	var date, created, updated string
	if err := row.Scan(&tx.ID, &tx.FamilyID, &tx.Amount, &tx.Type, &tx.AccountID, &tx.TransferAccountID,
		&tx.CategoryID, &tx.Description, &date, &tx.ReceiptRef, &created, &updated); err != nil {
		return core.Transaction{}, err
	}
	var err error
	if tx.Date, err = parseTime(date); err != nil {
		return core.Transaction{}, err
	}
	if tx.CreatedAt, err = parseTime(created); err != nil {
		return core.Transaction{}, err
	}
	if tx.UpdatedAt, err = parseTime(updated); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

func (q *Queries) GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error) {
	tx, err := scanTransaction(q.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ? AND family_id = ?`, id, familyID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, core.NewNotFoundError("transaction", id)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (q *Queries) ListTransactions(ctx context.Context, familyID string, filter gateway.TransactionFilter) ([]core.Transaction, error) {
	where := []string{"family_id = ?"}
	args := []interface{}{familyID}
	if filter.AccountID != "" {
		where = append(where, "(account_id = ? OR transfer_account_id = ?)")
		args = append(args, filter.AccountID, filter.AccountID)
	}
	if filter.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, formatTime(filter.To))
	}
	if filter.DebtID != "" {
		where = append(where, "instr(description, ?) = 1")
		args = append(args, core.DebtTag(filter.DebtID))
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE `+strings.Join(where, " AND ")+` ORDER BY date, rowid`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		// Amounts are stored as decimal text, so bounds are checked here.
		if filter.MatchAmount(tx.Amount) {
			out = append(out, tx)
		}
	}
	return out, rows.Err()
}

func (q *Queries) CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := q.now().UTC()
	tx.Date = tx.Date.UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.FamilyID, tx.Amount, tx.Type, tx.AccountID, tx.TransferAccountID, tx.CategoryID,
		tx.Description, formatTime(tx.Date), tx.ReceiptRef, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Transaction{}, core.NewConflictError("transaction", tx.ID)
		}
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (q *Queries) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE transactions SET amount = ?, type = ?, account_id = ?, transfer_account_id = ?, category_id = ?,
		 description = ?, date = ?, receipt_ref = ?, updated_at = ?
		 WHERE id = ? AND family_id = ?`,
		tx.Amount, tx.Type, tx.AccountID, tx.TransferAccountID, tx.CategoryID,
		tx.Description, formatTime(tx.Date), tx.ReceiptRef, formatTime(q.now()), tx.ID, tx.FamilyID)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return core.Transaction{}, err
	}
	if !ok {
		return core.Transaction{}, core.NewNotFoundError("transaction", tx.ID)
	}
	return q.GetTransaction(ctx, tx.FamilyID, tx.ID)
}

func (q *Queries) DeleteTransaction(ctx context.Context, familyID, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND family_id = ?`, id, familyID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return core.NewNotFoundError("transaction", id)
	}
	return nil
}
