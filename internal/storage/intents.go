package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"famledger/internal/core"
)

const intentColumns = `family_id, key, debt_id, account_id, amount, direction, status, transaction_id,
	completed_steps, last_error, created_at, updated_at`

func scanIntent(row rowScanner) (core.PaymentIntent, error) {
	var p core.PaymentIntent
	var steps, created, updated string
	if err := row.Scan(&p.FamilyID, &p.Key, &p.DebtID, &p.AccountID, &p.Amount, &p.Direction, &p.Status,
		&p.TransactionID, &steps, &p.LastError, &created, &updated); err != nil {
		return core.PaymentIntent{}, err
	}
	p.Completed = splitSteps[core.PaymentStep](steps)
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return core.PaymentIntent{}, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return core.PaymentIntent{}, err
	}
	return p, nil
}

func (q *Queries) GetPaymentIntent(ctx context.Context, familyID, key string) (core.PaymentIntent, error) {
	p, err := scanIntent(q.db.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE family_id = ? AND key = ?`, familyID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return core.PaymentIntent{}, core.NewNotFoundError("payment intent", key)
	}
	if err != nil {
		return core.PaymentIntent{}, fmt.Errorf("get payment intent: %w", err)
	}
	return p, nil
}

func (q *Queries) CreatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	now := q.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO payment_intents (`+intentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.FamilyID, p.Key, p.DebtID, p.AccountID, p.Amount, p.Direction, p.Status, p.TransactionID,
		joinSteps(p.Completed), p.LastError, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.PaymentIntent{}, core.NewConflictError("payment intent", p.Key)
		}
		return core.PaymentIntent{}, fmt.Errorf("insert payment intent: %w", err)
	}
	return p, nil
}

func (q *Queries) UpdatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE payment_intents SET status = ?, transaction_id = ?, completed_steps = ?, last_error = ?, updated_at = ?
		 WHERE family_id = ? AND key = ?`,
		p.Status, p.TransactionID, joinSteps(p.Completed), p.LastError, formatTime(q.now()), p.FamilyID, p.Key)
	if err != nil {
		return core.PaymentIntent{}, fmt.Errorf("update payment intent: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return core.PaymentIntent{}, err
	}
	if !ok {
		return core.PaymentIntent{}, core.NewNotFoundError("payment intent", p.Key)
	}
	return q.GetPaymentIntent(ctx, p.FamilyID, p.Key)
}
