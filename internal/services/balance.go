package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"famledger/internal/core"
	"famledger/internal/gateway"
	"famledger/internal/metrics"

	"github.com/shopspring/decimal"
)

// maxConflictRetries is how many times a compare-and-set write is retried
// with a fresh read before the conflict is surfaced.
const maxConflictRetries = 1

// casBalance is the only place account balances are written. It reads the
// account, computes the new balance from that fresh state and writes it
// guarded by the version it read.
func casBalance(ctx context.Context, gw gateway.Gateway, m *metrics.Metrics, familyID, accountID string,
	next func(core.Account) (decimal.Decimal, error)) (core.Account, error) {
	for attempt := 0; ; attempt++ {
		acc, err := gw.GetAccount(ctx, familyID, accountID)
		if err != nil {
			return core.Account{}, err
		}
		balance, err := next(acc)
		if err != nil {
			return core.Account{}, err
		}
		if balance.Equal(acc.Balance) {
			return acc, nil
		}

		updated, err := gw.UpdateAccountBalance(ctx, familyID, accountID, balance, acc.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, core.ErrConflict) || attempt >= maxConflictRetries {
			return core.Account{}, err
		}
		m.ConflictRetry()
	}
}

// adjustBalance adds delta to the stored balance.
func adjustBalance(ctx context.Context, gw gateway.Gateway, m *metrics.Metrics, familyID, accountID string, delta decimal.Decimal) (core.Account, error) {
	return casBalance(ctx, gw, m, familyID, accountID, func(acc core.Account) (decimal.Decimal, error) {
		return acc.Balance.Add(delta), nil
	})
}

// replayBalance rewrites the stored balance from the opening balance and the
// full transaction history. Running it twice has the same effect as once.
func replayBalance(ctx context.Context, gw gateway.Gateway, m *metrics.Metrics, familyID, accountID string) (core.Account, error) {
	return casBalance(ctx, gw, m, familyID, accountID, func(acc core.Account) (decimal.Decimal, error) {
		return expectedBalance(ctx, gw, acc)
	})
}

func expectedBalance(ctx context.Context, gw gateway.Gateway, acc core.Account) (decimal.Decimal, error) {
	txs, err := gw.ListTransactions(ctx, acc.FamilyID, gateway.TransactionFilter{AccountID: acc.ID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("list transactions for %s: %w", acc.ID, err)
	}
	return core.ReplayBalance(acc.OpeningBalance, acc.ID, txs), nil
}

// applyEffects writes the net balance change of replacing prev with next.
// Accounts are visited in a stable order.
func applyEffects(ctx context.Context, gw gateway.Gateway, m *metrics.Metrics, familyID string, prev, next *core.Transaction) error {
	effects := core.NetEffects(prev, next)
	for _, id := range sortedKeys(effects) {
		if _, err := adjustBalance(ctx, gw, m, familyID, id, effects[id]); err != nil {
			return fmt.Errorf("update balance of account %s: %w", id, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
