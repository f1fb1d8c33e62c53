package core

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Effect is a signed change to one account's balance.
type Effect struct {
	AccountID string
	Delta     decimal.Decimal
}

// Effects returns the balance changes a transaction applies. Income credits
// the owning account, expense debits it, and a transfer debits the source and
// credits the destination.
func (t Transaction) Effects() []Effect {
	switch t.Type {
	case Income:
		return []Effect{{AccountID: t.AccountID, Delta: t.Amount}}
	case Expense:
		return []Effect{{AccountID: t.AccountID, Delta: t.Amount.Neg()}}
	case Transfer:
		return []Effect{
			{AccountID: t.AccountID, Delta: t.Amount.Neg()},
			{AccountID: t.TransferAccountID, Delta: t.Amount},
		}
	}
	return nil
}

// NetEffects merges the effects of applying next and reverting prev, keyed by
// account. Either side may be nil.
func NetEffects(prev, next *Transaction) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	if prev != nil {
		for _, e := range prev.Effects() {
			out[e.AccountID] = out[e.AccountID].Sub(e.Delta)
		}
	}
	if next != nil {
		for _, e := range next.Effects() {
			out[e.AccountID] = out[e.AccountID].Add(e.Delta)
		}
	}
	for id, d := range out {
		if d.IsZero() {
			delete(out, id)
		}
	}
	return out
}

// ReplayBalance recomputes an account balance from its opening balance and
// the full transaction history.
func ReplayBalance(opening decimal.Decimal, accountID string, txs []Transaction) decimal.Decimal {
	balance := opening
	for _, tx := range txs {
		for _, e := range tx.Effects() {
			if e.AccountID == accountID {
				balance = balance.Add(e.Delta)
			}
		}
	}
	return balance
}

var debtTagPattern = regexp.MustCompile(`^\[debt:([^\]\s]+)\]\s?`)

// DebtTag is the marker that starts the description of every
// debt-originated transaction.
func DebtTag(debtID string) string {
	return "[debt:" + debtID + "]"
}

// TagDebtDescription prefixes a description with the debt tag so filters can
// recognise debt-originated transactions.
func TagDebtDescription(debtID, text string) string {
	return DebtTag(debtID) + " " + strings.TrimSpace(text)
}

// ParseDebtTag extracts the debt id from a tagged description.
func ParseDebtTag(description string) (string, bool) {
	m := debtTagPattern.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}
	return m[1], true
}
