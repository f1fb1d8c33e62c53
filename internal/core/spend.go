package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertBand classifies budget consumption. Boundaries at 80 and 100 percent
// are part of the public contract.
type AlertBand string

const (
	BandNominal   AlertBand = "nominal"
	BandNearLimit AlertBand = "near_limit"
	BandExceeded  AlertBand = "exceeded"
)

var (
	hundred        = decimal.NewFromInt(100)
	nearLimitBound = decimal.NewFromInt(80)
)

// Spend is the consumption of one budget over its resolved window. Percent
// is not capped; values over 100 mean the budget is exceeded.
type Spend struct {
	BudgetID  string          `json:"budget_id"`
	Amount    decimal.Decimal `json:"amount"`
	Spent     decimal.Decimal `json:"spent"`
	Percent   decimal.Decimal `json:"percent"`
	Remaining decimal.Decimal `json:"remaining"`
	Band      AlertBand       `json:"band"`
	Window    *Window         `json:"window,omitempty"`
}

// BandFor maps a consumption percentage to its alert band.
func BandFor(percent decimal.Decimal) AlertBand {
	switch {
	case percent.GreaterThanOrEqual(hundred):
		return BandExceeded
	case percent.GreaterThanOrEqual(nearLimitBound):
		return BandNearLimit
	default:
		return BandNominal
	}
}

// Aggregate sums the expense transactions matching the budget's category
// that fall inside its window. It has no side effects and does not modify
// txs.
func Aggregate(b Budget, txs []Transaction, now time.Time) Spend {
	spent := decimal.Zero
	var window *Window
	if w, ok := ResolveWindow(b, now); ok {
		window = &w
		for _, tx := range txs {
			if matchesBudget(b, tx) && w.Contains(tx.Date) {
				spent = spent.Add(tx.Amount)
			}
		}
	}

	percent := decimal.Zero
	if b.Amount.IsPositive() {
		percent = spent.Div(b.Amount).Mul(hundred)
	}

	return Spend{
		BudgetID:  b.ID,
		Amount:    b.Amount,
		Spent:     spent,
		Percent:   percent,
		Remaining: b.Amount.Sub(spent),
		Band:      BandFor(percent),
		Window:    window,
	}
}

func matchesBudget(b Budget, tx Transaction) bool {
	if tx.Type != Expense {
		return false
	}
	return b.CategoryID == "" || tx.CategoryID == b.CategoryID
}
