// Package gateway defines the Data Store Gateway: family-scoped, single-entity
// reads and writes over the ledger collections. Implementations live in
// gateway/memory and storage.
package gateway

import (
	"context"
	"time"

	"famledger/internal/core"

	"github.com/shopspring/decimal"
)

// Ports for outbound adapters. Every method is scoped to a family; entities
// owned by another family are reported as *core.NotFoundError.
type (
	AccountStore interface {
		GetAccount(ctx context.Context, familyID, id string) (core.Account, error)
		ListAccounts(ctx context.Context, familyID string) ([]core.Account, error)
		CreateAccount(ctx context.Context, a core.Account) (core.Account, error)
		// UpdateAccountBalance writes balance only if the stored version still
		// equals expectedVersion, otherwise it returns *core.ConflictError.
		UpdateAccountBalance(ctx context.Context, familyID, id string, balance decimal.Decimal, expectedVersion int64) (core.Account, error)
		DeleteAccount(ctx context.Context, familyID, id string) error
		// ListFamilies returns every family that owns at least one account.
		ListFamilies(ctx context.Context) ([]string, error)
	}

	TransactionStore interface {
		GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error)
		ListTransactions(ctx context.Context, familyID string, filter TransactionFilter) ([]core.Transaction, error)
		CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error)
		UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error)
		DeleteTransaction(ctx context.Context, familyID, id string) error
	}

	DebtStore interface {
		GetDebt(ctx context.Context, familyID, id string) (core.Debt, error)
		ListDebts(ctx context.Context, familyID string) ([]core.Debt, error)
		CreateDebt(ctx context.Context, d core.Debt) (core.Debt, error)
		// UpdateDebt replaces the editable fields of d, guarded by d.Version.
		UpdateDebt(ctx context.Context, d core.Debt) (core.Debt, error)
		// UpdateDebtProgress records a payment: it writes remaining, status and
		// the payment key, guarded by expectedVersion, and adds the key to the
		// debt's applied payments in the same write. UpdateDebt never touches
		// the payment key.
		UpdateDebtProgress(ctx context.Context, familyID, id string, remaining decimal.Decimal, status core.DebtStatus, paymentKey string, expectedVersion int64) (core.Debt, error)
		// DebtPaymentApplied reports whether UpdateDebtProgress ever recorded
		// key for the debt.
		DebtPaymentApplied(ctx context.Context, familyID, debtID, key string) (bool, error)
		DeleteDebt(ctx context.Context, familyID, id string) error
	}

	BudgetStore interface {
		GetBudget(ctx context.Context, familyID, id string) (core.Budget, error)
		ListBudgets(ctx context.Context, familyID string) ([]core.Budget, error)
		CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		DeleteBudget(ctx context.Context, familyID, id string) error
	}

	CategoryStore interface {
		GetCategory(ctx context.Context, familyID, id string) (core.Category, error)
		ListCategories(ctx context.Context, familyID string) ([]core.Category, error)
		// CreateCategory returns *core.ConflictError when the system key is taken.
		CreateCategory(ctx context.Context, c core.Category) (core.Category, error)
		FindCategoryBySystemKey(ctx context.Context, familyID, key string) (core.Category, error)
		// FindCategoriesByName returns matches oldest first.
		FindCategoriesByName(ctx context.Context, familyID, name string) ([]core.Category, error)
	}

	IntentStore interface {
		GetPaymentIntent(ctx context.Context, familyID, key string) (core.PaymentIntent, error)
		// CreatePaymentIntent returns *core.ConflictError when the key exists.
		CreatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error)
		UpdatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error)
	}

	// Gateway is the full data store used by the services.
	Gateway interface {
		AccountStore
		TransactionStore
		DebtStore
		BudgetStore
		CategoryStore
		IntentStore
	}

	// Transactor is implemented by gateways that can run several writes as
	// one all-or-nothing unit. The callback must only use the Gateway it is
	// given.
	Transactor interface {
		Atomic(ctx context.Context, fn func(Gateway) error) error
	}
)

// TransactionFilter narrows ListTransactions. Zero fields match everything.
// AccountID matches both the owning account and a transfer destination.
type TransactionFilter struct {
	AccountID  string
	CategoryID string
	Type       core.TransactionType
	// DebtID keeps only transactions recorded by payments of that debt.
	DebtID string
	From   time.Time
	To     time.Time
	// MinAmount and MaxAmount are inclusive; zero leaves a bound open.
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
}

// Match reports whether tx passes the filter.
func (f TransactionFilter) Match(tx core.Transaction) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID && tx.TransferAccountID != f.AccountID {
		return false
	}
	if f.CategoryID != "" && tx.CategoryID != f.CategoryID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && tx.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.Date.After(f.To) {
		return false
	}
	if f.DebtID != "" {
		if id, ok := core.ParseDebtTag(tx.Description); !ok || id != f.DebtID {
			return false
		}
	}
	return f.MatchAmount(tx.Amount)
}

// MatchAmount checks only the amount bounds.
func (f TransactionFilter) MatchAmount(amount decimal.Decimal) bool {
	if !f.MinAmount.IsZero() && amount.LessThan(f.MinAmount) {
		return false
	}
	if !f.MaxAmount.IsZero() && amount.GreaterThan(f.MaxAmount) {
		return false
	}
	return true
}

// RunAtomic runs fn inside gw's unit of work when gw supports one, and
// directly against gw otherwise. It reports whether the run was atomic.
func RunAtomic(ctx context.Context, gw Gateway, fn func(Gateway) error) (bool, error) {
	if t, ok := gw.(Transactor); ok {
		return true, t.Atomic(ctx, fn)
	}
	return false, fn(gw)
}
