package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"famledger/internal/amqp"
	"famledger/internal/core"
	"famledger/internal/gateway"
	"famledger/internal/log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerService owns accounts and plain transactions. Every balance change it
// makes goes through casBalance.
type LedgerService struct {
	deps Deps
}

func NewLedgerService(deps Deps) *LedgerService {
	return &LedgerService{deps: deps.withDefaults(log.ComponentLedger)}
}

// AccountRequest opens an account. The opening balance is the only balance a
// client ever supplies.
type AccountRequest struct {
	FamilyID       string             `json:"-"`
	Name           string             `json:"name"`
	Ownership      core.OwnershipKind `json:"ownership"`
	OpeningBalance decimal.Decimal    `json:"opening_balance"`
}

// TransferRequest moves money between two accounts of the same family.
type TransferRequest struct {
	FamilyID      string          `json:"-"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description,omitempty"`
	Date          time.Time       `json:"date,omitempty"`
}

func (s *LedgerService) CreateAccount(ctx context.Context, req AccountRequest) (core.Account, error) {
	acc := core.Account{
		FamilyID:       req.FamilyID,
		Name:           strings.TrimSpace(req.Name),
		Ownership:      req.Ownership,
		OpeningBalance: req.OpeningBalance,
		Balance:        req.OpeningBalance,
	}
	if err := acc.Validate(); err != nil {
		return core.Account{}, err
	}

	created, err := s.deps.Gateway.CreateAccount(ctx, acc)
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}
	s.deps.Logger.InfoContext(ctx, "Account created",
		log.FieldFamilyID, created.FamilyID,
		log.FieldAccountID, created.ID)
	return created, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, familyID, id string) (core.Account, error) {
	return s.deps.Gateway.GetAccount(ctx, familyID, id)
}

func (s *LedgerService) ListAccounts(ctx context.Context, familyID string) ([]core.Account, error) {
	return s.deps.Gateway.ListAccounts(ctx, familyID)
}

// DeleteAccount refuses to remove an account that still has history or a
// linked debt, since that would orphan balance effects.
func (s *LedgerService) DeleteAccount(ctx context.Context, familyID, id string) error {
	gw := s.deps.Gateway
	if _, err := gw.GetAccount(ctx, familyID, id); err != nil {
		return err
	}

	txs, err := gw.ListTransactions(ctx, familyID, gateway.TransactionFilter{AccountID: id})
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	if len(txs) > 0 {
		return core.NewValidationError("account_id", "account has transactions")
	}

	debts, err := gw.ListDebts(ctx, familyID)
	if err != nil {
		return fmt.Errorf("list debts: %w", err)
	}
	for _, d := range debts {
		if d.AccountID == id {
			return core.NewValidationError("account_id", "account is linked to debt "+d.ID)
		}
	}

	return gw.DeleteAccount(ctx, familyID, id)
}

func (s *LedgerService) GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error) {
	return s.deps.Gateway.GetTransaction(ctx, familyID, id)
}

func (s *LedgerService) ListTransactions(ctx context.Context, familyID string, filter gateway.TransactionFilter) ([]core.Transaction, error) {
	return s.deps.Gateway.ListTransactions(ctx, familyID, filter)
}

// CreateTransaction records tx and applies its effects to the accounts it
// touches.
func (s *LedgerService) CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	if tx.Date.IsZero() {
		tx.Date = s.deps.Now()
	}
	tx.Date = tx.Date.UTC()
	tx.Description = strings.TrimSpace(tx.Description)
	if err := s.checkTransaction(ctx, tx); err != nil {
		return core.Transaction{}, err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	var created core.Transaction
	err := s.mutate(ctx, tx.ID, func(g gateway.Gateway) (*core.Transaction, *core.Transaction, error) {
		var err error
		created, err = g.CreateTransaction(ctx, tx)
		if err != nil {
			return nil, nil, fmt.Errorf("create transaction: %w", err)
		}
		return nil, &created, nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	s.deps.Logger.InfoContext(ctx, "Transaction created",
		log.FieldFamilyID, created.FamilyID,
		log.FieldTransactionID, created.ID,
		log.FieldAccountID, created.AccountID,
		log.FieldAmount, core.FormatAmount(created.Amount))
	return created, nil
}

// UpdateTransaction replaces a transaction and moves balances by the
// difference between the old and new effects.
func (s *LedgerService) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	prev, err := s.deps.Gateway.GetTransaction(ctx, tx.FamilyID, tx.ID)
	if err != nil {
		return core.Transaction{}, err
	}
	if tx.Date.IsZero() {
		tx.Date = prev.Date
	}
	tx.Date = tx.Date.UTC()
	tx.Description = strings.TrimSpace(tx.Description)
	if err := s.checkTransaction(ctx, tx); err != nil {
		return core.Transaction{}, err
	}

	var updated core.Transaction
	err = s.mutate(ctx, tx.ID, func(g gateway.Gateway) (*core.Transaction, *core.Transaction, error) {
		// Re-read inside the unit so the reverted effects match what is stored.
		stored, err := g.GetTransaction(ctx, tx.FamilyID, tx.ID)
		if err != nil {
			return nil, nil, err
		}
		updated, err = g.UpdateTransaction(ctx, tx)
		if err != nil {
			return nil, nil, fmt.Errorf("update transaction: %w", err)
		}
		return &stored, &updated, nil
	})
	if err != nil {
		return core.Transaction{}, err
	}
	return updated, nil
}

func (s *LedgerService) DeleteTransaction(ctx context.Context, familyID, id string) error {
	return s.mutate(ctx, id, func(g gateway.Gateway) (*core.Transaction, *core.Transaction, error) {
		prev, err := g.GetTransaction(ctx, familyID, id)
		if err != nil {
			return nil, nil, err
		}
		if err := g.DeleteTransaction(ctx, familyID, id); err != nil {
			return nil, nil, fmt.Errorf("delete transaction: %w", err)
		}
		return &prev, nil, nil
	})
}

func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (core.Transaction, error) {
	return s.CreateTransaction(ctx, core.Transaction{
		FamilyID:          req.FamilyID,
		Amount:            req.Amount,
		Type:              core.Transfer,
		AccountID:         req.FromAccountID,
		TransferAccountID: req.ToAccountID,
		Description:       req.Description,
		Date:              req.Date,
	})
}

// checkTransaction validates tx and confirms the accounts and category it
// references belong to the family.
func (s *LedgerService) checkTransaction(ctx context.Context, tx core.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	gw := s.deps.Gateway
	if _, err := gw.GetAccount(ctx, tx.FamilyID, tx.AccountID); err != nil {
		return err
	}
	if tx.TransferAccountID != "" {
		if _, err := gw.GetAccount(ctx, tx.FamilyID, tx.TransferAccountID); err != nil {
			return err
		}
	}
	if tx.CategoryID != "" {
		if _, err := gw.GetCategory(ctx, tx.FamilyID, tx.CategoryID); err != nil {
			return err
		}
	}
	return nil
}

// mutate runs a transaction write followed by its balance effects. With a
// Transactor both commit together. Without one, a balance failure after the
// write is reported as a partial failure and every touched account is queued
// for reconciliation.
func (s *LedgerService) mutate(ctx context.Context, txID string, write func(gateway.Gateway) (prev, next *core.Transaction, err error)) error {
	var familyID string
	var touched []string
	wrote := false
	atomic, err := gateway.RunAtomic(ctx, s.deps.Gateway, func(g gateway.Gateway) error {
		prev, next, err := write(g)
		if err != nil {
			return err
		}
		wrote = true
		if next != nil {
			familyID = next.FamilyID
		} else {
			familyID = prev.FamilyID
		}
		touched = touchedAccounts(prev, next)
		return applyEffects(ctx, g, s.deps.Metrics, familyID, prev, next)
	})
	if err == nil || atomic || !wrote {
		return err
	}

	s.deps.Metrics.PartialFailure(string(core.StepBalance))
	s.deps.Logger.ErrorContext(ctx, "Transaction written but balances not updated",
		log.FieldFamilyID, familyID,
		log.FieldTransactionID, txID,
		log.FieldError, err)
	for _, accountID := range touched {
		ev := amqp.NewLedgerEvent(amqp.EventReconcileRequested, familyID, accountID)
		ev.TransactionID = txID
		ev.Reason = err.Error()
		s.deps.publish(ctx, ev)
	}
	return &core.PartialFailureError{
		TransactionID: txID,
		Completed:     []core.PaymentStep{core.StepTransaction},
		Failed:        core.StepBalance,
		Err:           err,
	}
}

// touchedAccounts lists each account moved by prev or next once, in order.
func touchedAccounts(prev, next *core.Transaction) []string {
	var ids []string
	for _, tx := range []*core.Transaction{prev, next} {
		if tx == nil {
			continue
		}
		for _, e := range tx.Effects() {
			if !slices.Contains(ids, e.AccountID) {
				ids = append(ids, e.AccountID)
			}
		}
	}
	return ids
}
