package services

import (
	"context"
	"fmt"
	"time"

	"famledger/internal/core"
	"famledger/internal/gateway"
	"famledger/internal/log"

	"golang.org/x/sync/errgroup"
)

// BudgetService stores budgets and measures spend against them.
type BudgetService struct {
	deps Deps
}

func NewBudgetService(deps Deps) *BudgetService {
	return &BudgetService{deps: deps.withDefaults(log.ComponentBudget)}
}

// BudgetStatus pairs a budget with its spend at one instant.
type BudgetStatus struct {
	Budget core.Budget `json:"budget"`
	Spend  core.Spend  `json:"spend"`
}

// CreateBudget stores b. A biweekly budget has its half-month snapped into
// explicit dates now, so later evaluations keep measuring the same window.
func (s *BudgetService) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	b = core.SnapBiweekly(b, s.deps.Now())
	if err := s.check(ctx, b); err != nil {
		return core.Budget{}, err
	}
	created, err := s.deps.Gateway.CreateBudget(ctx, b)
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	s.deps.Logger.InfoContext(ctx, "Budget created",
		log.FieldFamilyID, created.FamilyID,
		log.FieldBudgetID, created.ID,
		"period", created.Period)
	return created, nil
}

// UpdateBudget replaces b. Snapping only happens for budgets that have no
// explicit dates yet.
func (s *BudgetService) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if _, err := s.deps.Gateway.GetBudget(ctx, b.FamilyID, b.ID); err != nil {
		return core.Budget{}, err
	}
	b = core.SnapBiweekly(b, s.deps.Now())
	if err := s.check(ctx, b); err != nil {
		return core.Budget{}, err
	}
	updated, err := s.deps.Gateway.UpdateBudget(ctx, b)
	if err != nil {
		return core.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	return updated, nil
}

func (s *BudgetService) check(ctx context.Context, b core.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.CategoryID != "" {
		if _, err := s.deps.Gateway.GetCategory(ctx, b.FamilyID, b.CategoryID); err != nil {
			return err
		}
	}
	return nil
}

func (s *BudgetService) GetBudget(ctx context.Context, familyID, id string) (core.Budget, error) {
	return s.deps.Gateway.GetBudget(ctx, familyID, id)
}

func (s *BudgetService) ListBudgets(ctx context.Context, familyID string) ([]core.Budget, error) {
	return s.deps.Gateway.ListBudgets(ctx, familyID)
}

func (s *BudgetService) DeleteBudget(ctx context.Context, familyID, id string) error {
	return s.deps.Gateway.DeleteBudget(ctx, familyID, id)
}

// Status measures one budget at the instant at; a zero at means now.
func (s *BudgetService) Status(ctx context.Context, familyID, id string, at time.Time) (BudgetStatus, error) {
	var (
		budget core.Budget
		txs    []core.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		budget, err = s.deps.Gateway.GetBudget(gctx, familyID, id)
		return err
	})
	g.Go(func() error {
		var err error
		txs, err = s.expenses(gctx, familyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return BudgetStatus{}, err
	}

	return BudgetStatus{Budget: budget, Spend: core.Aggregate(budget, txs, s.at(at))}, nil
}

// StatusAll measures every budget of the family against one fetch of its
// expenses.
func (s *BudgetService) StatusAll(ctx context.Context, familyID string, at time.Time) ([]BudgetStatus, error) {
	var (
		budgets []core.Budget
		txs     []core.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		budgets, err = s.deps.Gateway.ListBudgets(gctx, familyID)
		if err != nil {
			return fmt.Errorf("list budgets: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		txs, err = s.expenses(gctx, familyID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.at(at)
	out := make([]BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, BudgetStatus{Budget: b, Spend: core.Aggregate(b, txs, now)})
	}
	return out, nil
}

func (s *BudgetService) expenses(ctx context.Context, familyID string) ([]core.Transaction, error) {
	txs, err := s.deps.Gateway.ListTransactions(ctx, familyID, gateway.TransactionFilter{Type: core.Expense})
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return txs, nil
}

func (s *BudgetService) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.deps.Now()
	}
	return t
}
