// Package gatewaytest holds behaviour checks shared by every gateway
// implementation.
package gatewaytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"famledger/internal/core"
	"famledger/internal/gateway"

	"github.com/shopspring/decimal"
)

// Run exercises gw against the contract documented on gateway.Gateway.
// newGateway must return an empty store for each call.
func Run(t *testing.T, newGateway func(t *testing.T) gateway.Gateway) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, newGateway(t)) })
	t.Run("family scoping", func(t *testing.T) { testFamilyScoping(t, newGateway(t)) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, newGateway(t)) })
	t.Run("debts", func(t *testing.T) { testDebts(t, newGateway(t)) })
	t.Run("budgets", func(t *testing.T) { testBudgets(t, newGateway(t)) })
	t.Run("categories", func(t *testing.T) { testCategories(t, newGateway(t)) })
	t.Run("intents", func(t *testing.T) { testIntents(t, newGateway(t)) })
	t.Run("atomic rollback", func(t *testing.T) { testAtomic(t, newGateway(t)) })
}

func testAccounts(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	a, err := gw.CreateAccount(ctx, core.Account{
		FamilyID: "fam", Name: "Checking", Ownership: core.Joint,
		OpeningBalance: decimal.NewFromInt(100), Balance: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if a.ID == "" || a.Version != 1 {
		t.Fatalf("unexpected created account: %+v", a)
	}

	updated, err := gw.UpdateAccountBalance(ctx, "fam", a.ID, decimal.RequireFromString("80.50"), a.Version)
	if err != nil {
		t.Fatalf("update balance: %v", err)
	}
	if !updated.Balance.Equal(decimal.RequireFromString("80.5")) || updated.Version != 2 {
		t.Fatalf("unexpected updated account: %+v", updated)
	}

	_, err = gw.UpdateAccountBalance(ctx, "fam", a.ID, decimal.Zero, a.Version)
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("stale version should conflict, got %v", err)
	}

	got, err := gw.GetAccount(ctx, "fam", a.ID)
	if err != nil || !got.Balance.Equal(decimal.RequireFromString("80.5")) {
		t.Fatalf("get account: %+v %v", got, err)
	}

	fams, err := gw.ListFamilies(ctx)
	if err != nil || len(fams) != 1 || fams[0] != "fam" {
		t.Fatalf("list families: %v %v", fams, err)
	}

	if err := gw.DeleteAccount(ctx, "fam", a.ID); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := gw.GetAccount(ctx, "fam", a.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted account should be not found, got %v", err)
	}
}

func testFamilyScoping(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	a, err := gw.CreateAccount(ctx, core.Account{FamilyID: "a", Name: "Mine", Ownership: core.Personal})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := gw.GetAccount(ctx, "b", a.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign family read should be not found, got %v", err)
	}
	if _, err := gw.UpdateAccountBalance(ctx, "b", a.ID, decimal.Zero, a.Version); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign family write should be not found, got %v", err)
	}
	if err := gw.DeleteAccount(ctx, "b", a.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign family delete should be not found, got %v", err)
	}
	list, err := gw.ListAccounts(ctx, "b")
	if err != nil || len(list) != 0 {
		t.Fatalf("foreign family list should be empty: %v %v", list, err)
	}
}

func testTransactions(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, time.March, d, 12, 0, 0, 0, time.UTC) }

	rows := []core.Transaction{
		{FamilyID: "fam", Amount: decimal.NewFromInt(10), Type: core.Expense, AccountID: "acc1", CategoryID: "food", Description: "lunch", Date: day(3)},
		{FamilyID: "fam", Amount: decimal.NewFromInt(20), Type: core.Income, AccountID: "acc1", Description: "salary", Date: day(1)},
		{FamilyID: "fam", Amount: decimal.NewFromInt(5), Type: core.Transfer, AccountID: "acc2", TransferAccountID: "acc1", Description: "move", Date: day(2)},
		{FamilyID: "other", Amount: decimal.NewFromInt(7), Type: core.Expense, AccountID: "acc1", Description: "theirs", Date: day(2)},
		{FamilyID: "fam", Amount: decimal.NewFromInt(30), Type: core.Expense, AccountID: "acc3", Description: core.TagDebtDescription("d1", "car"), Date: day(4)},
		{FamilyID: "fam", Amount: decimal.NewFromInt(40), Type: core.Expense, AccountID: "acc3", Description: core.TagDebtDescription("d10", "loan"), Date: day(4)},
	}
	var ids []string
	for _, r := range rows {
		tx, err := gw.CreateTransaction(ctx, r)
		if err != nil {
			t.Fatalf("create transaction: %v", err)
		}
		ids = append(ids, tx.ID)
	}

	all, err := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{AccountID: "acc1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transactions touching acc1, got %d", len(all))
	}
	if all[0].Description != "salary" || all[2].Description != "lunch" {
		t.Fatalf("expected date order, got %q..%q", all[0].Description, all[2].Description)
	}

	expenses, _ := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{Type: core.Expense, CategoryID: "food"})
	if len(expenses) != 1 || !expenses[0].Amount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected expense filter result: %+v", expenses)
	}

	ranged, _ := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{From: day(2), To: day(2).Add(time.Hour)})
	if len(ranged) != 1 || ranged[0].Description != "move" {
		t.Fatalf("unexpected date filter result: %+v", ranged)
	}

	debtTxs, _ := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{DebtID: "d1"})
	if len(debtTxs) != 1 || !debtTxs[0].Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected debt filter result: %+v", debtTxs)
	}

	bounded, _ := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{MinAmount: decimal.NewFromInt(6), MaxAmount: decimal.NewFromInt(20)})
	if len(bounded) != 2 {
		t.Fatalf("expected lunch and salary within bounds, got %+v", bounded)
	}

	tx, err := gw.GetTransaction(ctx, "fam", ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tx.Amount = decimal.RequireFromString("12.34")
	tx.ReceiptRef = "r-1"
	if _, err := gw.UpdateTransaction(ctx, tx); err != nil {
		t.Fatalf("update: %v", err)
	}
	tx, _ = gw.GetTransaction(ctx, "fam", ids[0])
	if !tx.Amount.Equal(decimal.RequireFromString("12.34")) || tx.ReceiptRef != "r-1" {
		t.Fatalf("update not persisted: %+v", tx)
	}

	if err := gw.DeleteTransaction(ctx, "fam", ids[3]); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("foreign delete should be not found, got %v", err)
	}
	if err := gw.DeleteTransaction(ctx, "fam", ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := gw.GetTransaction(ctx, "fam", ids[0]); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted transaction should be not found, got %v", err)
	}
}

func testDebts(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	due := time.Date(2024, time.June, 30, 0, 0, 0, 0, time.UTC)
	d, err := gw.CreateDebt(ctx, core.Debt{
		FamilyID: "fam", Description: "car loan", TotalAmount: decimal.NewFromInt(1000),
		RemainingAmount: decimal.NewFromInt(1000), Direction: core.ToPay, Status: core.DebtActive,
		AccountID: "acc1", DueDate: &due,
	})
	if err != nil {
		t.Fatalf("create debt: %v", err)
	}
	if d.Version != 1 {
		t.Fatalf("expected version 1, got %d", d.Version)
	}

	p, err := gw.UpdateDebtProgress(ctx, "fam", d.ID, decimal.NewFromInt(400), core.DebtActive, "pay-1", d.Version)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !p.RemainingAmount.Equal(decimal.NewFromInt(400)) || p.Version != 2 || p.LastPaymentKey != "pay-1" {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if _, err := gw.UpdateDebtProgress(ctx, "fam", d.ID, decimal.Zero, core.DebtPaid, "pay-2", d.Version); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("stale progress should conflict, got %v", err)
	}

	p.Description = "car loan (renegotiated)"
	p.DueDate = nil
	p.LastPaymentKey = ""
	edited, err := gw.UpdateDebt(ctx, p)
	if err != nil {
		t.Fatalf("update debt: %v", err)
	}
	if edited.Version != 3 || edited.DueDate != nil || edited.LastPaymentKey != "pay-1" {
		t.Fatalf("unexpected edited debt: %+v", edited)
	}
	if _, err := gw.UpdateDebt(ctx, p); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("stale update should conflict, got %v", err)
	}

	// Applied keys survive later payments and edits.
	if _, err := gw.UpdateDebtProgress(ctx, "fam", d.ID, decimal.NewFromInt(300), core.DebtActive, "pay-3", edited.Version); err != nil {
		t.Fatalf("second progress: %v", err)
	}
	for key, want := range map[string]bool{"pay-1": true, "pay-3": true, "pay-2": false} {
		applied, err := gw.DebtPaymentApplied(ctx, "fam", d.ID, key)
		if err != nil || applied != want {
			t.Fatalf("DebtPaymentApplied(%s) = %v, %v; want %v", key, applied, err, want)
		}
	}
	if _, err := gw.DebtPaymentApplied(ctx, "other", d.ID, "pay-1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("other family should not see the debt, got %v", err)
	}

	got, err := gw.GetDebt(ctx, "fam", d.ID)
	if err != nil || got.Description != "car loan (renegotiated)" || got.AccountID != "acc1" {
		t.Fatalf("get debt: %+v %v", got, err)
	}
	list, _ := gw.ListDebts(ctx, "fam")
	if len(list) != 1 {
		t.Fatalf("expected one debt, got %d", len(list))
	}
	if err := gw.DeleteDebt(ctx, "fam", d.ID); err != nil {
		t.Fatalf("delete debt: %v", err)
	}
}

func testBudgets(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	start := time.Date(2024, time.March, 16, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
	b, err := gw.CreateBudget(ctx, core.Budget{
		FamilyID: "fam", CategoryID: "food", Amount: decimal.NewFromInt(300),
		Period: core.Biweekly, Month: 3, Year: 2024, StartDate: &start, EndDate: &end,
	})
	if err != nil {
		t.Fatalf("create budget: %v", err)
	}
	got, err := gw.GetBudget(ctx, "fam", b.ID)
	if err != nil {
		t.Fatalf("get budget: %v", err)
	}
	if got.StartDate == nil || !got.StartDate.Equal(start) || !got.EndDate.Equal(end) {
		t.Fatalf("dates not persisted: %+v", got)
	}

	got.Amount = decimal.NewFromInt(350)
	if _, err := gw.UpdateBudget(ctx, got); err != nil {
		t.Fatalf("update budget: %v", err)
	}
	list, _ := gw.ListBudgets(ctx, "fam")
	if len(list) != 1 || !list[0].Amount.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("unexpected budgets: %+v", list)
	}
	if err := gw.DeleteBudget(ctx, "fam", b.ID); err != nil {
		t.Fatalf("delete budget: %v", err)
	}
	if _, err := gw.GetBudget(ctx, "fam", b.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("deleted budget should be not found, got %v", err)
	}
}

func testCategories(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	first, err := gw.CreateCategory(ctx, core.Category{FamilyID: "fam", Name: "Food"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := gw.CreateCategory(ctx, core.Category{FamilyID: "fam", Name: "Food"}); err != nil {
		t.Fatalf("duplicate names are allowed: %v", err)
	}
	sys, err := gw.CreateCategory(ctx, core.Category{FamilyID: "fam", Name: "Debts", IsDefault: true, SystemKey: core.SystemKeyDebtToPay})
	if err != nil {
		t.Fatalf("create system: %v", err)
	}
	if _, err := gw.CreateCategory(ctx, core.Category{FamilyID: "fam", Name: "Again", SystemKey: core.SystemKeyDebtToPay}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("duplicate system key should conflict, got %v", err)
	}
	if _, err := gw.CreateCategory(ctx, core.Category{FamilyID: "other", Name: "Debts", SystemKey: core.SystemKeyDebtToPay}); err != nil {
		t.Fatalf("system keys are per family: %v", err)
	}

	found, err := gw.FindCategoryBySystemKey(ctx, "fam", core.SystemKeyDebtToPay)
	if err != nil || found.ID != sys.ID {
		t.Fatalf("find by key: %+v %v", found, err)
	}
	if _, err := gw.FindCategoryBySystemKey(ctx, "fam", core.SystemKeyDebtToReceive); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing key should be not found, got %v", err)
	}

	byName, err := gw.FindCategoriesByName(ctx, "fam", "Food")
	if err != nil || len(byName) != 2 || byName[0].ID != first.ID {
		t.Fatalf("find by name: %+v %v", byName, err)
	}
}

func testIntents(t *testing.T, gw gateway.Gateway) {
	ctx := context.Background()
	p := core.PaymentIntent{
		Key: "k1", FamilyID: "fam", DebtID: "d1", AccountID: "acc1",
		Amount: decimal.NewFromInt(50), Direction: core.ToPay, Status: core.IntentPending,
	}
	if _, err := gw.CreatePaymentIntent(ctx, p); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if _, err := gw.CreatePaymentIntent(ctx, p); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("duplicate key should conflict, got %v", err)
	}
	if _, err := gw.GetPaymentIntent(ctx, "other", "k1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("intent keys are per family, got %v", err)
	}

	p.Status = core.IntentPartial
	p.TransactionID = "tx1"
	p.Completed = []core.PaymentStep{core.StepTransaction}
	p.LastError = "boom"
	if _, err := gw.UpdatePaymentIntent(ctx, p); err != nil {
		t.Fatalf("update intent: %v", err)
	}
	got, err := gw.GetPaymentIntent(ctx, "fam", "k1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Status != core.IntentPartial || got.TransactionID != "tx1" || !got.Done(core.StepTransaction) || got.LastError != "boom" {
		t.Fatalf("intent not persisted: %+v", got)
	}
	if !got.Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("amount not persisted: %s", got.Amount)
	}
}

func testAtomic(t *testing.T, gw gateway.Gateway) {
	tr, ok := gw.(gateway.Transactor)
	if !ok {
		t.Skip("gateway is not transactional")
	}
	ctx := context.Background()
	a, err := gw.CreateAccount(ctx, core.Account{FamilyID: "fam", Name: "Cash", Ownership: core.Personal, Balance: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err = tr.Atomic(ctx, func(g gateway.Gateway) error {
		if _, err := g.UpdateAccountBalance(ctx, "fam", a.ID, decimal.NewFromInt(99), a.Version); err != nil {
			return err
		}
		if _, err := g.CreateTransaction(ctx, core.Transaction{FamilyID: "fam", Amount: decimal.NewFromInt(1), Type: core.Income, AccountID: a.ID, Description: "x", Date: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	got, _ := gw.GetAccount(ctx, "fam", a.ID)
	if !got.Balance.Equal(decimal.NewFromInt(10)) || got.Version != a.Version {
		t.Fatalf("balance should roll back: %+v", got)
	}
	txs, _ := gw.ListTransactions(ctx, "fam", gateway.TransactionFilter{})
	if len(txs) != 0 {
		t.Fatalf("transaction should roll back, got %d", len(txs))
	}

	err = tr.Atomic(ctx, func(g gateway.Gateway) error {
		_, err := g.UpdateAccountBalance(ctx, "fam", a.ID, decimal.NewFromInt(20), a.Version)
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ = gw.GetAccount(ctx, "fam", a.ID)
	if !got.Balance.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("committed balance missing: %+v", got)
	}
}
