// Package memory is an in-process gateway.Gateway. It backs the memory data
// backend and the service tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"famledger/internal/core"
	"famledger/internal/gateway"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store guards a dataset with a single mutex. Atomic holds the mutex for the
// whole callback and restores a snapshot when the callback fails.
type Store struct {
	mu sync.Mutex
	d  *dataset
}

var (
	_ gateway.Gateway    = (*Store)(nil)
	_ gateway.Transactor = (*Store)(nil)
)

// New returns an empty store. now may be nil.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{d: newDataset(now)}
}

func (s *Store) Atomic(ctx context.Context, fn func(gateway.Gateway) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := s.d.clone()
	if err := fn(s.d); err != nil {
		s.d = snapshot
		return err
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, familyID, id string) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetAccount(ctx, familyID, id)
}

func (s *Store) ListAccounts(ctx context.Context, familyID string) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListAccounts(ctx, familyID)
}

func (s *Store) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreateAccount(ctx, a)
}

func (s *Store) UpdateAccountBalance(ctx context.Context, familyID, id string, balance decimal.Decimal, expectedVersion int64) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateAccountBalance(ctx, familyID, id, balance, expectedVersion)
}

func (s *Store) DeleteAccount(ctx context.Context, familyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteAccount(ctx, familyID, id)
}

func (s *Store) ListFamilies(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListFamilies(ctx)
}

func (s *Store) GetTransaction(ctx context.Context, familyID, id string) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetTransaction(ctx, familyID, id)
}

func (s *Store) ListTransactions(ctx context.Context, familyID string, filter gateway.TransactionFilter) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListTransactions(ctx, familyID, filter)
}

func (s *Store) CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreateTransaction(ctx, tx)
}

func (s *Store) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateTransaction(ctx, tx)
}

func (s *Store) DeleteTransaction(ctx context.Context, familyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteTransaction(ctx, familyID, id)
}

func (s *Store) GetDebt(ctx context.Context, familyID, id string) (core.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetDebt(ctx, familyID, id)
}

func (s *Store) ListDebts(ctx context.Context, familyID string) ([]core.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListDebts(ctx, familyID)
}

func (s *Store) CreateDebt(ctx context.Context, d core.Debt) (core.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreateDebt(ctx, d)
}

func (s *Store) UpdateDebt(ctx context.Context, d core.Debt) (core.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateDebt(ctx, d)
}

func (s *Store) UpdateDebtProgress(ctx context.Context, familyID, id string, remaining decimal.Decimal, status core.DebtStatus, paymentKey string, expectedVersion int64) (core.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateDebtProgress(ctx, familyID, id, remaining, status, paymentKey, expectedVersion)
}

func (s *Store) DebtPaymentApplied(ctx context.Context, familyID, debtID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DebtPaymentApplied(ctx, familyID, debtID, key)
}

func (s *Store) DeleteDebt(ctx context.Context, familyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteDebt(ctx, familyID, id)
}

func (s *Store) GetBudget(ctx context.Context, familyID, id string) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetBudget(ctx, familyID, id)
}

func (s *Store) ListBudgets(ctx context.Context, familyID string) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListBudgets(ctx, familyID)
}

func (s *Store) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreateBudget(ctx, b)
}

func (s *Store) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateBudget(ctx, b)
}

func (s *Store) DeleteBudget(ctx context.Context, familyID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteBudget(ctx, familyID, id)
}

func (s *Store) GetCategory(ctx context.Context, familyID, id string) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetCategory(ctx, familyID, id)
}

func (s *Store) ListCategories(ctx context.Context, familyID string) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListCategories(ctx, familyID)
}

func (s *Store) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreateCategory(ctx, c)
}

func (s *Store) FindCategoryBySystemKey(ctx context.Context, familyID, key string) (core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.FindCategoryBySystemKey(ctx, familyID, key)
}

func (s *Store) FindCategoriesByName(ctx context.Context, familyID, name string) ([]core.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.FindCategoriesByName(ctx, familyID, name)
}

func (s *Store) GetPaymentIntent(ctx context.Context, familyID, key string) (core.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetPaymentIntent(ctx, familyID, key)
}

func (s *Store) CreatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CreatePaymentIntent(ctx, p)
}

func (s *Store) UpdatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdatePaymentIntent(ctx, p)
}

// dataset holds the collections. Its methods assume the caller holds the
// Store mutex and always hand out copies.
type dataset struct {
	now          func() time.Time
	accounts     map[string]core.Account
	transactions map[string]core.Transaction
	debts        map[string]core.Debt
	budgets      map[string]core.Budget
	categories   map[string]core.Category
	intents      map[string]core.PaymentIntent
	// payments holds the keys applied to each debt, indexed by paymentRef.
	payments map[string]struct{}
	order    map[string]int64
	seq      int64
}

func newDataset(now func() time.Time) *dataset {
	return &dataset{
		now:          now,
		accounts:     make(map[string]core.Account),
		transactions: make(map[string]core.Transaction),
		debts:        make(map[string]core.Debt),
		budgets:      make(map[string]core.Budget),
		categories:   make(map[string]core.Category),
		intents:      make(map[string]core.PaymentIntent),
		payments:     make(map[string]struct{}),
		order:        make(map[string]int64),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset(d.now)
	c.seq = d.seq
	for k, v := range d.order {
		c.order[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.debts {
		c.debts[k] = cloneDebt(v)
	}
	for k, v := range d.budgets {
		c.budgets[k] = cloneBudget(v)
	}
	for k, v := range d.categories {
		c.categories[k] = v
	}
	for k, v := range d.intents {
		c.intents[k] = cloneIntent(v)
	}
	for k := range d.payments {
		c.payments[k] = struct{}{}
	}
	return c
}

func (d *dataset) stamp() time.Time { return d.now().UTC() }

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (d *dataset) GetAccount(_ context.Context, familyID, id string) (core.Account, error) {
	a, ok := d.accounts[id]
	if !ok || a.FamilyID != familyID {
		return core.Account{}, core.NewNotFoundError("account", id)
	}
	return a, nil
}

func (d *dataset) ListAccounts(_ context.Context, familyID string) ([]core.Account, error) {
	var out []core.Account
	for _, a := range d.accounts {
		if a.FamilyID == familyID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (d *dataset) CreateAccount(_ context.Context, a core.Account) (core.Account, error) {
	a.ID = newID(a.ID)
	if _, exists := d.accounts[a.ID]; exists {
		return core.Account{}, core.NewConflictError("account", a.ID)
	}
	now := d.stamp()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	d.accounts[a.ID] = a
	d.track(a.ID)
	return a, nil
}

func (d *dataset) UpdateAccountBalance(ctx context.Context, familyID, id string, balance decimal.Decimal, expectedVersion int64) (core.Account, error) {
	a, err := d.GetAccount(ctx, familyID, id)
	if err != nil {
		return core.Account{}, err
	}
	if a.Version != expectedVersion {
		return core.Account{}, core.NewConflictError("account", id)
	}
	a.Balance = balance
	a.Version++
	a.UpdatedAt = d.stamp()
	d.accounts[id] = a
	return a, nil
}

func (d *dataset) DeleteAccount(ctx context.Context, familyID, id string) error {
	if _, err := d.GetAccount(ctx, familyID, id); err != nil {
		return err
	}
	delete(d.accounts, id)
	return nil
}

func (d *dataset) ListFamilies(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range d.accounts {
		if _, ok := seen[a.FamilyID]; !ok {
			seen[a.FamilyID] = struct{}{}
			out = append(out, a.FamilyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *dataset) GetTransaction(_ context.Context, familyID, id string) (core.Transaction, error) {
	tx, ok := d.transactions[id]
	if !ok || tx.FamilyID != familyID {
		return core.Transaction{}, core.NewNotFoundError("transaction", id)
	}
	return tx, nil
}

func (d *dataset) ListTransactions(_ context.Context, familyID string, filter gateway.TransactionFilter) ([]core.Transaction, error) {
	var out []core.Transaction
	for _, tx := range d.transactions {
		if tx.FamilyID == familyID && filter.Match(tx) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.before(out[i].Date, out[j].Date, out[i].ID, out[j].ID) })
	return out, nil
}

func (d *dataset) CreateTransaction(_ context.Context, tx core.Transaction) (core.Transaction, error) {
	tx.ID = newID(tx.ID)
	if _, exists := d.transactions[tx.ID]; exists {
		return core.Transaction{}, core.NewConflictError("transaction", tx.ID)
	}
	now := d.stamp()
	tx.Date = tx.Date.UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	d.transactions[tx.ID] = tx
	d.track(tx.ID)
	return tx, nil
}

func (d *dataset) UpdateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	prev, err := d.GetTransaction(ctx, tx.FamilyID, tx.ID)
	if err != nil {
		return core.Transaction{}, err
	}
	tx.CreatedAt = prev.CreatedAt
	tx.Date = tx.Date.UTC()
	tx.UpdatedAt = d.stamp()
	d.transactions[tx.ID] = tx
	return tx, nil
}

func (d *dataset) DeleteTransaction(ctx context.Context, familyID, id string) error {
	if _, err := d.GetTransaction(ctx, familyID, id); err != nil {
		return err
	}
	delete(d.transactions, id)
	return nil
}

func (d *dataset) GetDebt(_ context.Context, familyID, id string) (core.Debt, error) {
	debt, ok := d.debts[id]
	if !ok || debt.FamilyID != familyID {
		return core.Debt{}, core.NewNotFoundError("debt", id)
	}
	return cloneDebt(debt), nil
}

func (d *dataset) ListDebts(_ context.Context, familyID string) ([]core.Debt, error) {
	var out []core.Debt
	for _, debt := range d.debts {
		if debt.FamilyID == familyID {
			out = append(out, cloneDebt(debt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (d *dataset) CreateDebt(_ context.Context, debt core.Debt) (core.Debt, error) {
	debt.ID = newID(debt.ID)
	if _, exists := d.debts[debt.ID]; exists {
		return core.Debt{}, core.NewConflictError("debt", debt.ID)
	}
	now := d.stamp()
	debt.Version = 1
	debt.CreatedAt, debt.UpdatedAt = now, now
	d.debts[debt.ID] = cloneDebt(debt)
	d.track(debt.ID)
	return debt, nil
}

func (d *dataset) UpdateDebt(ctx context.Context, debt core.Debt) (core.Debt, error) {
	prev, err := d.GetDebt(ctx, debt.FamilyID, debt.ID)
	if err != nil {
		return core.Debt{}, err
	}
	if prev.Version != debt.Version {
		return core.Debt{}, core.NewConflictError("debt", debt.ID)
	}
	debt.CreatedAt = prev.CreatedAt
	debt.LastPaymentKey = prev.LastPaymentKey
	debt.Version++
	debt.UpdatedAt = d.stamp()
	d.debts[debt.ID] = cloneDebt(debt)
	return debt, nil
}

func (d *dataset) UpdateDebtProgress(ctx context.Context, familyID, id string, remaining decimal.Decimal, status core.DebtStatus, paymentKey string, expectedVersion int64) (core.Debt, error) {
	debt, err := d.GetDebt(ctx, familyID, id)
	if err != nil {
		return core.Debt{}, err
	}
	if debt.Version != expectedVersion {
		return core.Debt{}, core.NewConflictError("debt", id)
	}
	debt.RemainingAmount = remaining
	debt.Status = status
	debt.LastPaymentKey = paymentKey
	debt.Version++
	debt.UpdatedAt = d.stamp()
	d.debts[id] = cloneDebt(debt)
	if paymentKey != "" {
		d.payments[paymentRef(id, paymentKey)] = struct{}{}
	}
	return debt, nil
}

func (d *dataset) DebtPaymentApplied(ctx context.Context, familyID, debtID, key string) (bool, error) {
	if _, err := d.GetDebt(ctx, familyID, debtID); err != nil {
		return false, err
	}
	_, ok := d.payments[paymentRef(debtID, key)]
	return ok, nil
}

func paymentRef(debtID, key string) string { return debtID + "\x00" + key }

func (d *dataset) DeleteDebt(ctx context.Context, familyID, id string) error {
	if _, err := d.GetDebt(ctx, familyID, id); err != nil {
		return err
	}
	delete(d.debts, id)
	for ref := range d.payments {
		if strings.HasPrefix(ref, id+"\x00") {
			delete(d.payments, ref)
		}
	}
	return nil
}

func (d *dataset) GetBudget(_ context.Context, familyID, id string) (core.Budget, error) {
	b, ok := d.budgets[id]
	if !ok || b.FamilyID != familyID {
		return core.Budget{}, core.NewNotFoundError("budget", id)
	}
	return cloneBudget(b), nil
}

func (d *dataset) ListBudgets(_ context.Context, familyID string) ([]core.Budget, error) {
	var out []core.Budget
	for _, b := range d.budgets {
		if b.FamilyID == familyID {
			out = append(out, cloneBudget(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (d *dataset) CreateBudget(_ context.Context, b core.Budget) (core.Budget, error) {
	b.ID = newID(b.ID)
	if _, exists := d.budgets[b.ID]; exists {
		return core.Budget{}, core.NewConflictError("budget", b.ID)
	}
	now := d.stamp()
	b.CreatedAt, b.UpdatedAt = now, now
	d.budgets[b.ID] = cloneBudget(b)
	d.track(b.ID)
	return b, nil
}

func (d *dataset) UpdateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	prev, err := d.GetBudget(ctx, b.FamilyID, b.ID)
	if err != nil {
		return core.Budget{}, err
	}
	b.CreatedAt = prev.CreatedAt
	b.UpdatedAt = d.stamp()
	d.budgets[b.ID] = cloneBudget(b)
	return b, nil
}

func (d *dataset) DeleteBudget(ctx context.Context, familyID, id string) error {
	if _, err := d.GetBudget(ctx, familyID, id); err != nil {
		return err
	}
	delete(d.budgets, id)
	return nil
}

func (d *dataset) GetCategory(_ context.Context, familyID, id string) (core.Category, error) {
	c, ok := d.categories[id]
	if !ok || c.FamilyID != familyID {
		return core.Category{}, core.NewNotFoundError("category", id)
	}
	return c, nil
}

func (d *dataset) ListCategories(_ context.Context, familyID string) ([]core.Category, error) {
	var out []core.Category
	for _, c := range d.categories {
		if c.FamilyID == familyID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return d.before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

func (d *dataset) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	c.ID = newID(c.ID)
	if _, exists := d.categories[c.ID]; exists {
		return core.Category{}, core.NewConflictError("category", c.ID)
	}
	if c.SystemKey != "" {
		if _, err := d.FindCategoryBySystemKey(ctx, c.FamilyID, c.SystemKey); err == nil {
			return core.Category{}, core.NewConflictError("category", c.SystemKey)
		}
	}
	c.CreatedAt = d.stamp()
	d.categories[c.ID] = c
	d.track(c.ID)
	return c, nil
}

func (d *dataset) FindCategoryBySystemKey(_ context.Context, familyID, key string) (core.Category, error) {
	for _, c := range d.categories {
		if c.FamilyID == familyID && c.SystemKey == key {
			return c, nil
		}
	}
	return core.Category{}, core.NewNotFoundError("category", key)
}

func (d *dataset) FindCategoriesByName(ctx context.Context, familyID, name string) ([]core.Category, error) {
	all, _ := d.ListCategories(ctx, familyID)
	var out []core.Category
	for _, c := range all {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out, nil
}

func intentKey(familyID, key string) string { return familyID + "/" + key }

func (d *dataset) GetPaymentIntent(_ context.Context, familyID, key string) (core.PaymentIntent, error) {
	p, ok := d.intents[intentKey(familyID, key)]
	if !ok {
		return core.PaymentIntent{}, core.NewNotFoundError("payment intent", key)
	}
	return cloneIntent(p), nil
}

func (d *dataset) CreatePaymentIntent(_ context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	k := intentKey(p.FamilyID, p.Key)
	if _, exists := d.intents[k]; exists {
		return core.PaymentIntent{}, core.NewConflictError("payment intent", p.Key)
	}
	now := d.stamp()
	p.CreatedAt, p.UpdatedAt = now, now
	d.intents[k] = cloneIntent(p)
	return p, nil
}

func (d *dataset) UpdatePaymentIntent(ctx context.Context, p core.PaymentIntent) (core.PaymentIntent, error) {
	prev, err := d.GetPaymentIntent(ctx, p.FamilyID, p.Key)
	if err != nil {
		return core.PaymentIntent{}, err
	}
	p.CreatedAt = prev.CreatedAt
	p.UpdatedAt = d.stamp()
	d.intents[intentKey(p.FamilyID, p.Key)] = cloneIntent(p)
	return p, nil
}

// before orders by timestamp, then by insertion.
func (d *dataset) before(a, b time.Time, idA, idB string) bool {
	if a.Equal(b) {
		return d.order[idA] < d.order[idB]
	}
	return a.Before(b)
}

func (d *dataset) track(id string) {
	d.seq++
	d.order[id] = d.seq
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneDebt(d core.Debt) core.Debt {
	d.DueDate = cloneTime(d.DueDate)
	return d
}

func cloneBudget(b core.Budget) core.Budget {
	b.StartDate = cloneTime(b.StartDate)
	b.EndDate = cloneTime(b.EndDate)
	return b
}

func cloneIntent(p core.PaymentIntent) core.PaymentIntent {
	p.Completed = slices.Clone(p.Completed)
	return p
}
