package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"famledger/internal/amqp"
	"famledger/internal/core"
	"famledger/internal/gateway"
	"famledger/internal/gateway/memory"
	"famledger/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const family = "fam"

var testNow = time.Date(2024, time.June, 20, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fault is a one-shot failure for a gateway method. With commit set the
// write happens before the error is returned, which is how a timeout with an
// unknown outcome looks to the caller.
type fault struct {
	err    error
	commit bool
}

type faultSet struct {
	mu     sync.Mutex
	faults map[string]fault
}

func (f *faultSet) inject(op string, err error, commit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.faults == nil {
		f.faults = make(map[string]fault)
	}
	f.faults[op] = fault{err: err, commit: commit}
}

func (f *faultSet) take(op string) (fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.faults[op]
	delete(f.faults, op)
	return ft, ok
}

// faultyGateway wraps a gateway, hides any Transactor capability and fails
// the payment writes on demand.
type faultyGateway struct {
	gateway.Gateway
	faults *faultSet
}

func (g *faultyGateway) CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error) {
	if ft, ok := g.faults.take("CreateTransaction"); ok {
		if ft.commit {
			_, _ = g.Gateway.CreateTransaction(ctx, tx)
		}
		return core.Transaction{}, ft.err
	}
	return g.Gateway.CreateTransaction(ctx, tx)
}

func (g *faultyGateway) UpdateAccountBalance(ctx context.Context, familyID, id string, balance decimal.Decimal, expectedVersion int64) (core.Account, error) {
	if ft, ok := g.faults.take("UpdateAccountBalance"); ok {
		if ft.commit {
			_, _ = g.Gateway.UpdateAccountBalance(ctx, familyID, id, balance, expectedVersion)
		}
		return core.Account{}, ft.err
	}
	return g.Gateway.UpdateAccountBalance(ctx, familyID, id, balance, expectedVersion)
}

func (g *faultyGateway) UpdateDebtProgress(ctx context.Context, familyID, id string, remaining decimal.Decimal, status core.DebtStatus, paymentKey string, expectedVersion int64) (core.Debt, error) {
	if ft, ok := g.faults.take("UpdateDebtProgress"); ok {
		if ft.commit {
			_, _ = g.Gateway.UpdateDebtProgress(ctx, familyID, id, remaining, status, paymentKey, expectedVersion)
		}
		return core.Debt{}, ft.err
	}
	return g.Gateway.UpdateDebtProgress(ctx, familyID, id, remaining, status, paymentKey, expectedVersion)
}

// faultyTransactor keeps the store's unit of work but routes the writes made
// inside it through the same faults.
type faultyTransactor struct {
	*faultyGateway
	store *memory.Store
}

func (t *faultyTransactor) Atomic(ctx context.Context, fn func(gateway.Gateway) error) error {
	return t.store.Atomic(ctx, func(g gateway.Gateway) error {
		return fn(&faultyGateway{Gateway: g, faults: t.faults})
	})
}

// hookGateway runs beforeAccount the first time an account is read, which
// lands in the window between the payment checks and the unit of work.
type hookGateway struct {
	*faultyTransactor
	fired         atomic.Bool
	beforeAccount func()
}

func (g *hookGateway) GetAccount(ctx context.Context, familyID, id string) (core.Account, error) {
	if g.fired.CompareAndSwap(false, true) {
		g.beforeAccount()
	}
	return g.faultyTransactor.GetAccount(ctx, familyID, id)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []amqp.LedgerEvent
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, ev amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	store  *memory.Store
	faults *faultSet
	events *recordingPublisher
	deps   Deps
}

// newFixture builds services over a memory store. With atomic unset the
// gateway hides the store's unit of work, so payments run step by step.
func newFixture(t *testing.T, atomic bool) *fixture {
	t.Helper()
	store := memory.New(func() time.Time { return testNow })
	faults := &faultSet{}
	fg := &faultyGateway{Gateway: store, faults: faults}

	var gw gateway.Gateway = fg
	if atomic {
		gw = &faultyTransactor{faultyGateway: fg, store: store}
	}
	events := &recordingPublisher{}
	return &fixture{
		store:  store,
		faults: faults,
		events: events,
		deps: Deps{
			Gateway:        gw,
			Metrics:        metrics.New(),
			Events:         events,
			Now:            func() time.Time { return testNow },
			GatewayTimeout: time.Second,
		},
	}
}

func (f *fixture) account(t *testing.T, balance string) core.Account {
	t.Helper()
	acc, err := NewLedgerService(f.deps).CreateAccount(context.Background(), AccountRequest{
		FamilyID:       family,
		Name:           "Checking",
		Ownership:      core.Joint,
		OpeningBalance: dec(balance),
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) debt(t *testing.T, total string, direction core.DebtDirection, accountID string) core.Debt {
	t.Helper()
	d, err := f.debts().CreateDebt(context.Background(), core.DebtRequest{
		FamilyID:    family,
		Description: "car",
		TotalAmount: dec(total),
		Direction:   direction,
		AccountID:   accountID,
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) debts() *DebtService {
	return NewDebtService(f.deps, NewCategoryResolver(f.deps, time.Minute))
}

func (f *fixture) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), family, accountID)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) transactions(t *testing.T) []core.Transaction {
	t.Helper()
	txs, err := f.store.ListTransactions(context.Background(), family, gateway.TransactionFilter{})
	require.NoError(t, err)
	return txs
}

func payment(debtID, accountID, amount, key string) core.PaymentRequest {
	return core.PaymentRequest{
		FamilyID:       family,
		DebtID:         debtID,
		AccountID:      accountID,
		Amount:         dec(amount),
		IdempotencyKey: key,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}
