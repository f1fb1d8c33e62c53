package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"famledger/internal/amqp"
	"famledger/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayDebtScenarios(t *testing.T) {
	for _, mode := range []struct {
		name   string
		atomic bool
	}{{"atomic", true}, {"steps", false}} {
		t.Run(mode.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, mode.atomic)
			svc := f.debts()
			acc := f.account(t, "5000")
			debt := f.debt(t, "1000", core.ToPay, "")

			// A: partial payment.
			res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "pay-a"))
			require.NoError(t, err)
			assert.False(t, res.Replayed)
			assert.Equal(t, core.Expense, res.Transaction.Type)
			assertDecimal(t, "400", res.Transaction.Amount)
			assertDecimal(t, "4600", res.Account.Balance)
			assertDecimal(t, "600", res.Debt.RemainingAmount)
			assert.Equal(t, core.DebtActive, res.Debt.Status)

			// B: the rest of it.
			res, err = svc.PayDebt(ctx, payment(debt.ID, acc.ID, "600", "pay-b"))
			require.NoError(t, err)
			assertDecimal(t, "0", res.Debt.RemainingAmount)
			assert.Equal(t, core.DebtPaid, res.Debt.Status)
			assertDecimal(t, "4000", f.balance(t, acc.ID))

			// C: overpaying clamps at zero.
			other := f.debt(t, "1000", core.ToPay, "")
			_, err = svc.PayDebt(ctx, payment(other.ID, acc.ID, "400", "pay-c1"))
			require.NoError(t, err)
			res, err = svc.PayDebt(ctx, payment(other.ID, acc.ID, "700", "pay-c2"))
			require.NoError(t, err)
			assertDecimal(t, "0", res.Debt.RemainingAmount)
			assert.Equal(t, core.DebtPaid, res.Debt.Status)
			assertDecimal(t, "2900", res.Account.Balance)

			assert.Len(t, f.transactions(t), 4)
			assert.Equal(t, []amqp.EventType{
				amqp.EventPaymentApplied, amqp.EventPaymentApplied,
				amqp.EventPaymentApplied, amqp.EventPaymentApplied,
			}, f.events.types())
		})
	}
}

func TestPayDebtToReceiveCreditsAccount(t *testing.T) {
	f := newFixture(t, true)
	acc := f.account(t, "100")
	debt := f.debt(t, "50", core.ToReceive, "")

	res, err := f.debts().PayDebt(context.Background(), payment(debt.ID, acc.ID, "20", "recv-1"))
	require.NoError(t, err)
	assert.Equal(t, core.Income, res.Transaction.Type)
	assertDecimal(t, "120", res.Account.Balance)
	assertDecimal(t, "30", res.Debt.RemainingAmount)
}

func TestPayDebtReplaysCompletedKey(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, atomic)
			svc := f.debts()
			acc := f.account(t, "5000")
			debt := f.debt(t, "1000", core.ToPay, "")

			first, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "same-key"))
			require.NoError(t, err)
			again, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "same-key"))
			require.NoError(t, err)

			assert.True(t, again.Replayed)
			assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
			assertDecimal(t, "4600", f.balance(t, acc.ID))
			assertDecimal(t, "600", again.Debt.RemainingAmount)
			assert.Len(t, f.transactions(t), 1)
			assert.Len(t, f.events.types(), 1, "a replay publishes nothing")
		})
	}
}

func TestPayDebtRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	svc := f.debts()
	acc := f.account(t, "5000")
	linkedAcc := f.account(t, "10")
	debt := f.debt(t, "1000", core.ToPay, "")
	linked := f.debt(t, "1000", core.ToPay, linkedAcc.ID)

	_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "100", "used"))
	require.NoError(t, err)

	paid := f.debt(t, "10", core.ToPay, "")
	_, err = svc.PayDebt(ctx, payment(paid.ID, acc.ID, "10", "settle"))
	require.NoError(t, err)

	wrongDirection := payment(debt.ID, acc.ID, "100", "dir")
	wrongDirection.Direction = core.ToReceive

	tests := []struct {
		name string
		req  core.PaymentRequest
		want error
	}{
		{"missing key", payment(debt.ID, acc.ID, "100", " "), core.ErrValidation},
		{"zero amount", payment(debt.ID, acc.ID, "0", "zero"), core.ErrValidation},
		{"key reused for another amount", payment(debt.ID, acc.ID, "250", "used"), core.ErrValidation},
		{"linked account bypassed", payment(linked.ID, acc.ID, "100", "linked"), core.ErrValidation},
		{"debt already paid", payment(paid.ID, acc.ID, "5", "again"), core.ErrValidation},
		{"direction mismatch", wrongDirection, core.ErrValidation},
		{"unknown debt", payment("nope", acc.ID, "100", "nodebt"), core.ErrNotFound},
		{"unknown account", payment(debt.ID, "nope", "100", "noacc"), core.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PayDebt(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Len(t, f.transactions(t), 2, "rejected payments write nothing")
	assertDecimal(t, "10", f.balance(t, linkedAcc.ID))
}

func TestPayDebtOtherFamilyIsNotFound(t *testing.T) {
	f := newFixture(t, true)
	acc := f.account(t, "100")
	debt := f.debt(t, "50", core.ToPay, "")

	req := payment(debt.ID, acc.ID, "10", "k")
	req.FamilyID = "intruder"
	_, err := f.debts().PayDebt(context.Background(), req)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestPayDebtLinkedAccountAccepted(t *testing.T) {
	f := newFixture(t, false)
	acc := f.account(t, "100")
	debt := f.debt(t, "50", core.ToPay, acc.ID)

	res, err := f.debts().PayDebt(context.Background(), payment(debt.ID, acc.ID, "10", "k"))
	require.NoError(t, err)
	assertDecimal(t, "90", res.Account.Balance)
}

func TestPayDebtDescriptionAndCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	resolver := NewCategoryResolver(f.deps, 0)
	system, err := resolver.EnsureSystemCategories(ctx, family)
	require.NoError(t, err)
	require.Len(t, system, 2)

	acc := f.account(t, "100")
	debt := f.debt(t, "50", core.ToPay, "")
	assert.Equal(t, system[0].ID, debt.CategoryID, "creation falls back to the system category")

	res, err := NewDebtService(f.deps, resolver).PayDebt(ctx, payment(debt.ID, acc.ID, "10", "k1"))
	require.NoError(t, err)
	assert.Equal(t, system[0].ID, res.Transaction.CategoryID)
	assert.Equal(t, "[debt:"+debt.ID+"] Pago de deuda: car", res.Transaction.Description)
	id, ok := core.ParseDebtTag(res.Transaction.Description)
	require.True(t, ok)
	assert.Equal(t, debt.ID, id)

	custom := payment(debt.ID, acc.ID, "5", "k2")
	custom.Description = "cuota junio"
	custom.CategoryID = "missing"
	_, err = NewDebtService(f.deps, resolver).PayDebt(ctx, custom)
	require.ErrorIs(t, err, core.ErrNotFound)

	custom.CategoryID = system[1].ID
	res, err = NewDebtService(f.deps, resolver).PayDebt(ctx, custom)
	require.NoError(t, err)
	assert.Equal(t, "[debt:"+debt.ID+"] cuota junio", res.Transaction.Description)
	assert.Equal(t, system[1].ID, res.Transaction.CategoryID)
}

func TestPayDebtAtomicFailureLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	f.faults.inject("UpdateDebtProgress", errors.New("disk full"), false)
	_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrPartialFailure)

	assertDecimal(t, "5000", f.balance(t, acc.ID))
	assert.Empty(t, f.transactions(t))
	_, err = f.store.GetPaymentIntent(ctx, family, "k")
	require.ErrorIs(t, err, core.ErrNotFound)

	// Nothing was recorded, so the same key simply applies now.
	res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.NoError(t, err)
	assertDecimal(t, "600", res.Debt.RemainingAmount)
}

func TestPayDebtPartialFailureResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	f.faults.inject("UpdateDebtProgress", errors.New("gateway unavailable"), false)
	_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))

	var partial *core.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "k", partial.IntentKey)
	assert.Equal(t, []core.PaymentStep{core.StepTransaction, core.StepBalance}, partial.Completed)
	assert.Equal(t, core.StepDebt, partial.Failed)
	assert.NotEmpty(t, partial.TransactionID)

	intent, err := f.store.GetPaymentIntent(ctx, family, "k")
	require.NoError(t, err)
	assert.Equal(t, core.IntentPartial, intent.Status)
	assert.Contains(t, intent.LastError, "gateway unavailable")
	assertDecimal(t, "4600", f.balance(t, acc.ID))

	res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.NoError(t, err)
	assert.Equal(t, partial.TransactionID, res.Transaction.ID)
	assertDecimal(t, "4600", res.Account.Balance, "the balance step is not reapplied")
	assertDecimal(t, "600", res.Debt.RemainingAmount)
	assert.Len(t, f.transactions(t), 1)

	intent, err = f.store.GetPaymentIntent(ctx, family, "k")
	require.NoError(t, err)
	assert.Equal(t, core.IntentCompleted, intent.Status)
	assert.Equal(t, []amqp.EventType{amqp.EventPaymentPartial, amqp.EventPaymentApplied}, f.events.types())
}

func TestPayDebtUnknownOutcomeIsPartial(t *testing.T) {
	tests := []struct {
		name          string
		op            string
		wantCompleted []core.PaymentStep
		wantFailed    core.PaymentStep
	}{
		{"transaction write timed out", "CreateTransaction", nil, core.StepTransaction},
		{"balance write timed out", "UpdateAccountBalance", []core.PaymentStep{core.StepTransaction}, core.StepBalance},
		{"debt write timed out", "UpdateDebtProgress", []core.PaymentStep{core.StepTransaction, core.StepBalance}, core.StepDebt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, false)
			svc := f.debts()
			acc := f.account(t, "5000")
			debt := f.debt(t, "1000", core.ToPay, "")

			// The write lands but the caller only sees the deadline.
			f.faults.inject(tt.op, context.DeadlineExceeded, true)
			_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))

			var partial *core.PartialFailureError
			require.ErrorAs(t, err, &partial)
			assert.Equal(t, tt.wantCompleted, partial.Completed)
			assert.Equal(t, tt.wantFailed, partial.Failed)
			require.ErrorIs(t, err, context.DeadlineExceeded)

			res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
			require.NoError(t, err)
			assertDecimal(t, "4600", res.Account.Balance)
			assertDecimal(t, "600", res.Debt.RemainingAmount)
			assert.Len(t, f.transactions(t), 1)
		})
	}
}

func TestPayDebtRetryAfterInterleavedPaymentAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	f.faults.inject("UpdateDebtProgress", context.DeadlineExceeded, true)
	_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k1"))
	var partial *core.PartialFailureError
	require.ErrorAs(t, err, &partial)

	// Another payment lands before the retry, so k1 is no longer the
	// debt's last payment.
	_, err = svc.PayDebt(ctx, payment(debt.ID, acc.ID, "100", "k2"))
	require.NoError(t, err)

	res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k1"))
	require.NoError(t, err)
	assertDecimal(t, "500", res.Debt.RemainingAmount)
	assertDecimal(t, "4500", f.balance(t, acc.ID))
	assert.Len(t, f.transactions(t), 2)
}

func TestPayDebtRefusesDebtSettledConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	acc := f.account(t, "5000")
	debt := f.debt(t, "600", core.ToPay, "")

	hook := &hookGateway{faultyTransactor: f.deps.Gateway.(*faultyTransactor)}
	var settleErr error
	hook.beforeAccount = func() {
		_, settleErr = f.debts().PayDebt(ctx, payment(debt.ID, acc.ID, "600", "settle"))
	}
	f.deps.Gateway = hook

	_, err := f.debts().PayDebt(ctx, payment(debt.ID, acc.ID, "600", "late"))
	require.NoError(t, settleErr)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "debt_id", verr.Field)

	assertDecimal(t, "4400", f.balance(t, acc.ID))
	assert.Len(t, f.transactions(t), 1)
	_, err = f.store.GetPaymentIntent(ctx, family, "late")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestPayDebtDefiniteFailureBeforeWritesIsPlain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	f.faults.inject("CreateTransaction", errors.New("rejected by store"), false)
	_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrPartialFailure)
	assertDecimal(t, "5000", f.balance(t, acc.ID))

	res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.NoError(t, err)
	assertDecimal(t, "4600", res.Account.Balance)
	assert.Len(t, f.transactions(t), 1)
}

func TestPayDebtRetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	f.faults.inject("UpdateAccountBalance", core.NewConflictError("account", acc.ID), false)
	f.faults.inject("UpdateDebtProgress", core.NewConflictError("debt", debt.ID), false)
	res, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "400", "k"))
	require.NoError(t, err)
	assertDecimal(t, "4600", res.Account.Balance)
	assertDecimal(t, "600", res.Debt.RemainingAmount)
}

func TestPayDebtConcurrentPaymentsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	svc := f.debts()
	acc := f.account(t, "5000")
	debt := f.debt(t, "1000", core.ToPay, "")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.PayDebt(ctx, payment(debt.ID, acc.ID, "100", fmt.Sprintf("k-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assertDecimal(t, "4200", f.balance(t, acc.ID))
	d, err := f.store.GetDebt(ctx, family, debt.ID)
	require.NoError(t, err)
	assertDecimal(t, "200", d.RemainingAmount)
}

func TestCreateDebtIsBalanceNeutral(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	acc := f.account(t, "300")

	d := f.debt(t, "1000", core.ToReceive, acc.ID)
	assertDecimal(t, "1000", d.RemainingAmount)
	assert.Equal(t, core.DebtActive, d.Status)
	assert.Equal(t, acc.ID, d.AccountID)
	assert.Empty(t, d.CategoryID, "no category exists to fall back to")

	assertDecimal(t, "300", f.balance(t, acc.ID))
	assert.Empty(t, f.transactions(t))

	_, err := f.debts().CreateDebt(ctx, core.DebtRequest{
		FamilyID: family, Description: "x", TotalAmount: dec("1"), Direction: core.ToPay, AccountID: "missing",
	})
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.debts().CreateDebt(ctx, core.DebtRequest{
		FamilyID: family, Description: " ", TotalAmount: dec("1"), Direction: core.ToPay,
	})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestUpdateDebt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	svc := f.debts()
	acc := f.account(t, "100")
	d := f.debt(t, "100", core.ToPay, "")
	_, err := svc.PayDebt(ctx, payment(d.ID, acc.ID, "100", "k"))
	require.NoError(t, err)

	d, err = svc.GetDebt(ctx, family, d.ID)
	require.NoError(t, err)
	require.Equal(t, core.DebtPaid, d.Status)

	_, err = svc.UpdateDebt(ctx, DebtUpdate{FamilyID: family, ID: d.ID})
	require.ErrorIs(t, err, core.ErrValidation, "version is required")

	active := core.DebtActive
	_, err = svc.UpdateDebt(ctx, DebtUpdate{FamilyID: family, ID: d.ID, Status: &active, Version: d.Version})
	require.ErrorIs(t, err, core.ErrValidation)

	remaining := dec("40")
	reopened, err := svc.UpdateDebt(ctx, DebtUpdate{FamilyID: family, ID: d.ID, RemainingAmount: &remaining, Version: d.Version})
	require.NoError(t, err)
	assert.Equal(t, core.DebtActive, reopened.Status)
	assertDecimal(t, "40", reopened.RemainingAmount)
	assert.Equal(t, "k", reopened.LastPaymentKey)

	_, err = svc.UpdateDebt(ctx, DebtUpdate{FamilyID: family, ID: d.ID, RemainingAmount: &remaining, Version: d.Version})
	require.ErrorIs(t, err, core.ErrConflict)

	tooMuch := dec("500")
	_, err = svc.UpdateDebt(ctx, DebtUpdate{FamilyID: family, ID: d.ID, RemainingAmount: &tooMuch, Version: reopened.Version})
	require.ErrorIs(t, err, core.ErrValidation)
}
