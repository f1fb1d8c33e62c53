package services

import (
	"context"
	"testing"

	"famledger/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	r := NewReconciler(f.deps)
	acc := f.account(t, "100")
	expense(t, f, acc.ID, "", "30", testNow)

	d, err := r.ReconcileAccount(ctx, family, acc.ID, false)
	require.NoError(t, err)
	assert.False(t, d.HasDrift())

	// Corrupt the stored balance outside the ledger service.
	stored, err := f.store.GetAccount(ctx, family, acc.ID)
	require.NoError(t, err)
	_, err = f.store.UpdateAccountBalance(ctx, family, acc.ID, dec("95"), stored.Version)
	require.NoError(t, err)

	d, err = r.ReconcileAccount(ctx, family, acc.ID, false)
	require.NoError(t, err)
	assert.True(t, d.HasDrift())
	assert.False(t, d.Fixed)
	assertDecimal(t, "70", d.Expected)
	assertDecimal(t, "25", d.Difference)
	assertDecimal(t, "95", f.balance(t, acc.ID), "report-only leaves the balance")

	d, err = r.ReconcileAccount(ctx, family, acc.ID, true)
	require.NoError(t, err)
	assert.True(t, d.Fixed)
	assertDecimal(t, "70", f.balance(t, acc.ID))

	d, err = r.ReconcileAccount(ctx, family, acc.ID, true)
	require.NoError(t, err)
	assert.False(t, d.HasDrift())

	_, err = r.ReconcileAccount(ctx, family, "missing", true)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestReconcileAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	r := NewReconciler(f.deps)

	clean := f.account(t, "10")
	drifted := f.account(t, "10")
	other, err := NewLedgerService(f.deps).CreateAccount(ctx, AccountRequest{
		FamilyID: "fam-2", Name: "Other", Ownership: core.Personal, OpeningBalance: dec("5"),
	})
	require.NoError(t, err)

	for _, acc := range []core.Account{drifted, other} {
		_, err := f.store.UpdateAccountBalance(ctx, acc.FamilyID, acc.ID, dec("1"), acc.Version)
		require.NoError(t, err)
	}

	found, err := r.ReconcileAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, found, 2)
	ids := []string{found[0].AccountID, found[1].AccountID}
	assert.ElementsMatch(t, []string{drifted.ID, other.ID}, ids)
	assert.NotContains(t, ids, clean.ID)

	fixed, err := r.ReconcileFamily(ctx, "fam-2", true)
	require.NoError(t, err)
	require.Len(t, fixed, 1)
	assert.True(t, fixed[0].Fixed)

	remaining, err := r.ReconcileAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, drifted.ID, remaining[0].AccountID)
}
