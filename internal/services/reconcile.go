package services

import (
	"context"
	"fmt"

	"famledger/internal/core"
	"famledger/internal/log"

	"github.com/shopspring/decimal"
)

// Reconciler compares stored balances against the balance implied by the
// transaction history.
type Reconciler struct {
	deps Deps
}

func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{deps: deps.withDefaults(log.ComponentReconcile)}
}

// Drift is the result of reconciling one account. Difference is stored minus
// expected.
type Drift struct {
	FamilyID   string          `json:"family_id"`
	AccountID  string          `json:"account_id"`
	Stored     decimal.Decimal `json:"stored"`
	Expected   decimal.Decimal `json:"expected"`
	Difference decimal.Decimal `json:"difference"`
	Fixed      bool            `json:"fixed"`
}

func (d Drift) HasDrift() bool { return !d.Difference.IsZero() }

// ReconcileAccount reports drift on one account and, when fix is set,
// rewrites the balance from history through the compare-and-set path.
func (r *Reconciler) ReconcileAccount(ctx context.Context, familyID, accountID string, fix bool) (Drift, error) {
	gw := r.deps.Gateway
	acc, err := gw.GetAccount(ctx, familyID, accountID)
	if err != nil {
		return Drift{}, err
	}
	expected, err := expectedBalance(ctx, gw, acc)
	if err != nil {
		return Drift{}, err
	}

	d := Drift{
		FamilyID:   familyID,
		AccountID:  accountID,
		Stored:     acc.Balance,
		Expected:   expected,
		Difference: acc.Balance.Sub(expected),
	}
	if d.HasDrift() {
		fields := []any{
			log.FieldFamilyID, familyID,
			log.FieldAccountID, accountID,
			log.FieldDrift, core.FormatAmount(d.Difference),
		}
		if fix {
			if _, err := replayBalance(ctx, gw, r.deps.Metrics, familyID, accountID); err != nil {
				return d, fmt.Errorf("correct balance of %s: %w", accountID, err)
			}
			d.Fixed = true
			r.deps.Logger.WarnContext(ctx, "Balance drift corrected", fields...)
		} else {
			r.deps.Logger.WarnContext(ctx, "Balance drift detected", fields...)
		}
	}
	r.deps.Metrics.Reconciled(d.HasDrift(), d.Fixed)
	return d, nil
}

// ReconcileFamily reconciles every account of a family and returns only the
// accounts that drifted.
func (r *Reconciler) ReconcileFamily(ctx context.Context, familyID string, fix bool) ([]Drift, error) {
	accounts, err := r.deps.Gateway.ListAccounts(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	var drifted []Drift
	for _, acc := range accounts {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		d, err := r.ReconcileAccount(ctx, familyID, acc.ID, fix)
		if err != nil {
			return drifted, err
		}
		if d.HasDrift() {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}

// ReconcileAll walks every family. A failing family is logged and skipped so
// one bad account does not stop the sweep.
func (r *Reconciler) ReconcileAll(ctx context.Context, fix bool) ([]Drift, error) {
	families, err := r.deps.Gateway.ListFamilies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list families: %w", err)
	}
	var drifted []Drift
	for _, family := range families {
		ds, err := r.ReconcileFamily(ctx, family, fix)
		drifted = append(drifted, ds...)
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		if err != nil {
			r.deps.Logger.ErrorContext(ctx, "Failed to reconcile family",
				log.FieldFamilyID, family,
				log.FieldError, err)
		}
	}
	return drifted, nil
}
