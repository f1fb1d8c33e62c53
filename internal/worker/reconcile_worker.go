package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"famledger/internal/amqp"
	"famledger/internal/core"
	"famledger/internal/log"
	"famledger/internal/services"
)

// Reconciler is satisfied by *services.Reconciler.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, familyID, accountID string, fix bool) (services.Drift, error)
	ReconcileFamily(ctx context.Context, familyID string, fix bool) ([]services.Drift, error)
	ReconcileAll(ctx context.Context, fix bool) ([]services.Drift, error)
}

// ReconcileWorker keeps stored balances in line with transaction history. It
// reacts to ledger events and sweeps every account on an interval as a
// backstop for lost messages.
type ReconcileWorker struct {
	reconciler Reconciler
	logger     *log.Logger
	autoFix    bool
}

func NewReconcileWorker(reconciler Reconciler, logger *log.Logger, autoFix bool) *ReconcileWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &ReconcileWorker{
		reconciler: reconciler,
		logger:     logger.WithComponent(log.ComponentWorker),
		autoFix:    autoFix,
	}
}

// HandleEvent processes one ledger event from AMQP. Events that cannot
// affect balances are acknowledged without work. A returned error requeues
// the message.
func (w *ReconcileWorker) HandleEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	if !ev.NeedsReconcile() {
		w.logger.DebugContext(ctx, "Ignoring ledger event", "type", ev.Type, log.FieldFamilyID, ev.FamilyID)
		return nil
	}

	w.logger.InfoContext(ctx, "Processing ledger event",
		"type", ev.Type,
		log.FieldFamilyID, ev.FamilyID,
		log.FieldAccountID, ev.AccountID,
		log.FieldIntentKey, ev.IntentKey,
		"reason", ev.Reason)

	if ev.AccountID == "" {
		drifted, err := w.reconciler.ReconcileFamily(ctx, ev.FamilyID, w.autoFix)
		if err != nil {
			return fmt.Errorf("reconcile family %s: %w", ev.FamilyID, err)
		}
		w.report(ctx, drifted)
		return nil
	}

	d, err := w.reconciler.ReconcileAccount(ctx, ev.FamilyID, ev.AccountID, w.autoFix)
	if errors.Is(err, core.ErrNotFound) {
		// Deleted since the event was published; requeueing would loop.
		w.logger.WarnContext(ctx, "Account from ledger event no longer exists",
			log.FieldFamilyID, ev.FamilyID,
			log.FieldAccountID, ev.AccountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile account %s: %w", ev.AccountID, err)
	}
	if d.HasDrift() {
		w.report(ctx, []services.Drift{d})
	}
	return nil
}

// Sweep reconciles every account of every family once.
func (w *ReconcileWorker) Sweep(ctx context.Context) ([]services.Drift, error) {
	start := time.Now()
	drifted, err := w.reconciler.ReconcileAll(ctx, w.autoFix)
	if err != nil {
		return drifted, fmt.Errorf("reconcile sweep: %w", err)
	}

	w.logger.InfoContext(ctx, "Reconcile sweep completed",
		"drifted", len(drifted),
		"auto_fix", w.autoFix,
		"duration", time.Since(start).Round(time.Millisecond))
	w.report(ctx, drifted)
	return drifted, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (w *ReconcileWorker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "Reconcile sweep failed", log.FieldError, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ReconcileWorker) report(ctx context.Context, drifted []services.Drift) {
	for _, d := range drifted {
		w.logger.WarnContext(ctx, "Account balance drift",
			log.FieldFamilyID, d.FamilyID,
			log.FieldAccountID, d.AccountID,
			"stored", core.FormatAmount(d.Stored),
			"expected", core.FormatAmount(d.Expected),
			log.FieldDrift, core.FormatAmount(d.Difference),
			"fixed", d.Fixed)
	}
}
