package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"famledger/internal/amqp"
	"famledger/internal/core"
	"famledger/internal/gateway"
	"famledger/internal/log"
	"famledger/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DebtService creates debts and applies payments against them.
type DebtService struct {
	deps       Deps
	categories *CategoryResolver
}

func NewDebtService(deps Deps, categories *CategoryResolver) *DebtService {
	deps = deps.withDefaults(log.ComponentDebt)
	if categories == nil {
		categories = NewCategoryResolver(deps, 0)
	}
	return &DebtService{deps: deps, categories: categories}
}

// PaymentResult is the state after a payment. Replayed is set when the
// idempotency key had already completed and nothing was written.
type PaymentResult struct {
	Transaction core.Transaction `json:"transaction"`
	Account     core.Account     `json:"account"`
	Debt        core.Debt        `json:"debt"`
	IntentKey   string           `json:"intent_key"`
	Replayed    bool             `json:"replayed"`
}

// DebtUpdate is an administrative edit. Nil fields are left unchanged and
// Version must match the stored debt.
type DebtUpdate struct {
	FamilyID        string           `json:"-"`
	ID              string           `json:"-"`
	Description     *string          `json:"description,omitempty"`
	TotalAmount     *decimal.Decimal `json:"total_amount,omitempty"`
	RemainingAmount *decimal.Decimal `json:"remaining_amount,omitempty"`
	Status          *core.DebtStatus `json:"status,omitempty"`
	CategoryID      *string          `json:"category_id,omitempty"`
	AccountID       *string          `json:"account_id,omitempty"`
	DueDate         *time.Time       `json:"due_date,omitempty"`
	ClearDueDate    bool             `json:"clear_due_date,omitempty"`
	Version         int64            `json:"version"`
}

// CreateDebt records a debt or loan. It never touches balances: only
// payments move money.
func (s *DebtService) CreateDebt(ctx context.Context, req core.DebtRequest) (core.Debt, error) {
	req.Description = strings.TrimSpace(req.Description)
	if err := req.Validate(); err != nil {
		return core.Debt{}, err
	}
	gw := s.deps.Gateway

	if req.AccountID != "" {
		if _, err := gw.GetAccount(ctx, req.FamilyID, req.AccountID); err != nil {
			return core.Debt{}, err
		}
	}
	categoryID, err := s.category(ctx, req.FamilyID, req.CategoryID, req.Direction)
	if err != nil {
		return core.Debt{}, err
	}

	debt := core.Debt{
		FamilyID:        req.FamilyID,
		Description:     req.Description,
		TotalAmount:     req.TotalAmount,
		RemainingAmount: req.TotalAmount,
		Direction:       req.Direction,
		Status:          core.DebtActive,
		CategoryID:      categoryID,
		AccountID:       req.AccountID,
		DueDate:         req.DueDate,
	}
	created, err := gw.CreateDebt(ctx, debt)
	if err != nil {
		return core.Debt{}, fmt.Errorf("create debt: %w", err)
	}

	s.deps.Logger.InfoContext(ctx, "Debt created",
		log.FieldFamilyID, created.FamilyID,
		log.FieldDebtID, created.ID,
		log.FieldAmount, core.FormatAmount(created.TotalAmount),
		"direction", created.Direction)
	return created, nil
}

func (s *DebtService) GetDebt(ctx context.Context, familyID, id string) (core.Debt, error) {
	return s.deps.Gateway.GetDebt(ctx, familyID, id)
}

func (s *DebtService) ListDebts(ctx context.Context, familyID string) ([]core.Debt, error) {
	return s.deps.Gateway.ListDebts(ctx, familyID)
}

func (s *DebtService) DeleteDebt(ctx context.Context, familyID, id string) error {
	return s.deps.Gateway.DeleteDebt(ctx, familyID, id)
}

// UpdateDebt applies an administrative edit. Status follows the remaining
// amount unless set explicitly: a debt with nothing remaining is paid, and
// raising the remaining amount of a paid debt reactivates it.
func (s *DebtService) UpdateDebt(ctx context.Context, u DebtUpdate) (core.Debt, error) {
	if u.Version <= 0 {
		return core.Debt{}, core.NewValidationError("version", "required")
	}
	gw := s.deps.Gateway
	d, err := gw.GetDebt(ctx, u.FamilyID, u.ID)
	if err != nil {
		return core.Debt{}, err
	}

	if u.Description != nil {
		d.Description = strings.TrimSpace(*u.Description)
	}
	if u.TotalAmount != nil {
		d.TotalAmount = *u.TotalAmount
	}
	if u.RemainingAmount != nil {
		d.RemainingAmount = *u.RemainingAmount
	}
	if u.CategoryID != nil && *u.CategoryID != d.CategoryID {
		if *u.CategoryID != "" {
			if _, err := gw.GetCategory(ctx, u.FamilyID, *u.CategoryID); err != nil {
				return core.Debt{}, err
			}
		}
		d.CategoryID = *u.CategoryID
	}
	if u.AccountID != nil && *u.AccountID != d.AccountID {
		if *u.AccountID != "" {
			if _, err := gw.GetAccount(ctx, u.FamilyID, *u.AccountID); err != nil {
				return core.Debt{}, err
			}
		}
		d.AccountID = *u.AccountID
	}
	switch {
	case u.ClearDueDate:
		d.DueDate = nil
	case u.DueDate != nil:
		d.DueDate = u.DueDate
	}

	d.Status = core.DebtActive
	if !d.RemainingAmount.IsPositive() {
		d.Status = core.DebtPaid
	}
	if u.Status != nil {
		if *u.Status == core.DebtActive && !d.RemainingAmount.IsPositive() {
			return core.Debt{}, core.NewValidationError("status", "a debt with nothing remaining is paid")
		}
		d.Status = *u.Status
	}
	if err := d.Validate(); err != nil {
		return core.Debt{}, err
	}

	d.Version = u.Version
	updated, err := gw.UpdateDebt(ctx, d)
	if err != nil {
		return core.Debt{}, err
	}
	s.deps.Logger.InfoContext(ctx, "Debt edited",
		log.FieldFamilyID, updated.FamilyID,
		log.FieldDebtID, updated.ID,
		"status", updated.Status)
	return updated, nil
}

// paymentPlan is everything a payment writes, fixed before the first write.
type paymentPlan struct {
	req       core.PaymentRequest
	direction core.DebtDirection
	tx        core.Transaction
}

// PayDebt applies one payment: it records the transaction, moves the account
// balance and lowers the debt's remaining amount.
//
// With a Transactor gateway the three writes commit together. Otherwise they
// run as steps recorded on the payment intent; when a step fails after an
// earlier one committed, or its outcome is unknown because of a timeout,
// PayDebt returns *core.PartialFailureError and a retry with the same key
// resumes at the first incomplete step. A key that already completed replays
// the stored result.
//
// Two concurrent requests with the same key are serialised by the gateway
// on the atomic path; on the step path the second one is rejected with a
// conflict when both try to create the intent.
func (s *DebtService) PayDebt(ctx context.Context, req core.PaymentRequest) (PaymentResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	res, err := s.payDebt(ctx, req)
	s.recordOutcome(ctx, req, res, err)
	return res, err
}

func (s *DebtService) payDebt(ctx context.Context, req core.PaymentRequest) (PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return PaymentResult{}, err
	}
	gw := s.deps.Gateway

	intent, err := gw.GetPaymentIntent(ctx, req.FamilyID, req.IdempotencyKey)
	resuming := err == nil
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return PaymentResult{}, fmt.Errorf("get payment intent: %w", err)
	}

	debt, err := gw.GetDebt(ctx, req.FamilyID, req.DebtID)
	if err != nil {
		return PaymentResult{}, err
	}
	direction := req.Direction
	if direction == "" {
		direction = debt.Direction
	}
	if direction != debt.Direction {
		return PaymentResult{}, core.NewValidationError("direction", "does not match the debt direction")
	}

	if resuming {
		if !intent.Matches(req, direction) {
			return PaymentResult{}, core.NewValidationError("idempotency_key", "already used for a different payment")
		}
		if intent.Status == core.IntentCompleted {
			return s.replay(ctx, intent)
		}
	} else if debt.IsPaid() {
		return PaymentResult{}, core.NewValidationError("debt_id", "debt is already paid")
	}

	if debt.AccountID != "" && debt.AccountID != req.AccountID {
		return PaymentResult{}, core.NewValidationError("account_id", "debt is linked to account "+debt.AccountID)
	}
	if _, err := gw.GetAccount(ctx, req.FamilyID, req.AccountID); err != nil {
		return PaymentResult{}, err
	}

	plan, err := s.plan(ctx, req, debt, direction)
	if err != nil {
		return PaymentResult{}, err
	}
	if resuming && intent.TransactionID != "" {
		plan.tx.ID = intent.TransactionID
	}

	if t, ok := gw.(gateway.Transactor); ok && !resuming {
		return s.payAtomic(ctx, t, plan)
	}
	return s.paySteps(ctx, plan, intent, resuming)
}

func (s *DebtService) plan(ctx context.Context, req core.PaymentRequest, debt core.Debt, direction core.DebtDirection) (paymentPlan, error) {
	categoryID, err := s.category(ctx, req.FamilyID, req.CategoryID, direction)
	if err != nil {
		return paymentPlan{}, err
	}

	text := strings.TrimSpace(req.Description)
	if text == "" {
		text = "Pago de deuda: " + debt.Description
	}
	date := req.Date
	if date.IsZero() {
		date = s.deps.Now()
	}

	return paymentPlan{
		req:       req,
		direction: direction,
		tx: core.Transaction{
			ID:          uuid.NewString(),
			FamilyID:    req.FamilyID,
			Amount:      req.Amount,
			Type:        direction.TransactionType(),
			AccountID:   req.AccountID,
			CategoryID:  categoryID,
			Description: core.TruncateDescription(core.TagDebtDescription(debt.ID, text)),
			Date:        date.UTC(),
			ReceiptRef:  req.ReceiptRef,
		},
	}, nil
}

// category checks a supplied category or falls back to the default debt
// category for the direction.
func (s *DebtService) category(ctx context.Context, familyID, categoryID string, direction core.DebtDirection) (string, error) {
	if categoryID != "" {
		if _, err := s.deps.Gateway.GetCategory(ctx, familyID, categoryID); err != nil {
			return "", err
		}
		return categoryID, nil
	}
	return s.categories.DefaultDebtCategory(ctx, familyID, direction)
}

func (s *DebtService) payAtomic(ctx context.Context, t gateway.Transactor, plan paymentPlan) (PaymentResult, error) {
	var res PaymentResult
	run := func(g gateway.Gateway) error {
		now := s.deps.Now().UTC()
		// Claiming the key first makes a concurrent duplicate fail fast.
		if _, err := g.CreatePaymentIntent(ctx, core.PaymentIntent{
			Key:           plan.req.IdempotencyKey,
			FamilyID:      plan.req.FamilyID,
			DebtID:        plan.req.DebtID,
			AccountID:     plan.req.AccountID,
			Amount:        plan.req.Amount,
			Direction:     plan.direction,
			Status:        core.IntentCompleted,
			TransactionID: plan.tx.ID,
			Completed:     slices.Clone(core.PaymentSteps),
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return fmt.Errorf("record payment intent: %w", err)
		}

		tx, err := g.CreateTransaction(ctx, plan.tx)
		if err != nil {
			return fmt.Errorf("%s: %w", core.StepTransaction, err)
		}
		acc, err := s.applyPaymentBalance(ctx, g, tx, false)
		if err != nil {
			return fmt.Errorf("%s: %w", core.StepBalance, err)
		}
		debt, err := applyDebtPayment(ctx, g, s.deps.Metrics, plan.req, true)
		if err != nil {
			return fmt.Errorf("%s: %w", core.StepDebt, err)
		}
		res = PaymentResult{Transaction: tx, Account: acc, Debt: debt, IntentKey: plan.req.IdempotencyKey}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.deps.GatewayTimeout)
	defer cancel()

	err := t.Atomic(ctx, run)
	if errors.Is(err, core.ErrConflict) {
		// A concurrent request may have completed the same key.
		if prior, gerr := s.deps.Gateway.GetPaymentIntent(ctx, plan.req.FamilyID, plan.req.IdempotencyKey); gerr == nil {
			if !prior.Matches(plan.req, plan.direction) {
				return PaymentResult{}, core.NewValidationError("idempotency_key", "already used for a different payment")
			}
			return s.replay(ctx, prior)
		}
		s.deps.Metrics.ConflictRetry()
		err = t.Atomic(ctx, run)
	}
	if err != nil {
		return PaymentResult{}, fmt.Errorf("apply payment: %w", err)
	}
	return res, nil
}

func (s *DebtService) paySteps(ctx context.Context, plan paymentPlan, intent core.PaymentIntent, resuming bool) (PaymentResult, error) {
	gw := s.deps.Gateway

	if !resuming {
		intent = core.PaymentIntent{
			Key:           plan.req.IdempotencyKey,
			FamilyID:      plan.req.FamilyID,
			DebtID:        plan.req.DebtID,
			AccountID:     plan.req.AccountID,
			Amount:        plan.req.Amount,
			Direction:     plan.direction,
			Status:        core.IntentPending,
			TransactionID: plan.tx.ID,
		}
		err := s.bounded(ctx, func(ctx context.Context) error {
			var err error
			intent, err = gw.CreatePaymentIntent(ctx, intent)
			return err
		})
		if err != nil {
			return PaymentResult{}, fmt.Errorf("record payment intent: %w", err)
		}
	} else {
		s.deps.Logger.InfoContext(ctx, "Resuming debt payment",
			log.FieldIntentKey, intent.Key,
			log.FieldCompleted, intent.Completed)
	}
	if intent.TransactionID == "" {
		intent.TransactionID = plan.tx.ID
	}

	for {
		step, ok := intent.NextStep()
		if !ok {
			break
		}
		err := s.bounded(ctx, func(ctx context.Context) error {
			return s.runStep(ctx, step, plan, resuming)
		})
		if err != nil {
			return PaymentResult{}, s.stepFailed(ctx, intent, step, err)
		}

		intent.Completed = append(intent.Completed, step)
		if len(intent.Completed) == len(core.PaymentSteps) {
			intent.Status = core.IntentCompleted
			intent.LastError = ""
		}
		if err := s.saveIntent(ctx, intent); err != nil {
			// Every step is safe to re-run, so a stale intent only costs a
			// retry some extra reads.
			s.deps.Logger.WarnContext(ctx, "Failed to record payment step",
				log.FieldIntentKey, intent.Key,
				log.FieldStep, step,
				log.FieldError, err)
		}
	}

	return s.readResult(ctx, intent)
}

// runStep performs one payment step. Each step detects its own earlier
// success so re-running a step that already committed changes nothing.
func (s *DebtService) runStep(ctx context.Context, step core.PaymentStep, plan paymentPlan, resuming bool) error {
	gw := s.deps.Gateway
	switch step {
	case core.StepTransaction:
		if resuming {
			if _, err := gw.GetTransaction(ctx, plan.req.FamilyID, plan.tx.ID); err == nil {
				return nil
			} else if !errors.Is(err, core.ErrNotFound) {
				return err
			}
		}
		_, err := gw.CreateTransaction(ctx, plan.tx)
		if errors.Is(err, core.ErrConflict) {
			return nil
		}
		return err
	case core.StepBalance:
		_, err := s.applyPaymentBalance(ctx, gw, plan.tx, resuming)
		return err
	case core.StepDebt:
		// Money already moved in the earlier steps, so a debt settled in the
		// meantime is clamped rather than refused.
		_, err := applyDebtPayment(ctx, gw, s.deps.Metrics, plan.req, false)
		return err
	}
	return fmt.Errorf("unknown payment step %q", step)
}

// applyPaymentBalance moves the account by the payment. On resume the
// balance is rebuilt from history instead, since an earlier attempt may have
// applied the delta without recording it.
func (s *DebtService) applyPaymentBalance(ctx context.Context, g gateway.Gateway, tx core.Transaction, resuming bool) (core.Account, error) {
	if resuming {
		return replayBalance(ctx, g, s.deps.Metrics, tx.FamilyID, tx.AccountID)
	}
	var delta decimal.Decimal
	for _, e := range tx.Effects() {
		delta = delta.Add(e.Delta)
	}
	return adjustBalance(ctx, g, s.deps.Metrics, tx.FamilyID, tx.AccountID, delta)
}

// applyDebtPayment lowers the remaining amount, clamped at zero, and marks the
// debt paid when nothing is left. The gateway records every applied payment
// key, so a repeated call is a no-op even after other payments landed in
// between. With rejectPaid set a debt that is already paid is refused, which
// rolls back the unit of work the call runs in.
func applyDebtPayment(ctx context.Context, g gateway.Gateway, m *metrics.Metrics, req core.PaymentRequest, rejectPaid bool) (core.Debt, error) {
	for attempt := 0; ; attempt++ {
		d, err := g.GetDebt(ctx, req.FamilyID, req.DebtID)
		if err != nil {
			return core.Debt{}, err
		}
		applied, err := g.DebtPaymentApplied(ctx, req.FamilyID, req.DebtID, req.IdempotencyKey)
		if err != nil {
			return core.Debt{}, err
		}
		if applied {
			return d, nil
		}
		if rejectPaid && d.IsPaid() {
			return core.Debt{}, core.NewValidationError("debt_id", "debt is already paid")
		}

		remaining := d.RemainingAmount.Sub(req.Amount)
		status := core.DebtActive
		if !remaining.IsPositive() {
			remaining = decimal.Zero
			status = core.DebtPaid
		}

		updated, err := g.UpdateDebtProgress(ctx, req.FamilyID, req.DebtID, remaining, status, req.IdempotencyKey, d.Version)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, core.ErrConflict) || attempt >= maxConflictRetries {
			return core.Debt{}, err
		}
		m.ConflictRetry()
	}
}

// stepFailed records the failure on the intent and decides how it surfaces.
// A definite failure before anything committed is a plain error. Anything
// else is a partial failure the caller must retry or reconcile.
func (s *DebtService) stepFailed(ctx context.Context, intent core.PaymentIntent, step core.PaymentStep, cause error) error {
	unknown := errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled)
	partial := len(intent.Completed) > 0 || unknown

	intent.LastError = fmt.Sprintf("%s: %v", step, cause)
	if partial {
		intent.Status = core.IntentPartial
	}
	if err := s.saveIntent(ctx, intent); err != nil {
		s.deps.Logger.WarnContext(ctx, "Failed to record payment failure",
			log.FieldIntentKey, intent.Key,
			log.FieldError, err)
	}

	if !partial {
		return fmt.Errorf("%s: %w", step, cause)
	}
	s.deps.Metrics.PartialFailure(string(step))
	return &core.PartialFailureError{
		IntentKey:     intent.Key,
		TransactionID: intent.TransactionID,
		Completed:     slices.Clone(intent.Completed),
		Failed:        step,
		Err:           cause,
	}
}

// saveIntent writes the intent even when the request context is already
// done, so a timed-out payment still leaves an accurate record.
func (s *DebtService) saveIntent(ctx context.Context, intent core.PaymentIntent) error {
	return s.bounded(context.WithoutCancel(ctx), func(ctx context.Context) error {
		_, err := s.deps.Gateway.UpdatePaymentIntent(ctx, intent)
		return err
	})
}

func (s *DebtService) replay(ctx context.Context, intent core.PaymentIntent) (PaymentResult, error) {
	res, err := s.readResult(ctx, intent)
	if err != nil {
		return PaymentResult{}, err
	}
	res.Replayed = true
	return res, nil
}

// readResult loads the current state of the entities a payment touched. A
// payment transaction deleted since is reported by id only.
func (s *DebtService) readResult(ctx context.Context, intent core.PaymentIntent) (PaymentResult, error) {
	gw := s.deps.Gateway
	res := PaymentResult{IntentKey: intent.Key}

	tx, err := gw.GetTransaction(ctx, intent.FamilyID, intent.TransactionID)
	switch {
	case err == nil:
		res.Transaction = tx
	case errors.Is(err, core.ErrNotFound):
		res.Transaction = core.Transaction{ID: intent.TransactionID, FamilyID: intent.FamilyID}
	default:
		return PaymentResult{}, fmt.Errorf("get payment transaction: %w", err)
	}
	if res.Account, err = gw.GetAccount(ctx, intent.FamilyID, intent.AccountID); err != nil {
		return PaymentResult{}, fmt.Errorf("get payment account: %w", err)
	}
	if res.Debt, err = gw.GetDebt(ctx, intent.FamilyID, intent.DebtID); err != nil {
		return PaymentResult{}, fmt.Errorf("get paid debt: %w", err)
	}
	return res, nil
}

func (s *DebtService) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.deps.GatewayTimeout)
	defer cancel()
	return fn(ctx)
}

func (s *DebtService) recordOutcome(ctx context.Context, req core.PaymentRequest, res PaymentResult, err error) {
	fields := log.NewFields().
		WithPayment(req.FamilyID, req.DebtID, req.AccountID, req.IdempotencyKey, core.FormatAmount(req.Amount)).
		WithOperation(log.OpPay)

	var partial *core.PartialFailureError
	switch {
	case err == nil && res.Replayed:
		s.deps.Metrics.Payment(metrics.OutcomeReplayed)
		s.deps.Logger.InfoContext(ctx, "Debt payment replayed", fields.ToSlice()...)
	case err == nil:
		s.deps.Metrics.Payment(metrics.OutcomeApplied)
		s.deps.Logger.InfoContext(ctx, "Debt payment applied",
			append(fields.ToSlice(), "remaining", core.FormatAmount(res.Debt.RemainingAmount), "status", res.Debt.Status)...)
		ev := amqp.NewLedgerEvent(amqp.EventPaymentApplied, req.FamilyID, req.AccountID)
		ev.DebtID, ev.TransactionID, ev.IntentKey = req.DebtID, res.Transaction.ID, req.IdempotencyKey
		s.deps.publish(ctx, ev)
	case errors.As(err, &partial):
		s.deps.Metrics.Payment(metrics.OutcomePartial)
		fields[log.FieldStep] = partial.Failed
		fields[log.FieldCompleted] = partial.Completed
		s.deps.Logger.ErrorContext(ctx, "Debt payment partially applied",
			append(fields.WithError(err).ToSlice(), log.FieldErrorType, log.ErrorTypePartialFailure)...)
		ev := amqp.NewLedgerEvent(amqp.EventPaymentPartial, req.FamilyID, req.AccountID)
		ev.DebtID, ev.TransactionID, ev.IntentKey = req.DebtID, partial.TransactionID, req.IdempotencyKey
		ev.Reason = partial.Err.Error()
		s.deps.publish(ctx, ev)
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
		s.deps.Metrics.Payment(metrics.OutcomeRejected)
		s.deps.Logger.WarnContext(ctx, "Debt payment rejected", fields.WithError(err).ToSlice()...)
	default:
		s.deps.Metrics.Payment(metrics.OutcomeFailed)
		s.deps.Logger.ErrorContext(ctx, "Debt payment failed", fields.WithError(err).ToSlice()...)
	}
}
