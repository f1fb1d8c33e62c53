package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("concurrent modification")
	ErrPartialFailure = errors.New("partial failure")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// ValidationError rejects a request before any write happens.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing entity, or one owned by another family.
type NotFoundError struct {
	Entity string
	ID     string
}

func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError means a compare-and-set write saw a newer version than the
// one it read.
type ConflictError struct {
	Entity string
	ID     string
}

func NewConflictError(entity, id string) *ConflictError {
	return &ConflictError{Entity: entity, ID: id}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// PaymentStep names one write of a debt payment.
type PaymentStep string

const (
	StepTransaction PaymentStep = "transaction"
	StepBalance     PaymentStep = "account_balance"
	StepDebt        PaymentStep = "debt_remaining"
)

// PaymentSteps is the fixed execution order of a debt payment.
var PaymentSteps = []PaymentStep{StepTransaction, StepBalance, StepDebt}

// PartialFailureError is returned when some steps of a multi-step operation
// committed and a later one failed or its outcome is unknown. Retrying with
// the same IntentKey resumes at Failed.
type PartialFailureError struct {
	IntentKey     string
	TransactionID string
	Completed     []PaymentStep
	Failed        PaymentStep
	Err           error
}

func (e *PartialFailureError) Error() string {
	done := make([]string, len(e.Completed))
	for i, s := range e.Completed {
		done[i] = string(s)
	}
	return fmt.Sprintf("partial failure on intent %s: completed [%s], failed at %s: %v",
		e.IntentKey, strings.Join(done, ", "), e.Failed, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e *PartialFailureError) Is(target error) bool { return target == ErrPartialFailure }
