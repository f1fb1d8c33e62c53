package core

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const maxIdempotencyKeyLen = 128

type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentPartial   IntentStatus = "partial"
	IntentCompleted IntentStatus = "completed"
)

type (
	// PaymentRequest asks to apply one payment against a debt.
	PaymentRequest struct {
		FamilyID    string          `json:"-"`
		DebtID      string          `json:"-"`
		AccountID   string          `json:"account_id"`
		CategoryID  string          `json:"category_id,omitempty"`
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description,omitempty"`
		// Direction defaults to the debt's direction when empty.
		Direction  DebtDirection `json:"direction,omitempty"`
		ReceiptRef string        `json:"receipt_ref,omitempty"`
		Date       time.Time     `json:"date,omitempty"`
		// IdempotencyKey identifies the payment attempt across retries.
		IdempotencyKey string `json:"-"`
	}

	// DebtRequest describes a new debt or loan.
	DebtRequest struct {
		FamilyID    string          `json:"-"`
		Description string          `json:"description"`
		TotalAmount decimal.Decimal `json:"total_amount"`
		Direction   DebtDirection   `json:"direction"`
		CategoryID  string          `json:"category_id,omitempty"`
		AccountID   string          `json:"account_id,omitempty"`
		DueDate     *time.Time      `json:"due_date,omitempty"`
	}

	// PaymentIntent is the durable record of a payment attempt. It makes
	// retries idempotent and remembers which steps already committed.
	PaymentIntent struct {
		Key           string          `json:"key"`
		FamilyID      string          `json:"family_id"`
		DebtID        string          `json:"debt_id"`
		AccountID     string          `json:"account_id"`
		Amount        decimal.Decimal `json:"amount"`
		Direction     DebtDirection   `json:"direction"`
		Status        IntentStatus    `json:"status"`
		TransactionID string          `json:"transaction_id,omitempty"`
		Completed     []PaymentStep   `json:"completed,omitempty"`
		LastError     string          `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
		UpdatedAt     time.Time       `json:"updated_at"`
	}
)

func (r PaymentRequest) Validate() error {
	if strings.TrimSpace(r.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if strings.TrimSpace(r.DebtID) == "" {
		return NewValidationError("debt_id", "required")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	if err := validatePositive("amount", r.Amount); err != nil {
		return err
	}
	if r.Direction != "" && !r.Direction.IsValid() {
		return NewValidationError("direction", "must be to_pay or to_receive")
	}
	if len(r.Description) > maxDescriptionLen {
		return NewValidationError("description", "too long (max 200 characters)")
	}
	key := strings.TrimSpace(r.IdempotencyKey)
	if key == "" {
		return NewValidationError("idempotency_key", "required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return NewValidationError("idempotency_key", "too long (max 128 characters)")
	}
	return nil
}

func (r DebtRequest) Validate() error {
	if strings.TrimSpace(r.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if strings.TrimSpace(r.Description) == "" {
		return NewValidationError("description", "required")
	}
	if len(r.Description) > maxDescriptionLen {
		return NewValidationError("description", "too long (max 200 characters)")
	}
	if err := validatePositive("total_amount", r.TotalAmount); err != nil {
		return err
	}
	if !r.Direction.IsValid() {
		return NewValidationError("direction", "must be to_pay or to_receive")
	}
	return nil
}

// Done reports whether a step already committed.
func (p PaymentIntent) Done(step PaymentStep) bool {
	return slices.Contains(p.Completed, step)
}

// Matches reports whether a retried request is the same payment the intent
// was created for.
func (p PaymentIntent) Matches(r PaymentRequest, direction DebtDirection) bool {
	return p.DebtID == r.DebtID &&
		p.AccountID == r.AccountID &&
		p.Amount.Equal(r.Amount) &&
		p.Direction == direction
}

// NextStep returns the first step that has not committed yet.
func (p PaymentIntent) NextStep() (PaymentStep, bool) {
	for _, s := range PaymentSteps {
		if !p.Done(s) {
			return s, true
		}
	}
	return "", false
}
