package core

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	Personal OwnershipKind = "personal"
	Joint    OwnershipKind = "joint"

	Income   TransactionType = "income"
	Expense  TransactionType = "expense"
	Transfer TransactionType = "transfer"

	ToPay     DebtDirection = "to_pay"
	ToReceive DebtDirection = "to_receive"

	DebtActive DebtStatus = "active"
	DebtPaid   DebtStatus = "paid"

	Weekly   PeriodKind = "weekly"
	Biweekly PeriodKind = "biweekly"
	Monthly  PeriodKind = "monthly"
	Custom   PeriodKind = "custom"
)

// Reserved category keys, one per debt direction, created at family setup.
const (
	SystemKeyDebtToPay     = "debt_to_pay"
	SystemKeyDebtToReceive = "debt_to_receive"
)

const maxDescriptionLen = 200

type (
	OwnershipKind   string
	TransactionType string
	DebtDirection   string
	DebtStatus      string
	PeriodKind      string

	Account struct {
		ID             string          `json:"id"`
		FamilyID       string          `json:"family_id"`
		Name           string          `json:"name"`
		Ownership      OwnershipKind   `json:"ownership"`
		OpeningBalance decimal.Decimal `json:"opening_balance"`
		Balance        decimal.Decimal `json:"balance"`
		Version        int64           `json:"version"`
		CreatedAt      time.Time       `json:"created_at"`
		UpdatedAt      time.Time       `json:"updated_at"`
	}

	Transaction struct {
		ID       string          `json:"id"`
		FamilyID string          `json:"family_id"`
		Amount   decimal.Decimal `json:"amount"`
		Type     TransactionType `json:"type"`
		// AccountID is the owning account; for transfers it is the source.
		AccountID         string    `json:"account_id"`
		TransferAccountID string    `json:"transfer_account_id,omitempty"`
		CategoryID        string    `json:"category_id,omitempty"`
		Description       string    `json:"description"`
		Date              time.Time `json:"date"`
		ReceiptRef        string    `json:"receipt_ref,omitempty"`
		CreatedAt         time.Time `json:"created_at"`
		UpdatedAt         time.Time `json:"updated_at"`
	}

	Debt struct {
		ID              string          `json:"id"`
		FamilyID        string          `json:"family_id"`
		Description     string          `json:"description"`
		TotalAmount     decimal.Decimal `json:"total_amount"`
		RemainingAmount decimal.Decimal `json:"remaining_amount"`
		Direction       DebtDirection   `json:"direction"`
		Status          DebtStatus      `json:"status"`
		CategoryID      string          `json:"category_id,omitempty"`
		// AccountID, when set, is the only account payments may use.
		AccountID string     `json:"account_id,omitempty"`
		DueDate   *time.Time `json:"due_date,omitempty"`
		// LastPaymentKey is the idempotency key of the last payment applied
		// to RemainingAmount.
		LastPaymentKey string    `json:"last_payment_key,omitempty"`
		Version        int64     `json:"version"`
		CreatedAt      time.Time `json:"created_at"`
		UpdatedAt      time.Time `json:"updated_at"`
	}

	Budget struct {
		ID         string          `json:"id"`
		FamilyID   string          `json:"family_id"`
		CategoryID string          `json:"category_id,omitempty"` // empty means general
		Amount     decimal.Decimal `json:"amount"`
		Period     PeriodKind      `json:"period"`
		Month      int             `json:"month,omitempty"`
		Year       int             `json:"year,omitempty"`
		WeekNumber int             `json:"week_number,omitempty"`
		// StartDate and EndDate override any derived period when both are set.
		StartDate *time.Time `json:"start_date,omitempty"`
		EndDate   *time.Time `json:"end_date,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
		UpdatedAt time.Time  `json:"updated_at"`
	}

	Category struct {
		ID        string    `json:"id"`
		FamilyID  string    `json:"family_id"`
		Name      string    `json:"name"`
		IsDefault bool      `json:"is_default"`
		SystemKey string    `json:"system_key,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
)

func (k OwnershipKind) IsValid() bool { return k == Personal || k == Joint }

func (t TransactionType) IsValid() bool {
	switch t {
	case Income, Expense, Transfer:
		return true
	}
	return false
}

func (d DebtDirection) IsValid() bool { return d == ToPay || d == ToReceive }

func (p PeriodKind) IsValid() bool {
	switch p {
	case Weekly, Biweekly, Monthly, Custom:
		return true
	}
	return false
}

// SystemKey returns the reserved category key for payments in this direction.
func (d DebtDirection) SystemKey() string {
	if d == ToReceive {
		return SystemKeyDebtToReceive
	}
	return SystemKeyDebtToPay
}

// DefaultCategoryName is the well-known category name used for debt
// transactions when none is supplied.
func (d DebtDirection) DefaultCategoryName() string {
	if d == ToReceive {
		return "Préstamos Recibidos"
	}
	return "Préstamos Otorgados"
}

// TransactionType returns the type of the transaction a payment records.
func (d DebtDirection) TransactionType() TransactionType {
	if d == ToReceive {
		return Income
	}
	return Expense
}

// IsPaid reports whether the debt has nothing left to settle.
func (d Debt) IsPaid() bool {
	return d.Status == DebtPaid || !d.RemainingAmount.IsPositive()
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return NewValidationError("name", "required")
	}
	if !a.Ownership.IsValid() {
		return NewValidationError("ownership", "must be personal or joint")
	}
	return validateMinorUnits("opening_balance", a.OpeningBalance)
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if err := validatePositive("amount", t.Amount); err != nil {
		return err
	}
	if !t.Type.IsValid() {
		return NewValidationError("type", "must be income, expense or transfer")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return NewValidationError("account_id", "required")
	}
	if t.Type == Transfer {
		if t.TransferAccountID == "" {
			return NewValidationError("transfer_account_id", "required for transfers")
		}
		if t.TransferAccountID == t.AccountID {
			return NewValidationError("transfer_account_id", "must differ from account_id")
		}
	} else if t.TransferAccountID != "" {
		return NewValidationError("transfer_account_id", "only allowed for transfers")
	}
	if len(t.Description) > maxDescriptionLen {
		return NewValidationError("description", "too long (max 200 characters)")
	}
	if t.Date.IsZero() {
		return NewValidationError("date", "required")
	}
	return nil
}

func (d Debt) Validate() error {
	if strings.TrimSpace(d.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return NewValidationError("description", "required")
	}
	if len(d.Description) > maxDescriptionLen {
		return NewValidationError("description", "too long (max 200 characters)")
	}
	if err := validatePositive("total_amount", d.TotalAmount); err != nil {
		return err
	}
	if d.RemainingAmount.IsNegative() {
		return NewValidationError("remaining_amount", "cannot be negative")
	}
	if err := validateMinorUnits("remaining_amount", d.RemainingAmount); err != nil {
		return err
	}
	if d.RemainingAmount.GreaterThan(d.TotalAmount) {
		return NewValidationError("remaining_amount", "cannot exceed total_amount")
	}
	if !d.Direction.IsValid() {
		return NewValidationError("direction", "must be to_pay or to_receive")
	}
	if d.Status != DebtActive && d.Status != DebtPaid {
		return NewValidationError("status", "must be active or paid")
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if err := validatePositive("amount", b.Amount); err != nil {
		return err
	}
	if !b.Period.IsValid() {
		return NewValidationError("period", "must be weekly, biweekly, monthly or custom")
	}
	if (b.StartDate == nil) != (b.EndDate == nil) {
		return NewValidationError("end_date", "start_date and end_date must be given together")
	}
	if b.StartDate != nil && b.EndDate.Before(*b.StartDate) {
		return NewValidationError("end_date", "must not be before start_date")
	}
	if b.Month != 0 && (b.Month < 1 || b.Month > 12) {
		return NewValidationError("month", "must be between 1 and 12")
	}
	if b.WeekNumber != 0 && (b.WeekNumber < 1 || b.WeekNumber > 53) {
		return NewValidationError("week_number", "must be between 1 and 53")
	}
	if b.StartDate != nil {
		return nil
	}
	switch b.Period {
	case Monthly, Biweekly:
		if b.Month == 0 || b.Year == 0 {
			return NewValidationError("month", "month and year are required")
		}
	case Weekly:
		if b.WeekNumber == 0 || b.Year == 0 {
			return NewValidationError("week_number", "week_number and year are required")
		}
		// 28 December always falls in the last ISO week of its year.
		if _, last := time.Date(b.Year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek(); b.WeekNumber > last {
			return NewValidationError("week_number", fmt.Sprintf("%d has only %d ISO weeks", b.Year, last))
		}
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.FamilyID) == "" {
		return NewValidationError("family_id", "required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return NewValidationError("name", "required")
	}
	return nil
}

// TruncateDescription cuts s to the description limit without splitting a
// multi-byte character.
func TruncateDescription(s string) string {
	if len(s) <= maxDescriptionLen {
		return s
	}
	cut := maxDescriptionLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func validatePositive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return NewValidationError(field, "must be greater than zero")
	}
	return validateMinorUnits(field, d)
}

// validateMinorUnits rejects amounts finer than the currency's minor unit.
func validateMinorUnits(field string, d decimal.Decimal) error {
	if !d.Equal(d.Round(MinorUnits)) {
		return NewValidationError(field, "at most 2 decimal places")
	}
	return nil
}
