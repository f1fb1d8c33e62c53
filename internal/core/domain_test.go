package core

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTransactionValidate(t *testing.T) {
	good := Transaction{FamilyID: "f", Amount: dec("1"), Type: Expense, AccountID: "a", Date: day(2025, 1, 1)}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Transaction{
		{Amount: dec("1"), Type: Expense, AccountID: "a", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("0"), Type: Expense, AccountID: "a", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("1"), Type: "gift", AccountID: "a", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("1"), Type: Expense, Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("1"), Type: Expense, AccountID: "a"},
		{FamilyID: "f", Amount: dec("1"), Type: Transfer, AccountID: "a", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("1"), Type: Transfer, AccountID: "a", TransferAccountID: "a", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("1"), Type: Income, AccountID: "a", TransferAccountID: "b", Date: day(2025, 1, 1)},
		{FamilyID: "f", Amount: dec("0.001"), Type: Expense, AccountID: "a", Date: day(2025, 1, 1)},
	}
	for i, tx := range bads {
		err := tx.Validate()
		if err == nil {
			t.Fatalf("case %d expected error", i)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: %v is not a validation error", i, err)
		}
	}
}

func TestBudgetValidate(t *testing.T) {
	start := day(2024, 1, 1)
	cases := []struct {
		b  Budget
		ok bool
	}{
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Monthly, Month: 6, Year: 2024}, true},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Weekly, WeekNumber: 10, Year: 2024}, true},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Custom}, true},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Custom, StartDate: &start, EndDate: &start}, true},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Monthly}, false},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Weekly, Year: 2024}, false},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: "yearly"}, false},
		{Budget{FamilyID: "f", Amount: dec("0"), Period: Custom}, false},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Custom, StartDate: &start}, false},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Monthly, Month: 13, Year: 2024}, false},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Weekly, WeekNumber: 53, Year: 2020}, true},
		{Budget{FamilyID: "f", Amount: dec("10"), Period: Weekly, WeekNumber: 53, Year: 2024}, false},
		{Budget{FamilyID: "f", Amount: dec("10.005"), Period: Custom}, false},
	}
	for i, tc := range cases {
		err := tc.b.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestBudgetValidateEndBeforeStart(t *testing.T) {
	start, end := day(2024, 2, 1), day(2024, 1, 1)
	b := Budget{FamilyID: "f", Amount: dec("10"), Period: Custom, StartDate: &start, EndDate: &end}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPaymentRequestValidate(t *testing.T) {
	good := PaymentRequest{FamilyID: "f", DebtID: "d", AccountID: "a", Amount: dec("1"), IdempotencyKey: "k"}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	missingKey := good
	missingKey.IdempotencyKey = " "
	if err := missingKey.Validate(); err == nil {
		t.Fatalf("expected error for missing idempotency key")
	}
	badDirection := good
	badDirection.Direction = "sideways"
	if err := badDirection.Validate(); err == nil {
		t.Fatalf("expected error for direction")
	}
}

func TestDirectionDefaults(t *testing.T) {
	if ToPay.DefaultCategoryName() != "Préstamos Otorgados" || ToReceive.DefaultCategoryName() != "Préstamos Recibidos" {
		t.Fatalf("unexpected default category names")
	}
	if ToPay.TransactionType() != Expense || ToReceive.TransactionType() != Income {
		t.Fatalf("unexpected transaction types")
	}
}

func TestPaymentIntentNextStep(t *testing.T) {
	p := PaymentIntent{Completed: []PaymentStep{StepTransaction}}
	if s, ok := p.NextStep(); !ok || s != StepBalance {
		t.Fatalf("next = %s %v", s, ok)
	}
	p.Completed = PaymentSteps
	if _, ok := p.NextStep(); ok {
		t.Fatalf("all steps done")
	}
}

func TestPartialFailureErrorIs(t *testing.T) {
	cause := errors.New("boom")
	err := error(&PartialFailureError{IntentKey: "k", Completed: []PaymentStep{StepTransaction}, Failed: StepBalance, Err: cause})
	if !errors.Is(err, ErrPartialFailure) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is chain broken: %v", err)
	}
	var pf *PartialFailureError
	if !errors.As(err, &pf) || pf.Failed != StepBalance {
		t.Fatalf("errors.As failed")
	}
}

func TestTruncateDescription(t *testing.T) {
	short := "Pago de deuda: coche"
	if got := TruncateDescription(short); got != short {
		t.Fatalf("short description changed: %q", got)
	}

	// 199 ASCII bytes then a two-byte rune straddling the limit.
	long := strings.Repeat("a", 199) + "ñ" + "tail"
	got := TruncateDescription(long)
	if len(got) != 199 || !utf8.ValidString(got) {
		t.Fatalf("len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}
