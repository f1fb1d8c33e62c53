package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"famledger/internal/core"
	"famledger/internal/gateway"

	"github.com/shopspring/decimal"
)

const (
	maxBodyBytes = 1 << 20

	headerFamilyID       = "X-Family-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// malformedError is a body that could not be decoded at all, as opposed to
// one that decoded but failed validation.
type malformedError struct{ err error }

func (e *malformedError) Error() string { return "malformed JSON body: " + e.err.Error() }

func (e *malformedError) Unwrap() error { return e.err }

// decodeJSON reads exactly one JSON object into v. Unknown fields are
// rejected so typos surface instead of being silently ignored.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &malformedError{err: errors.New("body is empty")}
		}
		return &malformedError{err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &malformedError{err: errors.New("body must contain a single JSON object")}
	}
	return nil
}

// sanitizeInput removes control characters other than tab and newlines and
// trims whitespace.
func sanitizeInput(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s))
}

// familyID returns the family the authenticated caller acts for.
func familyID(r *http.Request) string {
	return sanitizeInput(r.Header.Get(headerFamilyID))
}

// parseTime accepts a calendar date or a full RFC 3339 timestamp. Dates are
// midnight UTC.
func parseTime(field, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, core.NewValidationError(field, "must be YYYY-MM-DD or RFC 3339")
}

// parseTransactionFilter reads the list filter from query parameters. A
// bare "to" date includes that whole day.
func parseTransactionFilter(q url.Values) (gateway.TransactionFilter, error) {
	f := gateway.TransactionFilter{
		AccountID:  sanitizeInput(q.Get("account_id")),
		CategoryID: sanitizeInput(q.Get("category_id")),
		Type:       core.TransactionType(sanitizeInput(q.Get("type"))),
		DebtID:     sanitizeInput(q.Get("debt_id")),
	}
	if f.Type != "" && !f.Type.IsValid() {
		return f, core.NewValidationError("type", "must be income, expense or transfer")
	}

	var err error
	if f.From, err = parseTime("from", q.Get("from")); err != nil {
		return f, err
	}
	to := strings.TrimSpace(q.Get("to"))
	if f.To, err = parseTime("to", to); err != nil {
		return f, err
	}
	if len(to) == len(time.DateOnly) {
		f.To = f.To.Add(24*time.Hour - time.Nanosecond)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, core.NewValidationError("to", "must not be before from")
	}

	if f.MinAmount, err = parseAmount("min_amount", q.Get("min_amount")); err != nil {
		return f, err
	}
	if f.MaxAmount, err = parseAmount("max_amount", q.Get("max_amount")); err != nil {
		return f, err
	}
	if !f.MaxAmount.IsZero() && f.MaxAmount.LessThan(f.MinAmount) {
		return f, core.NewValidationError("max_amount", "must not be below min_amount")
	}
	return f, nil
}

// parseAmount reads an optional amount query value. Both 12.50 and 12,50
// are accepted.
func parseAmount(field, v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	d, err := core.ParseAmount(v)
	if err != nil {
		return decimal.Zero, core.NewValidationError(field, fmt.Sprintf("invalid amount %q", v))
	}
	return d, nil
}

// parseBool reads an optional boolean query flag.
func parseBool(q url.Values, key string) (bool, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, core.NewValidationError(key, fmt.Sprintf("invalid boolean %q", v))
	}
	return b, nil
}
