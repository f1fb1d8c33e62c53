// Package http exposes the ledger services as a JSON API.
//
// This file holds the response side: a small builder for JSON bodies and the
// mapping from domain errors to status codes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"famledger/internal/core"
	"famledger/internal/log"
)

// Error codes carried in the "code" field of every error body.
const (
	CodeMalformed      = "malformed_request"
	CodeUnauthorized   = "missing_family"
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodePartialFailure = "partial_failure"
	CodeTimeout        = "timeout"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal_error"
)

// JSONResponseBuilder provides a fluent API for JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{statusCode: http.StatusOK, headers: make(map[string]string)}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Body sets the value encoded as the response body. A nil body writes none.
func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// partialBody tells the client which writes committed and that retrying
// with the same idempotency key finishes the rest.
type partialBody struct {
	Error          string             `json:"error"`
	Code           string             `json:"code"`
	IntentKey      string             `json:"intent_key,omitempty"`
	TransactionID  string             `json:"transaction_id,omitempty"`
	CompletedSteps []core.PaymentStep `json:"completed_steps"`
	FailedStep     core.PaymentStep   `json:"failed_step"`
	Retryable      bool               `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	NewJSONResponse().Status(status).Body(v).Write(w)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeError maps err onto a status code and body. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		partial    *core.PartialFailureError
		validation *core.ValidationError
		malformed  *malformedError
	)

	switch {
	case errors.As(err, &partial):
		completed := partial.Completed
		if completed == nil {
			completed = []core.PaymentStep{}
		}
		writeJSON(w, http.StatusBadGateway, partialBody{
			Error:          partial.Error(),
			Code:           CodePartialFailure,
			IntentKey:      partial.IntentKey,
			TransactionID:  partial.TransactionID,
			CompletedSteps: completed,
			FailedStep:     partial.Failed,
			Retryable:      true,
		})
	case errors.As(err, &malformed):
		writeErrorCode(w, http.StatusBadRequest, CodeMalformed, malformed.Error())
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: validation.Error(),
			Code:  CodeValidation,
			Field: validation.Field,
		})
	case errors.Is(err, core.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, core.ErrConflict):
		writeErrorCode(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeErrorCode(w, http.StatusGatewayTimeout, CodeTimeout, "the data store did not answer in time")
	default:
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldPath, r.URL.Path,
			log.FieldError, err,
			log.FieldErrorType, log.ErrorTypeInternal)
		writeErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
