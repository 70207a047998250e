// Package api implements the HTTP surface of the payment service: webhook
// ingress, payment submission, subscription management, the payment push
// channel and operator endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/coursepay/internal/middleware"
)

// Error codes returned in the "code" field of error responses.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeBadRequest  = "bad_request"
	ErrCodeAuthFailed  = "auth_failed"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"

	ErrCodeInvalidSignature   = "invalid_signature"
	ErrCodeSubscriptionExists = "subscription_exists"
	ErrCodePlanNotFound       = "plan_not_found"
	ErrCodeInvalidTransition  = "invalid_status_transition"

	// ErrCodeProvider means the payment provider rejected or failed the call.
	ErrCodeProvider = "provider_error"
	// ErrCodeConsistency means the provider accepted a change that could not
	// be stored locally; reconciliation will repair it.
	ErrCodeConsistency = "consistency_error"
)

// maxRequestBodyBytes bounds JSON request bodies.
const maxRequestBodyBytes = 64 << 10

// ErrorResponse is the body of every error: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes an error envelope with status and hands code to the
// logging middleware. A code already stored in ctx takes precedence for
// logging only.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	if middleware.GetErrorCode(ctx) == "" {
		ctx = middleware.SetErrorCode(ctx, code)
	}
	middleware.UpdateResponseContext(w, ctx)

	writeJSON(w, ctx, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// decodeJSON decodes a bounded request body into v or writes 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(v); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body")
		return false
	}
	return true
}
