package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
)

// PaymentSubmitter is the payment service surface used by the handlers.
type PaymentSubmitter interface {
	SubmitCreditCard(ctx context.Context, userID, idempotencyKey string, req payment.CardPaymentRequest) (*payment.Result, error)
	SubmitPix(ctx context.Context, userID, idempotencyKey string, req payment.PixPaymentRequest) (*payment.Result, error)
	History(ctx context.Context, userID string) ([]*payment.Payment, error)
}

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	service PaymentSubmitter
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(service PaymentSubmitter) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// PaymentHistoryResponse lists a user's payments.
type PaymentHistoryResponse struct {
	Payments []*payment.Payment `json:"payments"`
}

// SubmitCreditCard charges a card once.
// POST /payments/credit-card
func (h *PaymentHandlers) SubmitCreditCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req payment.CardPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SubmitCreditCard(ctx, userID, middleware.GetIdempotencyKey(ctx), req)
	if err != nil {
		writePaymentError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusCreated, result)
}

// SubmitPix creates a PIX charge and returns its QR code.
// POST /payments/pix
func (h *PaymentHandlers) SubmitPix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req payment.PixPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SubmitPix(ctx, userID, middleware.GetIdempotencyKey(ctx), req)
	if err != nil {
		writePaymentError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusCreated, result)
}

// History returns the caller's payments, newest first.
// GET /payments/history
func (h *PaymentHandlers) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	payments, err := h.service.History(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load payment history", "user_id", userID, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load payment history")
		return
	}
	if payments == nil {
		payments = []*payment.Payment{}
	}
	writeJSON(w, ctx, http.StatusOK, PaymentHistoryResponse{Payments: payments})
}

func writePaymentError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidRequest):
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, payment.ErrDuplicateIdempotencyKey):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "A payment with this idempotency key already exists")
	default:
		writeProviderError(w, ctx, err, "Payment could not be processed")
	}
}

// writeProviderError maps provider failures to 502 and everything else to 500.
func writeProviderError(w http.ResponseWriter, ctx context.Context, err error, message string) {
	if ext, ok := provider.AsExternal(err); ok {
		slog.WarnContext(ctx, "payment provider call failed",
			"status_code", ext.StatusCode,
			"error", err,
		)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeProvider, message)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		slog.WarnContext(ctx, "payment provider call timed out", "error", err)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeProvider, message)
		return
	}
	slog.ErrorContext(ctx, "request failed", "error", err)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// requireUser returns the caller's user id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Missing "+middleware.UserIDHeader+" header")
		return "", false
	}
	return userID, true
}
