package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
	"github.com/onnwee/coursepay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Payment settles a local payment with the provider's status.
func (h *Handlers) Payment(ctx context.Context, resourceID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.payment")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("payment.external_id", resourceID))

	remote, err := h.deps.Provider.GetPaymentStatus(ctx, resourceID)
	if err != nil {
		return h.remoteError(ctx, "get payment", resourceID, err)
	}

	local, err := h.findPayment(ctx, resourceID, remote.ExternalReference)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		h.logger.InfoContext(ctx, "no local payment for notification",
			slog.String("external_id", resourceID),
			slog.String("external_reference", remote.ExternalReference))
		return nil
	}
	if err != nil {
		return err
	}

	status := provider.MapPaymentStatus(remote.Status)
	if local.Status == status && local.ExternalID != "" {
		h.logger.DebugContext(ctx, "payment already reconciled",
			slog.String("payment_id", local.ID),
			slog.String("status", local.Status))
		return nil
	}
	if local.IsFinal() {
		h.logger.InfoContext(ctx, "ignoring status for final payment",
			slog.String("payment_id", local.ID),
			slog.String("status", local.Status),
			slog.String("remote_status", status))
		return nil
	}

	changed, err := h.deps.Payments.TransitionStatus(ctx, local.ID, resourceID, status, remote.DateApproved)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		h.logger.InfoContext(ctx, "payment status transition refused",
			slog.String("payment_id", local.ID),
			slog.String("from", local.Status),
			slog.String("to", status))
		return nil
	}

	h.logger.InfoContext(ctx, "payment reconciled",
		slog.String("payment_id", local.ID),
		slog.String("external_id", resourceID),
		slog.String("from", local.Status),
		slog.String("to", status))

	h.invalidate(ctx, cache.PaymentHistoryKey(local.UserID))
	if h.deps.Publisher != nil {
		h.deps.Publisher.Publish(local.UserID, push.Update{
			PaymentID: local.ID,
			Status:    status,
			Message:   payment.StatusMessage(status),
			Final:     status != payment.StatusPending,
		})
	}
	if local.Status == status {
		// Only the provider id was linked.
		return nil
	}
	switch status {
	case payment.StatusApproved:
		msg, err := email.PaymentApproved(local.PayerEmail, local.Amount, resourceID)
		h.sendEmail(ctx, "payment_approved", msg, err)
	case payment.StatusRefunded:
		msg, err := email.PaymentRefunded(local.PayerEmail, local.Amount, resourceID)
		h.sendEmail(ctx, "payment_refunded", msg, err)
	case payment.StatusRejected, payment.StatusCancelled:
		msg, err := email.PaymentRejected(local.PayerEmail, local.Amount, resourceID, status)
		h.sendEmail(ctx, "payment_rejected", msg, err)
	}
	return nil
}

// findPayment looks a payment up by provider id, then by the reference the
// payment was created with, which covers notifications that arrive before
// the submitting request confirmed the row.
func (h *Handlers) findPayment(ctx context.Context, externalID, reference string) (*payment.Payment, error) {
	p, err := h.deps.Payments.GetByExternalID(ctx, externalID)
	if err == nil || !errors.Is(err, payment.ErrPaymentNotFound) || reference == "" {
		return p, err
	}
	p, err = h.deps.Payments.GetByIdempotencyKey(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p.ExternalID != "" && p.ExternalID != externalID {
		return nil, payment.ErrPaymentNotFound
	}
	return p, nil
}
