package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const claimAcknowledgement = "We received your claim and are reviewing it. We will reply here shortly."

// Chargeback records a disputed payment. The payment moves to charged_back
// and its subscription, if any, is cancelled in the same transaction.
func (h *Handlers) Chargeback(ctx context.Context, resourceID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.chargeback")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("chargeback.id", resourceID))

	remote, err := h.deps.Provider.GetChargeback(ctx, resourceID)
	if err != nil {
		return h.remoteError(ctx, "get chargeback", resourceID, err)
	}
	if len(remote.Payments) == 0 {
		h.logger.WarnContext(ctx, "chargeback has no related payments, skipping",
			slog.String("chargeback_id", resourceID))
		return nil
	}

	paymentExternalID := provider.PaymentID(remote.Payments[0])
	result, err := h.deps.Payments.ApplyChargeback(ctx, &payment.Chargeback{
		ExternalID:        remote.ID,
		PaymentExternalID: paymentExternalID,
		Amount:            provider.ToCents(remote.Amount),
		Status:            remote.Status,
	})
	if err != nil {
		return err
	}
	if !result.Applied {
		h.logger.InfoContext(ctx, "chargeback already processed",
			slog.String("chargeback_id", resourceID))
		return nil
	}

	logger := h.logger.With(
		slog.String("chargeback_id", resourceID),
		slog.String("payment_external_id", paymentExternalID))
	if result.PaymentID == "" {
		logger.WarnContext(ctx, "chargeback recorded for unknown payment")
		return nil
	}
	logger.InfoContext(ctx, "chargeback applied",
		slog.String("payment_id", result.PaymentID),
		slog.String("user_id", result.UserID),
		slog.Bool("subscription_cancelled", result.SubscriptionCancelled))

	keys := []string{cache.PaymentHistoryKey(result.UserID)}
	if result.SubscriptionCancelled {
		keys = append(keys, cache.SubscriptionDetailsKey(result.UserID))
	}
	h.invalidate(ctx, keys...)

	if h.deps.Publisher != nil {
		h.deps.Publisher.Publish(result.UserID, push.Update{
			PaymentID: result.PaymentID,
			Status:    payment.StatusChargedBack,
			Message:   payment.StatusMessage(payment.StatusChargedBack),
			Final:     true,
		})
	}

	msg, err := email.ChargebackReceived(result.PayerEmail, paymentExternalID)
	h.sendEmail(ctx, "chargeback_received", msg, err)
	return nil
}

// Claim records a dispute opened by the payer and notifies them.
func (h *Handlers) Claim(ctx context.Context, resourceID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.claim")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("claim.id", resourceID))

	remote, err := h.deps.Provider.GetClaim(ctx, resourceID)
	if err != nil {
		return h.remoteError(ctx, "get claim", resourceID, err)
	}

	claimID := strconv.FormatInt(remote.ID, 10)
	resourceType := claimResourceType(remote.Resource)
	userID, payerEmail, err := h.claimOwner(ctx, resourceType, remote.ResourceID)
	if err != nil {
		return err
	}

	logger := h.logger.With(
		slog.String("claim_id", claimID),
		slog.String("resource_type", resourceType),
		slog.String("resource_id", remote.ResourceID))
	if userID == "" {
		logger.WarnContext(ctx, "no local owner for claimed resource")
	}

	change, err := h.deps.Payments.RecordClaim(ctx, &payment.Claim{
		ExternalID:   claimID,
		ResourceID:   remote.ResourceID,
		ResourceType: resourceType,
		Type:         remote.Type,
		Stage:        remote.Stage,
		UserID:       userID,
		Status:       remote.Status,
	})
	if err != nil {
		return err
	}
	switch {
	case change.Inserted:
		logger.InfoContext(ctx, "claim recorded", slog.String("status", remote.Status))
	case change.Updated:
		logger.InfoContext(ctx, "claim updated",
			slog.String("from", change.PreviousStatus),
			slog.String("to", remote.Status),
			slog.String("stage", remote.Stage))
	default:
		logger.InfoContext(ctx, "claim already recorded")
		return nil
	}

	if userID != "" {
		switch {
		case change.Resolved(remote.Status):
			msg, err := email.ClaimResolved(payerEmail, claimID)
			h.sendEmail(ctx, "claim_resolved", msg, err)
		case change.Inserted:
			msg, err := email.ClaimOpened(payerEmail, claimID)
			h.sendEmail(ctx, "claim_opened", msg, err)
		}
	}

	if h.deps.AutoAcknowledgeClaims && change.Inserted && remote.Status == payment.ClaimStatusOpened {
		ack := provider.ClaimMessage{ReceiverRole: "complainant", Message: claimAcknowledgement}
		if err := h.deps.Provider.SendClaimMessage(ctx, claimID, ack); err != nil {
			logger.WarnContext(ctx, "claim acknowledgement failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func claimResourceType(resource string) string {
	if strings.Contains(resource, "payment") {
		return payment.ResourcePayment
	}
	return payment.ResourceSubscription
}

// claimOwner resolves the user behind a claimed payment or subscription.
// An unknown resource yields empty values, not an error.
func (h *Handlers) claimOwner(ctx context.Context, resourceType, resourceID string) (userID, payerEmail string, err error) {
	if resourceID == "" {
		return "", "", nil
	}
	if resourceType == payment.ResourcePayment {
		p, err := h.deps.Payments.GetByExternalID(ctx, resourceID)
		if errors.Is(err, payment.ErrPaymentNotFound) {
			return "", "", nil
		}
		if err != nil {
			return "", "", err
		}
		return p.UserID, p.PayerEmail, nil
	}
	s, err := h.deps.Subscriptions.GetByExternalID(ctx, resourceID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return s.UserID, s.PayerEmail, nil
}
