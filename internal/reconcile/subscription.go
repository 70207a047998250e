package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// SubscriptionCreated handles the provider's subscription creation notice.
func (h *Handlers) SubscriptionCreated(ctx context.Context, resourceID string) error {
	return h.syncSubscription(ctx, "reconcile.subscription_created", resourceID)
}

// SubscriptionUpdated handles any later change to a subscription.
func (h *Handlers) SubscriptionUpdated(ctx context.Context, resourceID string) error {
	return h.syncSubscription(ctx, "reconcile.subscription_updated", resourceID)
}

// syncSubscription converges the local row to the provider's current state.
// Both notification kinds fetch the same authoritative resource, so the
// result does not depend on the order in which they are delivered.
func (h *Handlers) syncSubscription(ctx context.Context, spanName, resourceID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, spanName)
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("subscription.external_id", resourceID))

	remote, err := h.deps.Provider.GetSubscription(ctx, resourceID)
	if err != nil {
		return h.remoteError(ctx, "get subscription", resourceID, err)
	}

	local, err := h.findSubscription(ctx, resourceID, remote.ExternalReference)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		h.logger.InfoContext(ctx, "no local subscription for notification",
			slog.String("external_id", resourceID),
			slog.String("external_reference", remote.ExternalReference))
		return nil
	}
	if err != nil {
		return err
	}

	logger := h.logger.With(
		slog.String("subscription_id", local.ID),
		slog.String("external_id", resourceID))

	if !local.IsLive() {
		logger.InfoContext(ctx, "subscription already ended, ignoring notification",
			slog.String("status", local.Status),
			slog.String("remote_status", remote.Status))
		return nil
	}

	next := *local
	next.ExternalID = resourceID
	if next.PayerID == "" && remote.PayerID != 0 {
		next.PayerID = strconv.FormatInt(remote.PayerID, 10)
	}
	if amount := remote.Amount(); amount > 0 {
		next.CurrentAmount = amount
	}
	if remote.CardID != "" {
		next.CardTokenID = remote.CardID
	}

	target := provider.MapSubscriptionStatus(remote.Status)
	activated := false
	var plan *subscription.Plan
	switch {
	case target == subscription.StatusPending:
		// Never move a confirmed subscription back to pending.
	case local.Status == subscription.StatusPending && target == subscription.StatusActive:
		plan, err = h.deps.Plans.GetPlan(ctx, local.PlanID)
		if err != nil && !errors.Is(err, subscription.ErrPlanNotFound) {
			return err
		}
		start := h.now().UTC()
		end := remote.NextPaymentDate
		if plan != nil {
			e := plan.AddPeriod(start)
			end = &e
		}
		next.CurrentPeriodStart = &start
		next.CurrentPeriodEnd = end
		next.Status = target
		activated = true
	default:
		next.Status = target
	}

	if sameSubscription(local, &next) {
		logger.DebugContext(ctx, "subscription already in sync")
		return nil
	}

	if err := h.deps.Subscriptions.Update(ctx, &next); err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}

	logger.InfoContext(ctx, "subscription reconciled",
		slog.String("from", local.Status),
		slog.String("to", next.Status),
		slog.Int64("amount", next.CurrentAmount))

	h.invalidate(ctx, cache.SubscriptionDetailsKey(local.UserID))

	if activated {
		planName := local.PlanID
		if plan != nil {
			planName = plan.Name
		}
		nextBilling := h.now()
		if next.CurrentPeriodEnd != nil {
			nextBilling = *next.CurrentPeriodEnd
		}
		msg, err := email.SubscriptionWelcome(next.PayerEmail, planName, nextBilling)
		h.sendEmail(ctx, "subscription_welcome", msg, err)
	}
	return nil
}

// findSubscription looks a subscription up by provider id, then by the local
// id sent as external reference when it was created. The second lookup
// covers a notification racing the saga's local confirmation.
func (h *Handlers) findSubscription(ctx context.Context, externalID, reference string) (*subscription.Subscription, error) {
	s, err := h.deps.Subscriptions.GetByExternalID(ctx, externalID)
	if err == nil || !errors.Is(err, subscription.ErrSubscriptionNotFound) || reference == "" {
		return s, err
	}
	s, err = h.deps.Subscriptions.GetByID(ctx, reference)
	if err != nil {
		return nil, err
	}
	if s.ExternalID != "" && s.ExternalID != externalID {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return s, nil
}

func sameSubscription(a, b *subscription.Subscription) bool {
	return a.Status == b.Status &&
		a.ExternalID == b.ExternalID &&
		a.PayerID == b.PayerID &&
		a.CurrentAmount == b.CurrentAmount &&
		a.CardTokenID == b.CardTokenID &&
		sameTime(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		sameTime(a.CurrentPeriodEnd, b.CurrentPeriodEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// SubscriptionRenewed records a recurring charge and extends the billing
// period it paid for.
func (h *Handlers) SubscriptionRenewed(ctx context.Context, resourceID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.subscription_renewed")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("authorized_payment.id", resourceID))

	ap, err := h.deps.Provider.GetAuthorizedPayment(ctx, resourceID)
	if err != nil {
		return h.remoteError(ctx, "get authorized payment", resourceID, err)
	}
	status := provider.MapPaymentStatus(ap.Payment.Status)
	if status != payment.StatusApproved && status != payment.StatusAuthorized {
		h.logger.InfoContext(ctx, "recurring charge not approved, nothing to renew",
			slog.String("authorized_payment_id", resourceID),
			slog.String("payment_status", ap.Payment.Status))
		return nil
	}

	sub, err := h.deps.Subscriptions.GetByExternalID(ctx, ap.PreapprovalID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		h.logger.InfoContext(ctx, "no local subscription for recurring charge",
			slog.String("external_id", ap.PreapprovalID))
		return nil
	}
	if err != nil {
		return err
	}
	logger := h.logger.With(
		slog.String("subscription_id", sub.ID),
		slog.String("authorized_payment_id", resourceID))

	if err := h.recordRenewalPayment(ctx, sub, ap, status); err != nil {
		return err
	}

	if !sub.IsLive() {
		logger.InfoContext(ctx, "subscription ended, not extending period", slog.String("status", sub.Status))
		return nil
	}
	now := h.now()
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		logger.DebugContext(ctx, "period already covers this charge",
			slog.Time("period_end", *sub.CurrentPeriodEnd))
		return nil
	}

	plan, err := h.deps.Plans.GetPlan(ctx, sub.PlanID)
	if errors.Is(err, subscription.ErrPlanNotFound) {
		logger.ErrorContext(ctx, "plan missing, cannot extend period", slog.String("plan_id", sub.PlanID))
		return nil
	}
	if err != nil {
		return err
	}

	from := now.UTC()
	if sub.CurrentPeriodEnd != nil {
		from = sub.CurrentPeriodEnd.UTC()
	}
	end := plan.AddPeriod(from)
	// A long-lapsed subscription is renewed from today rather than
	// accumulating missed periods.
	if !end.After(now) {
		from = now.UTC()
		end = plan.AddPeriod(from)
	}
	sub.CurrentPeriodStart = &from
	sub.CurrentPeriodEnd = &end
	sub.Status = subscription.StatusActive
	if err := h.deps.Subscriptions.Update(ctx, sub); err != nil {
		return err
	}

	logger.InfoContext(ctx, "subscription renewed", slog.Time("period_end", end))
	h.invalidate(ctx, cache.SubscriptionDetailsKey(sub.UserID), cache.PaymentHistoryKey(sub.UserID))

	msg, err := email.SubscriptionRenewed(sub.PayerEmail, end)
	h.sendEmail(ctx, "subscription_renewed", msg, err)
	return nil
}

// recordRenewalPayment stores the recurring charge so later disputes can be
// traced back to the subscription. Keyed by the authorized payment id.
func (h *Handlers) recordRenewalPayment(ctx context.Context, sub *subscription.Subscription, ap *provider.AuthorizedPayment, status string) error {
	p := &payment.Payment{
		UserID:         sub.UserID,
		ExternalID:     provider.PaymentID(ap.Payment.ID),
		SubscriptionID: sub.ID,
		Method:         payment.MethodCreditCard,
		Status:         status,
		Amount:         provider.ToCents(ap.TransactionAmount),
		PayerEmail:     sub.PayerEmail,
		IdempotencyKey: "renewal-" + provider.PaymentID(ap.ID),
		ApprovedAt:     ap.DebitDate,
	}
	if ap.Payment.ID == 0 {
		p.ExternalID = ""
	}
	err := h.deps.Payments.Create(ctx, p)
	if errors.Is(err, payment.ErrDuplicateIdempotencyKey) || errors.Is(err, payment.ErrDuplicateExternalID) {
		// Already recorded, either by a redelivery or by the payment notification.
		return nil
	}
	return err
}

// CardUpdated replaces the card stored on the customer's active subscription.
func (h *Handlers) CardUpdated(ctx context.Context, customerID, cardID string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.card_updated")
	defer func() { endSpan(err) }()

	logger := h.logger.With(slog.String("customer_id", customerID), slog.String("card_id", cardID))
	if cardID == "" {
		logger.WarnContext(ctx, "card update without card id, skipping")
		return nil
	}

	sub, err := h.deps.Subscriptions.GetActiveByCustomerID(ctx, customerID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		logger.InfoContext(ctx, "no active subscription for customer")
		return nil
	}
	if err != nil {
		return err
	}
	if sub.CardTokenID == cardID && sub.LastFourDigits != "" {
		logger.DebugContext(ctx, "card already current", slog.String("subscription_id", sub.ID))
		return nil
	}

	card, err := h.deps.Provider.GetCardDetails(ctx, customerID, cardID)
	if err != nil {
		return h.remoteError(ctx, "get card", customerID+"/"+cardID, err)
	}

	sub.CardTokenID = cardID
	if card.ID != "" {
		sub.CardTokenID = card.ID
	}
	sub.LastFourDigits = card.LastFourDigits
	if err := h.deps.Subscriptions.Update(ctx, sub); err != nil {
		return err
	}

	logger.InfoContext(ctx, "subscription card updated",
		slog.String("subscription_id", sub.ID),
		slog.String("last_four", card.LastFourDigits))
	h.invalidate(ctx, cache.SubscriptionDetailsKey(sub.UserID))

	msg, err := email.CardUpdated(sub.PayerEmail, card.LastFourDigits)
	h.sendEmail(ctx, "card_updated", msg, err)
	return nil
}
