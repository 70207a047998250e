// Package reconcile converges local payment and subscription records to the
// provider's authoritative state. Each handler receives only a resource id,
// fetches the resource from the provider and applies the difference.
//
// Handlers are safe to run more than once for the same resource: every
// mutation is either conditional on the current local state or guarded by a
// unique index, so redelivered notifications and retried jobs are no-ops.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/jobs"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/webhook"
)

// Provider is the read side of the provider API used by the handlers.
type Provider interface {
	GetPaymentStatus(ctx context.Context, id string) (*provider.Payment, error)
	GetSubscription(ctx context.Context, id string) (*provider.Subscription, error)
	GetAuthorizedPayment(ctx context.Context, id string) (*provider.AuthorizedPayment, error)
	GetCardDetails(ctx context.Context, customerID, cardID string) (*provider.Card, error)
	GetChargeback(ctx context.Context, id string) (*provider.Chargeback, error)
	GetClaim(ctx context.Context, id string) (*provider.Claim, error)
	SendClaimMessage(ctx context.Context, claimID string, msg provider.ClaimMessage) error
}

// Deps holds the collaborators shared by every handler.
// Cache, Publisher and Email are optional.
type Deps struct {
	Provider      Provider
	Payments      payment.Repository
	Subscriptions subscription.Repository
	Plans         subscription.PlanRepository
	Cache         cache.Cache
	Publisher     payment.Publisher
	Email         email.Sender

	// AutoAcknowledgeClaims replies to newly opened claims through the provider.
	AutoAcknowledgeClaims bool

	Logger *slog.Logger
}

// Handlers implements one reconciliation routine per notification type.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates the handlers.
func New(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{deps: deps, logger: logger, now: time.Now}
}

// Registrar is implemented by *jobs.Engine.
type Registrar interface {
	Register(jobType string, h jobs.Handler, policy jobs.RetryPolicy)
}

// Register binds every handler to its job type.
func (h *Handlers) Register(r Registrar, policy jobs.RetryPolicy) {
	r.Register(jobs.TypePaymentReconcile, h.resource(h.Payment), policy)
	r.Register(jobs.TypeSubscriptionCreated, h.resource(h.SubscriptionCreated), policy)
	r.Register(jobs.TypeSubscriptionUpdated, h.resource(h.SubscriptionUpdated), policy)
	r.Register(jobs.TypeSubscriptionRenewed, h.resource(h.SubscriptionRenewed), policy)
	r.Register(jobs.TypeChargebackReconcile, h.resource(h.Chargeback), policy)
	r.Register(jobs.TypeClaimReconcile, h.resource(h.Claim), policy)
	r.Register(jobs.TypeCardUpdated, jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) error {
		p, err := h.decode(ctx, job)
		if err != nil || p.ResourceID == "" {
			return err
		}
		return h.CardUpdated(ctx, p.ResourceID, p.CardID)
	}), policy)
}

// resource adapts a resource-id handler to the job engine.
func (h *Handlers) resource(fn func(ctx context.Context, resourceID string) error) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) error {
		p, err := h.decode(ctx, job)
		if err != nil || p.ResourceID == "" {
			return err
		}
		return fn(ctx, p.ResourceID)
	})
}

func (h *Handlers) decode(ctx context.Context, job *jobs.Job) (webhook.Payload, error) {
	var p webhook.Payload
	if err := job.Decode(&p); err != nil {
		return p, jobs.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	if p.ResourceID == "" {
		h.logger.WarnContext(ctx, "job has no resource id, skipping",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type))
	}
	return p, nil
}

// remoteError classifies a provider failure. A missing resource ends the job
// successfully, a rejected request dead-letters it, everything else retries.
func (h *Handlers) remoteError(ctx context.Context, op, resourceID string, err error) error {
	if provider.IsNotFound(err) {
		h.logger.WarnContext(ctx, "provider resource not found, skipping",
			slog.String("op", op),
			slog.String("resource_id", resourceID))
		return nil
	}
	wrapped := fmt.Errorf("%s %s: %w", op, resourceID, err)
	if provider.IsPermanent(err) {
		return jobs.Permanent(wrapped)
	}
	return wrapped
}

func (h *Handlers) invalidate(ctx context.Context, keys ...string) {
	if h.deps.Cache == nil || len(keys) == 0 {
		return
	}
	if err := h.deps.Cache.Invalidate(ctx, keys...); err != nil {
		h.logger.WarnContext(ctx, "cache invalidation failed",
			slog.Any("keys", keys),
			slog.String("error", err.Error()))
	}
}

// sendEmail delivers msg if a sender is configured. Failures are logged and
// never fail the job: the state change has already been committed.
func (h *Handlers) sendEmail(ctx context.Context, kind string, msg email.Message, err error) {
	if h.deps.Email == nil {
		return
	}
	if err == nil {
		err = h.deps.Email.Send(ctx, msg)
	}
	if err != nil && !errors.Is(err, email.ErrNoRecipient) {
		h.logger.WarnContext(ctx, "notification email failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}
}
