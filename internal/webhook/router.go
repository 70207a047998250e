package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/coursepay/internal/jobs"
)

// ErrUnroutable is returned for notification types with no job mapping.
// Callers treat it as a successful drop, not a failure.
var ErrUnroutable = errors.New("notification type not routable")

// ErrMissingResourceID is returned when a routable notification has no resource id.
var ErrMissingResourceID = errors.New("notification missing resource id")

// Enqueuer durably stores a job. *jobs.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (*jobs.Job, error)
}

// Payload is the job payload for every routed notification. Handlers fetch
// the authoritative resource themselves.
type Payload struct {
	ResourceID string `json:"resource_id"`
	CardID     string `json:"card_id,omitempty"`
}

var jobTypes = map[Type]string{
	TypePayment:             jobs.TypePaymentReconcile,
	TypeSubscriptionCreated: jobs.TypeSubscriptionCreated,
	TypeSubscriptionUpdated: jobs.TypeSubscriptionUpdated,
	TypeSubscriptionRenewed: jobs.TypeSubscriptionRenewed,
	TypeCardUpdated:         jobs.TypeCardUpdated,
	TypeChargeback:          jobs.TypeChargebackReconcile,
	TypeClaim:               jobs.TypeClaimReconcile,
}

// JobTypeFor returns the job type bound to a notification type.
func JobTypeFor(t Type) (string, bool) {
	jt, ok := jobTypes[t]
	return jt, ok
}

// Router turns verified envelopes into exactly one job each.
type Router struct {
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewRouter creates a router over the given enqueuer.
func NewRouter(enqueuer Enqueuer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{enqueuer: enqueuer, logger: logger}
}

// Route enqueues the job for env and returns its id.
// Unknown types are logged and dropped with ErrUnroutable.
func (r *Router) Route(ctx context.Context, env Envelope) (string, error) {
	jobType, ok := JobTypeFor(env.Type)
	if !ok {
		r.logger.WarnContext(ctx, "dropping unroutable notification",
			slog.String("notification_id", env.ID),
			slog.String("provider_type", env.ProviderType))
		return "", ErrUnroutable
	}
	if env.ResourceID == "" {
		return "", ErrMissingResourceID
	}

	job, err := r.enqueuer.Enqueue(ctx, jobType, Payload{ResourceID: env.ResourceID, CardID: env.CardID})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}

	r.logger.InfoContext(ctx, "notification routed",
		slog.String("notification_id", env.ID),
		slog.String("provider_type", env.ProviderType),
		slog.String("resource_id", env.ResourceID),
		slog.String("job_type", jobType),
		slog.String("job_id", job.ID))
	return job.ID, nil
}
