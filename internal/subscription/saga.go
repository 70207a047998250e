package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/tracing"
	"github.com/onnwee/coursepay/internal/validate"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultRemoteTimeout bounds each provider call made by the saga.
const DefaultRemoteTimeout = 5 * time.Second

var (
	// ErrActiveSubscriptionExists is returned when the user already has a live subscription.
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")

	// ErrInvalidStatusTransition is returned for status changes the lifecycle does not allow.
	ErrInvalidStatusTransition = errors.New("invalid subscription status transition")

	// ErrInvalidRequest is returned for missing or malformed input.
	ErrInvalidRequest = errors.New("invalid subscription request")
)

// ConsistencyError means the provider and the local store may disagree:
// a remote change succeeded but the local write that should follow it failed.
type ConsistencyError struct {
	ExternalID string
	Op         string
	Err        error
	// CompensationErr is set when the compensating provider call also failed.
	CompensationErr error
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("subscription %s: %s: local state diverged from provider: %v", e.ExternalID, e.Op, e.Err)
	if e.CompensationErr != nil {
		msg += fmt.Sprintf(" (compensation failed: %v)", e.CompensationErr)
	}
	return msg
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// RemoteClient is the subset of the provider client the saga drives.
// *provider.Client implements it.
type RemoteClient interface {
	CreateSubscription(ctx context.Context, req provider.CreateSubscriptionRequest) (*provider.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id, status string) (*provider.Subscription, error)
	UpdateSubscriptionValue(ctx context.Context, id string, amount int64) (*provider.Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*provider.Subscription, error)
}

// Invalidator drops cached views. cache.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// SagaConfig configures a Saga.
type SagaConfig struct {
	RemoteTimeout time.Duration
	// BackURL is where the provider redirects the payer after checkout.
	BackURL string
	Logger  *slog.Logger
}

// CreateRequest is the input of Saga.Create.
type CreateRequest struct {
	UserID      string `json:"-"`
	PlanID      string `json:"plan_id"`
	PayerEmail  string `json:"payer_email"`
	CardTokenID string `json:"card_token_id"`
	CustomerID  string `json:"customer_id,omitempty"`
}

// Saga keeps local subscriptions consistent with the provider across
// create, value and status changes.
type Saga struct {
	repo   Repository
	plans  PlanRepository
	remote RemoteClient
	cache  Invalidator
	cfg    SagaConfig
	now    func() time.Time
	locks  userLocks
}

// NewSaga creates a saga coordinator. cache may be nil.
func NewSaga(repo Repository, plans PlanRepository, remote RemoteClient, cache Invalidator, cfg SagaConfig) *Saga {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Saga{
		repo:   repo,
		plans:  plans,
		remote: remote,
		cache:  cache,
		cfg:    cfg,
		now:    time.Now,
		locks:  userLocks{locks: make(map[string]*userLock)},
	}
}

// Create inserts a pending row, creates the remote subscription and confirms
// the row. A remote failure deletes the row; a failed confirmation cancels
// the remote subscription and returns *ConsistencyError.
func (s *Saga) Create(ctx context.Context, req CreateRequest) (sub *Subscription, err error) {
	if req.UserID == "" || req.PlanID == "" || req.PayerEmail == "" || req.CardTokenID == "" {
		return nil, fmt.Errorf("%w: user, plan, payer email and card token are required", ErrInvalidRequest)
	}
	payerEmail, err := validate.Email(req.PayerEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: payer email: %v", ErrInvalidRequest, err)
	}
	if _, err := validate.ProviderID(req.CardTokenID); err != nil {
		return nil, fmt.Errorf("%w: card token: %v", ErrInvalidRequest, err)
	}
	req.PayerEmail = payerEmail

	ctx, endSpan := tracing.StartSpan(ctx, "subscription.create")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("user.id", req.UserID), attribute.String("plan.id", req.PlanID))

	unlock := s.locks.lock(req.UserID)
	defer unlock()

	logger := s.cfg.Logger.With(slog.String("user_id", req.UserID), slog.String("plan_id", req.PlanID))

	plan, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetLiveByUser(ctx, req.UserID); err == nil {
		return nil, ErrActiveSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	local := &Subscription{
		UserID:        req.UserID,
		PlanID:        plan.ID,
		Status:        StatusPending,
		CurrentAmount: plan.Amount,
		CardTokenID:   req.CardTokenID,
		CustomerID:    req.CustomerID,
		PayerEmail:    req.PayerEmail,
	}
	if err := s.repo.Create(ctx, local); err != nil {
		return nil, fmt.Errorf("failed to create pending subscription: %w", err)
	}
	tracing.AddEvent(ctx, "pending_row_created", attribute.String("subscription.id", local.ID))

	remoteCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	remote, err := s.remote.CreateSubscription(remoteCtx, provider.CreateSubscriptionRequest{
		PreapprovalPlanID: plan.ExternalPlanID,
		Reason:            plan.Name,
		ExternalReference: local.ID,
		PayerEmail:        req.PayerEmail,
		CardTokenID:       req.CardTokenID,
		BackURL:           s.cfg.BackURL,
		AutoRecurring: &provider.AutoRecurring{
			Frequency:         plan.FrequencyInterval,
			FrequencyType:     plan.ProviderFrequencyType(),
			TransactionAmount: provider.FromCents(plan.Amount),
			CurrencyID:        provider.CurrencyBRL,
		},
		Status: provider.RemoteSubscriptionStatus(StatusActive),
	})
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "remote subscription create failed, removing pending row",
			slog.String("subscription_id", local.ID),
			slog.String("error", err.Error()))
		if derr := s.repo.Delete(detached(ctx), local.ID); derr != nil {
			logger.ErrorContext(ctx, "failed to remove pending subscription",
				slog.String("subscription_id", local.ID),
				slog.String("error", derr.Error()))
		}
		return nil, err
	}

	now := s.now()
	end := plan.AddPeriod(now)
	local.ExternalID = remote.ID
	if remote.PayerID != 0 {
		local.PayerID = strconv.FormatInt(remote.PayerID, 10)
	}
	local.Status = provider.MapSubscriptionStatus(remote.Status)
	local.CurrentPeriodStart = &now
	local.CurrentPeriodEnd = &end
	if amount := remote.Amount(); amount > 0 {
		local.CurrentAmount = amount
	}

	if err := s.repo.Update(ctx, local); err != nil {
		cerr := &ConsistencyError{ExternalID: remote.ID, Op: "create", Err: err}
		compCtx, cancel := context.WithTimeout(detached(ctx), s.cfg.RemoteTimeout)
		_, cerr.CompensationErr = s.remote.CancelSubscription(compCtx, remote.ID)
		cancel()
		logger.ErrorContext(ctx, "local confirm failed after remote create, compensating cancel issued",
			slog.String("subscription_id", local.ID),
			slog.String("external_id", remote.ID),
			slog.String("error", err.Error()),
			slog.Bool("compensated", cerr.CompensationErr == nil))
		if cerr.CompensationErr == nil {
			if derr := s.repo.Delete(detached(ctx), local.ID); derr != nil {
				logger.WarnContext(ctx, "failed to remove unconfirmed subscription row",
					slog.String("subscription_id", local.ID),
					slog.String("error", derr.Error()))
			}
		}
		return nil, cerr
	}

	s.invalidate(ctx, req.UserID)
	logger.InfoContext(ctx, "subscription created",
		slog.String("subscription_id", local.ID),
		slog.String("external_id", local.ExternalID),
		slog.String("status", local.Status))
	return local, nil
}

// UpdateValue changes the recurring amount (cents) of the user's live subscription.
func (s *Saga) UpdateValue(ctx context.Context, userID string, amount int64) (sub *Subscription, err error) {
	if userID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "subscription.update_value")
	defer func() { endSpan(err) }()

	unlock := s.locks.lock(userID)
	defer unlock()

	sub, err = s.linkedLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	previous := sub.CurrentAmount
	sub.CurrentAmount = amount
	err = s.optimistic(ctx, sub, "update_value", func(rctx context.Context) error {
		_, err := s.remote.UpdateSubscriptionValue(rctx, sub.ExternalID, amount)
		return err
	}, func(prev *Subscription) {
		prev.CurrentAmount = previous
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// UpdateStatus moves the user's live subscription to status
// (active, paused or cancelled).
func (s *Saga) UpdateStatus(ctx context.Context, userID, status string) (sub *Subscription, err error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "subscription.update_status")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("subscription.target_status", status))

	unlock := s.locks.lock(userID)
	defer unlock()

	sub, err = s.linkedLiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, sub.Status, status)
	}

	previous := sub.Status
	sub.Status = status
	err = s.optimistic(ctx, sub, "update_status", func(rctx context.Context) error {
		_, err := s.remote.UpdateSubscriptionStatus(rctx, sub.ExternalID, status)
		return err
	}, func(prev *Subscription) {
		prev.Status = previous
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Cancel cancels the user's live subscription.
func (s *Saga) Cancel(ctx context.Context, userID string) (*Subscription, error) {
	return s.UpdateStatus(ctx, userID, StatusCancelled)
}

// CanTransition reports whether a user may move a subscription from one status to another.
func CanTransition(from, to string) bool {
	switch to {
	case StatusActive:
		return from == StatusPaused
	case StatusPaused:
		return from == StatusActive
	case StatusCancelled:
		return from == StatusActive || from == StatusPaused || from == StatusPending
	default:
		return false
	}
}

func (s *Saga) linkedLiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := s.repo.GetLiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalID == "" {
		// Create still in flight or never confirmed.
		return nil, fmt.Errorf("%w: subscription has no provider id yet", ErrInvalidStatusTransition)
	}
	return sub, nil
}

// optimistic writes sub locally, runs remote, and reverts the local write
// with revert if remote fails.
func (s *Saga) optimistic(ctx context.Context, sub *Subscription, op string, remote func(context.Context) error, revert func(*Subscription)) error {
	logger := s.cfg.Logger.With(
		slog.String("user_id", sub.UserID),
		slog.String("subscription_id", sub.ID),
		slog.String("op", op))

	if err := s.repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to write subscription: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	err := remote(rctx)
	cancel()
	if err != nil {
		revert(sub)
		if rerr := s.repo.Update(detached(ctx), sub); rerr != nil {
			logger.ErrorContext(ctx, "failed to revert subscription after provider rejection",
				slog.String("error", rerr.Error()),
				slog.String("provider_error", err.Error()))
			return &ConsistencyError{ExternalID: sub.ExternalID, Op: op, Err: rerr}
		}
		logger.WarnContext(ctx, "provider rejected change, local write reverted",
			slog.String("error", err.Error()))
		return err
	}

	s.invalidate(ctx, sub.UserID)
	logger.InfoContext(ctx, "subscription updated",
		slog.String("status", sub.Status),
		slog.Int64("amount", sub.CurrentAmount))
	return nil
}

func (s *Saga) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cache.SubscriptionDetailsKey(userID)); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to invalidate subscription cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}

// detached returns a context that keeps ctx's values but not its cancellation,
// so compensation still runs when the caller has gone away.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// userLocks serializes saga operations per user within this process.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
