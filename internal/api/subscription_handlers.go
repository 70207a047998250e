package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/subscription"
)

// SubscriptionManager is the saga surface used by the handlers.
type SubscriptionManager interface {
	Create(ctx context.Context, req subscription.CreateRequest) (*subscription.Subscription, error)
	UpdateValue(ctx context.Context, userID string, amount int64) (*subscription.Subscription, error)
	UpdateStatus(ctx context.Context, userID, status string) (*subscription.Subscription, error)
	Cancel(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// SubscriptionReader loads the caller's live subscription.
type SubscriptionReader interface {
	GetLiveByUser(ctx context.Context, userID string) (*subscription.Subscription, error)
}

// SubscriptionHandlers holds dependencies for subscription-related HTTP handlers.
type SubscriptionHandlers struct {
	saga   SubscriptionManager
	reader SubscriptionReader
	cache  cache.Cache

	// loads collapses concurrent cache misses for the same user.
	loads singleflight.Group
}

// NewSubscriptionHandlers creates a new SubscriptionHandlers instance. c may be nil.
func NewSubscriptionHandlers(saga SubscriptionManager, reader SubscriptionReader, c cache.Cache) *SubscriptionHandlers {
	return &SubscriptionHandlers{saga: saga, reader: reader, cache: c}
}

// UpdateValueRequest changes the recurring amount.
type UpdateValueRequest struct {
	Amount int64 `json:"amount"` // cents
}

// UpdateStatusRequest changes the subscription status.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// Create starts a subscription for the caller.
// POST /subscriptions
func (h *SubscriptionHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req subscription.CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserID = userID

	sub, err := h.saga.Create(ctx, req)
	if err != nil {
		writeSubscriptionError(w, ctx, userID, err)
		return
	}
	writeJSON(w, ctx, http.StatusCreated, sub)
}

// Get returns the caller's live subscription.
// GET /subscriptions
func (h *SubscriptionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	key := cache.SubscriptionDetailsKey(userID)
	if h.cache != nil {
		var cached subscription.Subscription
		if err := cache.GetJSON(ctx, h.cache, key, &cached); err == nil {
			writeJSON(w, ctx, http.StatusOK, &cached)
			return
		}
	}

	v, err, _ := h.loads.Do(userID, func() (any, error) {
		sub, err := h.reader.GetLiveByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if h.cache != nil {
			if err := cache.SetJSON(ctx, h.cache, key, sub, cache.DefaultTTL); err != nil {
				slog.WarnContext(ctx, "failed to cache subscription details", "user_id", userID, "error", err)
			}
		}
		return sub, nil
	})
	if err != nil {
		writeSubscriptionError(w, ctx, userID, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, v.(*subscription.Subscription))
}

// UpdateValue changes the recurring amount of the caller's subscription.
// PUT /subscriptions/value
func (h *SubscriptionHandlers) UpdateValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req UpdateValueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sub, err := h.saga.UpdateValue(ctx, userID, req.Amount)
	if err != nil {
		writeSubscriptionError(w, ctx, userID, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, sub)
}

// UpdateStatus pauses, resumes or cancels the caller's subscription.
// PUT /subscriptions/status
func (h *SubscriptionHandlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sub, err := h.saga.UpdateStatus(ctx, userID, req.Status)
	if err != nil {
		writeSubscriptionError(w, ctx, userID, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, sub)
}

// Cancel cancels the caller's subscription.
// DELETE /subscriptions
func (h *SubscriptionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	sub, err := h.saga.Cancel(ctx, userID)
	if err != nil {
		writeSubscriptionError(w, ctx, userID, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, sub)
}

func writeSubscriptionError(w http.ResponseWriter, ctx context.Context, userID string, err error) {
	var consistencyErr *subscription.ConsistencyError
	switch {
	case errors.Is(err, subscription.ErrInvalidRequest):
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
	case errors.Is(err, subscription.ErrActiveSubscriptionExists):
		WriteError(w, ctx, http.StatusConflict, ErrCodeSubscriptionExists, "User already has an active subscription")
	case errors.Is(err, subscription.ErrPlanNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodePlanNotFound, "Plan not found")
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Subscription not found")
	case errors.Is(err, subscription.ErrInvalidStatusTransition):
		WriteError(w, ctx, http.StatusUnprocessableEntity, ErrCodeInvalidTransition, err.Error())
	case errors.As(err, &consistencyErr):
		slog.ErrorContext(ctx, "subscription state diverged from provider",
			"user_id", userID,
			"external_id", consistencyErr.ExternalID,
			"op", consistencyErr.Op,
			"error", err,
		)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeConsistency, "Subscription state could not be confirmed")
	default:
		writeProviderError(w, ctx, err, "Subscription provider request failed")
	}
}
