package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/webhook"
)

// maxWebhookBodyBytes bounds a notification body.
const maxWebhookBodyBytes = 1 << 20

// SignatureVerifier checks a notification signature. *webhook.Verifier implements it.
type SignatureVerifier interface {
	Verify(headers http.Header, resourceID string) bool
}

// NotificationRouter enqueues a verified notification. *webhook.Router implements it.
type NotificationRouter interface {
	Route(ctx context.Context, env webhook.Envelope) (string, error)
}

// WebhookHandlers holds dependencies for the provider notification endpoint.
type WebhookHandlers struct {
	verifier SignatureVerifier
	router   NotificationRouter
	now      func() time.Time
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(verifier SignatureVerifier, router NotificationRouter) *WebhookHandlers {
	return &WebhookHandlers{
		verifier: verifier,
		router:   router,
		now:      time.Now,
	}
}

// WebhookAccepted is the body of a 202 response.
type WebhookAccepted struct {
	JobID string `json:"job_id"`
}

// HandleNotification accepts a provider notification.
// POST /webhook/{provider}
//
// The body is parsed, its signature verified and exactly one job enqueued.
// Responds 202 when enqueued, 200 when the type is not handled (so the
// provider stops retrying), 400 on a bad signature or body, and 500 when the
// job could not be stored (so the provider retries).
func (h *WebhookHandlers) HandleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := r.PathValue("provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.WarnContext(ctx, "failed to read webhook body", "provider", providerName, "error", err)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}

	env, err := webhook.ParseNotification(body, r.URL.Query().Get("data.id"), h.now())
	if err != nil {
		slog.WarnContext(ctx, "malformed webhook notification", "provider", providerName, "error", err)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Malformed notification")
		return
	}

	if !h.verifier.Verify(r.Header, env.SignedID) {
		slog.WarnContext(ctx, "webhook signature verification failed",
			"provider", providerName,
			"notification_id", env.ID,
			"provider_type", env.ProviderType,
		)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "Invalid webhook signature")
		return
	}

	jobID, err := h.router.Route(ctx, env)
	switch {
	case errors.Is(err, webhook.ErrUnroutable):
		w.WriteHeader(http.StatusOK)
		return
	case errors.Is(err, webhook.ErrMissingResourceID):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Notification has no resource id")
		return
	case err != nil:
		slog.ErrorContext(ctx, "failed to enqueue webhook notification",
			"provider", providerName,
			"notification_id", env.ID,
			"request_id", middleware.GetRequestID(ctx),
			"error", err,
		)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to accept notification")
		return
	}

	writeJSON(w, ctx, http.StatusAccepted, WebhookAccepted{JobID: jobID})
}
