package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/justinas/alice"

	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/middleware"
)

// IdempotentRoutes are the POST routes that require X-Idempotency-Key.
var IdempotentRoutes = map[string]bool{
	"/payments/credit-card": true,
	"/payments/pix":         true,
}

// RouterConfig wires handlers and cross-cutting middleware into one http.Handler.
// Nil handler groups are not mounted.
type RouterConfig struct {
	Webhooks      *WebhookHandlers
	Payments      *PaymentHandlers
	Subscriptions *SubscriptionHandlers
	Jobs          *JobsHandlers
	Push          *PaymentWebSocketHandlers
	Health        *HealthHandlers

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	// HTTPMetrics records request counters and latencies when set.
	HTTPMetrics *middleware.Metrics

	IdempotencyStore idempotency.Store
	IdempotencyTTL   time.Duration

	// RateLimitStore enables per-route rate limiting when set.
	RateLimitStore middleware.RateLimitStore
	PaymentLimit   middleware.RateLimitConfig
	WebhookLimit   middleware.RateLimitConfig

	// InternalToken guards /internal routes. Empty keeps them closed.
	InternalToken string

	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string

	// TracingService enables otelhttp spans under this service name when set.
	TracingService string
	Logger         *slog.Logger
}

// NewRouter builds the HTTP surface of the service.
//
// Middleware order, outermost first: tracing, CORS, request id, user id,
// logging, HTTP metrics, idempotency. Rate limits wrap individual routes.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PaymentLimit.RequestsPerWindow == 0 {
		cfg.PaymentLimit = middleware.DefaultPaymentLimit()
	}
	if cfg.WebhookLimit.RequestsPerWindow == 0 {
		cfg.WebhookLimit = middleware.DefaultWebhookLimit()
	}

	limit := func(config middleware.RateLimitConfig, keyFunc middleware.KeyFunc, h http.HandlerFunc) http.Handler {
		if cfg.RateLimitStore == nil {
			return h
		}
		return middleware.RateLimiter(cfg.RateLimitStore, config, keyFunc, cfg.HTTPMetrics)(h)
	}

	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if h := cfg.Webhooks; h != nil {
		mux.Handle("POST /webhook/{provider}", limit(cfg.WebhookLimit, middleware.IPKeyFunc(), h.HandleNotification))
	}

	if h := cfg.Payments; h != nil {
		mux.Handle("POST /payments/credit-card", limit(cfg.PaymentLimit, middleware.UserKeyFunc(), h.SubmitCreditCard))
		mux.Handle("POST /payments/pix", limit(cfg.PaymentLimit, middleware.UserKeyFunc(), h.SubmitPix))
		mux.HandleFunc("GET /payments/history", h.History)
	}

	if h := cfg.Subscriptions; h != nil {
		mux.Handle("POST /subscriptions", limit(cfg.PaymentLimit, middleware.UserKeyFunc(), h.Create))
		mux.HandleFunc("GET /subscriptions", h.Get)
		mux.HandleFunc("DELETE /subscriptions", h.Cancel)
		mux.HandleFunc("PUT /subscriptions/value", h.UpdateValue)
		mux.HandleFunc("PUT /subscriptions/status", h.UpdateStatus)
	}

	if h := cfg.Push; h != nil {
		mux.HandleFunc("GET /ws/payments", h.Subscribe)
	}

	if h := cfg.Jobs; h != nil {
		internal := alice.New(middleware.InternalAuth(cfg.InternalToken))
		mux.Handle("GET /internal/jobs/dead", internal.ThenFunc(h.ListDead))
		mux.Handle("POST /internal/jobs/{id}/requeue", internal.ThenFunc(h.Requeue))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{"service": "coursepay", "version": "0.1.0"})
	})

	chain := alice.New()
	if cfg.TracingService != "" {
		chain = chain.Append(middleware.Tracing(cfg.TracingService))
	}
	if len(cfg.AllowedOrigins) > 0 {
		chain = chain.Append(middleware.CORS(cfg.AllowedOrigins))
	}
	chain = chain.Append(middleware.RequestID, middleware.UserID, middleware.Logging(cfg.Logger))
	if cfg.HTTPMetrics != nil {
		chain = chain.Append(middleware.HTTPMetrics(cfg.HTTPMetrics))
	}
	if cfg.IdempotencyStore != nil {
		chain = chain.Append(middleware.IdempotencyMiddleware(cfg.IdempotencyStore, IdempotentRoutes, cfg.IdempotencyTTL))
	}
	return chain.Then(mux)
}
