package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/coursepay/internal/api"
	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/config"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/jobs"
	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
	"github.com/onnwee/coursepay/internal/reconcile"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/webhook"
)

const serviceName = "coursepay-api"

// subscriptionStore is satisfied by both subscription repositories.
type subscriptionStore interface {
	subscription.Repository
	subscription.PlanRepository
}

// infrastructure holds the storage and transport the application runs on.
// main builds it from Postgres and Redis; tests build it in memory.
type infrastructure struct {
	Payments      payment.Repository
	Subscriptions subscriptionStore
	JobBackend    jobs.Backend
	Idempotency   idempotency.Store
	Cache         cache.Cache
	Requester     provider.Requester
	Email         email.Sender

	// newRateLimitStore receives the HTTP metrics so Redis errors are counted.
	newRateLimitStore func(*middleware.Metrics) middleware.RateLimitStore

	DBChecker       api.HealthChecker
	RedisChecker    api.HealthChecker
	ProviderChecker api.HealthChecker
}

// application is the fully wired service.
type application struct {
	Handler     http.Handler
	Engine      *jobs.Engine
	Broadcaster *push.Broadcaster
	Registry    *prometheus.Registry
}

// newApplication wires domain services, background jobs and the HTTP router.
func newApplication(cfg *config.Config, infra infrastructure, logger *slog.Logger) (*application, error) {
	registry := prometheus.NewRegistry()
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return nil, err
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		return nil, err
	}

	client := provider.NewClient(infra.Requester)
	broadcaster := push.NewBroadcaster(logger)

	engine := jobs.NewEngine(infra.JobBackend, jobs.EngineConfig{
		Workers: cfg.JobsWorkers,
		Logger:  logger,
		Metrics: jobMetrics,
	})

	handlers := reconcile.New(reconcile.Deps{
		Provider:              client,
		Payments:              infra.Payments,
		Subscriptions:         infra.Subscriptions,
		Plans:                 infra.Subscriptions,
		Cache:                 infra.Cache,
		Publisher:             broadcaster,
		Email:                 infra.Email,
		AutoAcknowledgeClaims: cfg.AutoAckClaims,
		Logger:                logger,
	})
	handlers.Register(engine, jobs.RetryPolicy{
		MaxAttempts: cfg.JobsMaxAttempts,
		Backoff:     cfg.JobsBackoff,
		Exponential: true,
	})

	payments := payment.NewService(infra.Payments, client, broadcaster, infra.Cache, payment.ServiceConfig{
		NotificationURL: cfg.NotificationURL,
		RemoteTimeout:   cfg.ProviderTimeout,
		Logger:          logger,
	})
	saga := subscription.NewSaga(infra.Subscriptions, infra.Subscriptions, client, infra.Cache, subscription.SagaConfig{
		RemoteTimeout: cfg.SagaRemoteTimeout,
		BackURL:       cfg.SubscriptionBackURL,
		Logger:        logger,
	})

	verifier := webhook.NewVerifier(webhook.VerifierConfig{
		Secret:        cfg.ProviderWebhookSecret,
		AllowUnsigned: cfg.WebhookAllowUnsigned,
		Production:    cfg.IsProduction(),
	}, logger)

	var rateLimits middleware.RateLimitStore
	if infra.newRateLimitStore != nil {
		rateLimits = infra.newRateLimitStore(httpMetrics)
	}

	var tracingService string
	if cfg.TracingEnabled {
		tracingService = serviceName
	}

	handler := api.NewRouter(api.RouterConfig{
		Webhooks:      api.NewWebhookHandlers(verifier, webhook.NewRouter(engine, logger)),
		Payments:      api.NewPaymentHandlers(payments),
		Subscriptions: api.NewSubscriptionHandlers(saga, infra.Subscriptions, infra.Cache),
		Jobs:          api.NewJobsHandlers(engine),
		Push:          api.NewPaymentWebSocketHandlers(broadcaster, cfg.AllowedOrigins),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			DBChecker:       infra.DBChecker,
			RedisChecker:    infra.RedisChecker,
			ProviderChecker: infra.ProviderChecker,
			MetricsEnabled:  true,
		}),
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		HTTPMetrics:      httpMetrics,
		IdempotencyStore: infra.Idempotency,
		IdempotencyTTL:   cfg.IdempotencyTTL,
		RateLimitStore:   rateLimits,
		InternalToken:    cfg.InternalToken,
		AllowedOrigins:   cfg.AllowedOrigins,
		TracingService:   tracingService,
		Logger:           logger,
	})

	return &application{
		Handler:     handler,
		Engine:      engine,
		Broadcaster: broadcaster,
		Registry:    registry,
	}, nil
}

// runCleanup sweeps expired idempotency records for stores that need it.
// Redis expires keys on its own and is skipped.
func runCleanup(ctx context.Context, store idempotency.Store) {
	if sweeper, ok := store.(idempotency.Sweeper); ok {
		go idempotency.RunPeriodicCleanup(ctx, sweeper, idempotencyCleanupInterval)
	}
}
