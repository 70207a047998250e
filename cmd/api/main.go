// Package main is the entry point for the payment API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/config"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/health"
	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/jobs"
	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/tracing"
	"github.com/onnwee/coursepay/migrations"
)

const (
	shutdownTimeout            = 10 * time.Second
	idempotencyCleanupInterval = time.Hour
	redisJobsBlockTimeout      = time.Second
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "optional YAML config file; environment variables take precedence")
	envFile := flag.String("env-file", config.DefaultDotEnvPath, "dotenv file loaded before reading the environment")
	migrateOnStart := flag.Bool("migrate", false, "apply pending database migrations before serving")
	flag.Parse()

	if *help {
		fmt.Println("Coursepay API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			slog.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrateOnStart {
		if err := migrations.Up(cfg.DatabaseURL, logger); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run connects to storage, serves HTTP and processes jobs until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	var sender email.Sender = email.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		sender = email.NewSMTPSender(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
	}

	infra := infrastructure{
		Payments:      payment.NewPostgresRepository(db, logger),
		Subscriptions: subscription.NewPostgresRepository(db, logger),
		JobBackend: jobs.NewRedisBackend(rdb, jobs.RedisBackendConfig{
			BlockTimeout: redisJobsBlockTimeout,
			Logger:       logger,
		}),
		Idempotency: idempotency.NewRedisStore(rdb, idempotency.DefaultRedisPrefix),
		Cache:       cache.NewRedisCache(rdb, "cache"),
		Requester: provider.NewHTTPRequester(provider.Config{
			BaseURL:     cfg.ProviderBaseURL,
			AccessToken: cfg.ProviderAccessToken,
			Timeout:     cfg.ProviderTimeout,
		}, nil, logger),
		Email: sender,
		newRateLimitStore: func(m *middleware.Metrics) middleware.RateLimitStore {
			return middleware.NewRedisRateLimitStore(rdb, "ratelimit", m)
		},
		DBChecker:       health.NewDBChecker(db),
		RedisChecker:    health.NewRedisChecker(rdb),
		ProviderChecker: health.NewProviderChecker(cfg.ProviderBaseURL),
	}

	app, err := newApplication(cfg, infra, logger)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      app.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(ctx, server, app, infra, logger)
}

// serve runs the HTTP server and job workers, then shuts both down when ctx ends.
// In-flight requests drain before workers stop so accepted notifications are not lost.
func serve(ctx context.Context, server *http.Server, app *application, infra infrastructure, logger *slog.Logger) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	app.Engine.Start(workerCtx)
	runCleanup(workerCtx, infra.Idempotency)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		app.Engine.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	app.Engine.Stop()
	cancelWorkers()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	return nil
}
