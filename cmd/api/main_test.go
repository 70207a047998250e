package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/coursepay/internal/api"
	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/config"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/jobs"
	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/subscription"
	"github.com/onnwee/coursepay/internal/webhook"
)

const testSecret = "whsec_app_test"

// fakeProvider serves the payment endpoints used by the pix flow.
// The payment is pending when created and approved when read back.
func fakeProvider(t *testing.T, creates *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments", func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":555,"status":"pending","point_of_interaction":{"transaction_data":{"qr_code":"000201pix"}}}`)
	})
	mux.HandleFunc("GET /v1/payments/555", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":555,"status":"approved","date_approved":"2026-01-02T15:04:05Z"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                   "test",
		ProviderWebhookSecret: testSecret,
		ProviderTimeout:       2 * time.Second,
		IdempotencyTTL:        time.Hour,
		JobsWorkers:           1,
		JobsMaxAttempts:       3,
		JobsBackoff:           time.Second,
		SagaRemoteTimeout:     2 * time.Second,
	}
}

func memoryInfrastructure(providerURL string, logger *slog.Logger) infrastructure {
	return infrastructure{
		Payments:      payment.NewInMemoryRepository(nil),
		Subscriptions: subscription.NewInMemoryRepository(),
		JobBackend:    jobs.NewMemoryBackend(),
		Idempotency:   idempotency.NewInMemoryStore(),
		Cache:         cache.NewMemoryCache(),
		Requester: provider.NewHTTPRequester(provider.Config{
			BaseURL:     providerURL,
			AccessToken: "TEST-token",
		}, http.DefaultClient, logger),
		Email: email.NewLogSender(logger),
		newRateLimitStore: func(*middleware.Metrics) middleware.RateLimitStore {
			return middleware.NewInMemoryRateLimitStore()
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestApplication_PixPaymentSettledByNotification(t *testing.T) {
	logger := discardLogger()
	var creates atomic.Int32
	prov := fakeProvider(t, &creates)

	app, err := newApplication(testConfig(), memoryInfrastructure(prov.URL, logger), logger)
	if err != nil {
		t.Fatalf("newApplication failed: %v", err)
	}

	submit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payments/pix",
			strings.NewReader(`{"amount":4990,"description":"Course access","payer_email":"buyer@example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.UserIDHeader, "user-1")
		req.Header.Set(middleware.IdempotencyKeyHeader, "order-1")
		return do(t, app.Handler, req)
	}

	w := submit()
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}
	var result payment.Result
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.ExternalID != "555" || result.Status != payment.StatusPending {
		t.Fatalf("result = %+v", result)
	}

	// A retried submission replays the stored response.
	if w := submit(); w.Header().Get(middleware.IdempotentReplayedHeader) != "true" {
		t.Errorf("retry was not replayed: %d %v", w.Code, w.Header())
	}
	if creates.Load() != 1 {
		t.Errorf("provider saw %d creates, want 1", creates.Load())
	}

	body := `{"id":"n-1","type":"payment","action":"payment.updated","data":{"id":"555"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/mercadopago", strings.NewReader(body))
	req.Header.Set(webhook.HeaderRequestID, "req-1")
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(testSecret, "555", "req-1", time.Now().UnixMilli()))
	if w := do(t, app.Handler, req); w.Code != http.StatusAccepted {
		t.Fatalf("webhook status = %d: %s", w.Code, w.Body.String())
	}

	processed, err := app.Engine.ProcessNext(context.Background())
	if err != nil || !processed {
		t.Fatalf("ProcessNext = %v, %v", processed, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/payments/history", nil)
	req.Header.Set(middleware.UserIDHeader, "user-1")
	w = do(t, app.Handler, req)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", w.Code, w.Body.String())
	}
	var history api.PaymentHistoryResponse
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(history.Payments) != 1 || history.Payments[0].Status != payment.StatusApproved {
		t.Errorf("history = %+v, want one approved payment", history.Payments)
	}
}

func TestApplication_RejectsUnsignedNotification(t *testing.T) {
	logger := discardLogger()
	var creates atomic.Int32
	app, err := newApplication(testConfig(), memoryInfrastructure(fakeProvider(t, &creates).URL, logger), logger)
	if err != nil {
		t.Fatalf("newApplication failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/mercadopago",
		strings.NewReader(`{"id":"n-1","type":"payment","data":{"id":"555"}}`))
	if w := do(t, app.Handler, req); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	stats, err := app.Engine.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Queued != 0 {
		t.Errorf("queued = %d, want 0", stats.Queued)
	}
}

func TestApplication_MetricsEndpoint(t *testing.T) {
	logger := discardLogger()
	var creates atomic.Int32
	app, err := newApplication(testConfig(), memoryInfrastructure(fakeProvider(t, &creates).URL, logger), logger)
	if err != nil {
		t.Fatalf("newApplication failed: %v", err)
	}

	do(t, app.Handler, httptest.NewRequest(http.MethodGet, "/", nil))
	w := do(t, app.Handler, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Error("metrics output is missing http request counters")
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	logger := discardLogger()
	var creates atomic.Int32
	infra := memoryInfrastructure(fakeProvider(t, &creates).URL, logger)
	app, err := newApplication(testConfig(), infra, logger)
	if err != nil {
		t.Fatalf("newApplication failed: %v", err)
	}

	server := &http.Server{Addr: "127.0.0.1:0", Handler: app.Handler}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, app, infra, logger) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
