package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/coursepay/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 5 * time.Second

// DefaultBaseURL is the provider's production API root.
const DefaultBaseURL = "https://api.mercadopago.com"

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// Requester sends one request to the provider and returns the raw body.
// Handlers and the saga depend on this capability, never on http.Client.
type Requester interface {
	SendProviderRequest(ctx context.Context, method, path string, payload any) ([]byte, error)
}

// Config is the immutable configuration of an HTTPRequester.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// HTTPRequester implements Requester over net/http.
type HTTPRequester struct {
	client      *http.Client
	baseURL     string
	accessToken string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewHTTPRequester creates a requester. A nil client gets an otelhttp
// instrumented default.
func NewHTTPRequester(cfg Config, client *http.Client, logger *slog.Logger) *HTTPRequester {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRequester{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
}

// SendProviderRequest performs the call. payload may be nil.
func (r *HTTPRequester) SendProviderRequest(ctx context.Context, method, path string, payload any) (body []byte, err error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s %s payload: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status := 0
	ctx, endSpan := tracing.StartProviderSpan(ctx, method, path)
	defer func() { endSpan(status, err) }()

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+r.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := IdempotencyKeyFromContext(ctx); key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	} else if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		req.Header.Set("X-Idempotency-Key", uuid.New().String())
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		msg := "transport failure"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout"
		}
		r.logger.WarnContext(ctx, "provider request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil, &ExternalAPIError{Method: method, Path: path, Message: msg, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ExternalAPIError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		apiErr := &ExternalAPIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Message:    errorMessage(body, resp.Status),
			Body:       body,
		}
		r.logger.ErrorContext(ctx, "provider returned error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("message", apiErr.Message))
		return nil, apiErr
	}

	r.logger.DebugContext(ctx, "provider request completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)))
	return body, nil
}

// errorMessage extracts the provider's "message" field, falling back to the status line.
func errorMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return status
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey makes the next provider call reuse key as its
// X-Idempotency-Key instead of a fresh one.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

// IdempotencyKeyFromContext returns the key set by WithIdempotencyKey.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
