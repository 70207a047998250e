package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/coursepay/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// IdempotentReplayedHeader marks a response served from the idempotency store.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter is a custom response writer that captures the response.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

// newIdempotencyResponseWriter creates a new idempotency response writer.
func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// writeJSONError writes the standard error envelope. The api package
// owns WriteError but imports this package, so the envelope is built here.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	ctx := SetErrorCode(r.Context(), code)
	UpdateResponseContext(w, ctx)

	body, _ := json.Marshal(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// IdempotencyMiddleware enforces X-Idempotency-Key on POST requests to the
// given routes.
//
// The first request for a key reserves it and runs the handler; its response
// is stored for ttl unless the status is 5xx, in which case the key is
// released so the client can retry. Later requests with the same key get the
// stored status and body with Idempotent-Replayed: true. A request arriving
// while the first is still running gets 409. Keys are scoped by the caller's
// user id. If the store is unavailable the request runs without protection.
func IdempotencyMiddleware(store idempotency.Store, routes map[string]bool, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || !routes[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if err := idempotency.ValidateKey(key); err != nil {
				switch {
				case key == "":
					writeJSONError(w, r, http.StatusBadRequest, "missing_idempotency_key",
						"X-Idempotency-Key header is required for this request")
				case errors.Is(err, idempotency.ErrKeyTooLong):
					writeJSONError(w, r, http.StatusBadRequest, "idempotency_key_too_long",
						"X-Idempotency-Key exceeds maximum length of 64 characters")
				default:
					writeJSONError(w, r, http.StatusBadRequest, "invalid_idempotency_key",
						"Invalid X-Idempotency-Key format")
				}
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)
			storeKey := idempotency.ScopedKey(GetUserID(ctx), key)

			existing, err := store.Reserve(ctx, &idempotency.Record{
				Key:    storeKey,
				Method: r.Method,
				Route:  r.URL.Path,
			}, idempotency.InFlightTTL)
			if err != nil {
				slog.ErrorContext(ctx, "failed to reserve idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			if existing != nil {
				switch {
				case !existing.SameRequest(r.Method, r.URL.Path):
					writeJSONError(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused",
						"X-Idempotency-Key was already used for a different endpoint")
					return
				case existing.Status != idempotency.StatusCompleted:
					writeJSONError(w, r, http.StatusConflict, "idempotency_key_in_use",
						"A request with this X-Idempotency-Key is still being processed")
					return
				case !existing.Intact():
					// Never re-run the handler: it may charge the payer again.
					slog.ErrorContext(ctx, "stored idempotent response failed integrity check", "key", key)
					writeJSONError(w, r, http.StatusInternalServerError, "internal_error",
						"Stored response for this X-Idempotency-Key is unreadable")
					return
				}
				slog.InfoContext(ctx, "idempotency key found, returning cached response",
					"key", key,
					"status", existing.ResponseStatusCode,
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = w.Write([]byte(existing.ResponseBody))
				return
			}

			// Store writes must outlive a client that hangs up mid-request.
			storeCtx := context.WithoutCancel(ctx)
			completed := false
			defer func() {
				if completed {
					return
				}
				if err := store.Release(storeCtx, storeKey); err != nil {
					slog.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
				}
			}()

			captureWriter := newIdempotencyResponseWriter(w)
			next.ServeHTTP(captureWriter, r)

			if captureWriter.statusCode >= http.StatusInternalServerError {
				return
			}

			responseBody := captureWriter.body.String()
			record := &idempotency.Record{
				Key:                storeKey,
				Method:             r.Method,
				Route:              r.URL.Path,
				ResponseBody:       responseBody,
				ResponseStatusCode: captureWriter.statusCode,
				ResponseHash:       idempotency.ComputeResponseHash(responseBody),
			}
			if err := store.Complete(storeCtx, record, ttl); err != nil {
				// Response already sent; the deferred release frees the key.
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			completed = true
			slog.InfoContext(ctx, "stored idempotency key", "key", key, "status", captureWriter.statusCode)
		})
	}
}
