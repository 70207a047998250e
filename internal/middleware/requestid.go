package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type requestIDKey struct{}

// RequestIDHeader carries the correlation id of a request. Provider
// notifications send their own value, which is also part of the signed
// manifest, so a well-formed incoming id is kept as is.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds incoming ids before they reach logs and job payloads.
const maxRequestIDLength = 128

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)

// RequestID stores a request id on the context and echoes it in the
// response. Missing or malformed incoming ids are replaced with a new UUID.
// The id is also recorded on the active span.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("request.id", requestID))

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	return id != "" && len(id) <= maxRequestIDLength && requestIDPattern.MatchString(id)
}

// GetRequestID returns the request id stored by RequestID, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
