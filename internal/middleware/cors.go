package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS returns middleware that answers preflight requests from the checkout
// frontend and exposes the headers clients need to detect replays.
// An empty allowedOrigins allows every origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", UserIDHeader, IdempotencyKeyHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, IdempotentReplayedHeader},
		MaxAge:         600,
	})
	return c.Handler
}
