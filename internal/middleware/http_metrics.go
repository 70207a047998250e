// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"net/http"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/":                     true,
	"/payments/credit-card": true,
	"/payments/pix":         true,
	"/payments/history":     true,
	"/subscriptions":        true,
	"/subscriptions/value":  true,
	"/subscriptions/status": true,
	"/ws/payments":          true,
	"/internal/jobs/dead":   true,
	"/health":               true,
	"/ready":                true,
	"/metrics":              true,
}

// normalizePath maps a request path to its route pattern so ids never become
// label values. Unknown paths share the "/other" series.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "webhook" && parts[1] != "":
		return "/webhook/{provider}"
	case len(parts) == 4 && parts[0] == "internal" && parts[1] == "jobs" && parts[3] == "requeue":
		return "/internal/jobs/{id}/requeue"
	}
	return "/other"
}

// unmeteredPaths are polled by orchestrators and scrapers.
var unmeteredPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// sizeRecorder counts response bytes and remembers the status code.
type sizeRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *sizeRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *sizeRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the connection, e.g. for the
// payment websocket upgrade.
func (s *sizeRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// HTTPMetrics records request count, latency and response size per route.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeteredPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			metrics.inFlight.Inc()
			defer metrics.inFlight.Dec()

			start := time.Now()
			rec := &sizeRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.observeRequest(r.Method, normalizePath(r.URL.Path), status, time.Since(start), rec.bytes)
		})
	}
}
