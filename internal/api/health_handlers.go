package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 5 * time.Second

// HealthChecker is a dependency that can report whether it is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type dependency struct {
	name     string
	checker  HealthChecker
	critical bool
}

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	deps           []dependency
	metricsEnabled bool
	now            func() time.Time
}

// HealthHandlersConfig configures the health checks. Nil checkers stand for
// in-memory backends and always pass.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
	// ProviderChecker is reported but never fails readiness: provider calls
	// are retried by jobs and notifications are redelivered.
	ProviderChecker HealthChecker
	MetricsEnabled  bool
}

func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		deps: []dependency{
			{"database", config.DBChecker, true},
			{"redis", config.RedisChecker, true},
			{"provider", config.ProviderChecker, false},
		},
		metricsEnabled: config.MetricsEnabled,
		now:            time.Now,
	}
}

// HealthResponse is the body of both endpoints. Status is "healthy",
// "degraded" (a non-critical dependency is down) or "unhealthy".
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. Answering at all means the process is alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready. Dependencies are checked concurrently; a failed
// critical dependency answers 503.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.deps)+1)
		critical bool
		degraded bool
	)
	var g errgroup.Group
	for _, dep := range h.deps {
		g.Go(func() error {
			result := "ok"
			if dep.checker != nil {
				if err := dep.checker.HealthCheck(ctx); err != nil {
					result = "error"
					slog.WarnContext(ctx, "dependency health check failed",
						"dependency", dep.name, "critical", dep.critical, "error", err)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			checks[dep.name] = result
			if result != "ok" {
				if dep.critical {
					critical = true
				} else {
					degraded = true
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if h.metricsEnabled {
		checks["metrics"] = "ok"
	}

	resp := HealthResponse{Status: "healthy", Checks: checks, Timestamp: h.now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	switch {
	case critical:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case degraded:
		resp.Status = "degraded"
	}
	writeJSON(w, ctx, status, resp)
}
