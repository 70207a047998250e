package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/coursepay/internal/jobs"
)

// Dead-letter listing limits.
const (
	defaultDeadJobsLimit = 50
	maxDeadJobsLimit     = 500
)

// JobQueue is the engine surface exposed to operators.
type JobQueue interface {
	DeadLettered(ctx context.Context, limit int) ([]*jobs.Job, error)
	Requeue(ctx context.Context, id string) (*jobs.Job, error)
	Stats(ctx context.Context) (jobs.Stats, error)
}

// JobsHandlers serves the operator endpoints for background jobs.
type JobsHandlers struct {
	queue JobQueue
}

// NewJobsHandlers creates a new JobsHandlers instance.
func NewJobsHandlers(queue JobQueue) *JobsHandlers {
	return &JobsHandlers{queue: queue}
}

// DeadJobsResponse lists dead-lettered jobs with queue counters.
type DeadJobsResponse struct {
	Jobs  []*jobs.Job `json:"jobs"`
	Stats jobs.Stats  `json:"stats"`
}

// ListDead returns dead-lettered jobs, most recent first.
// GET /internal/jobs/dead?limit=N
func (h *JobsHandlers) ListDead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultDeadJobsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDeadJobsLimit {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	dead, err := h.queue.DeadLettered(ctx, limit)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list dead-lettered jobs", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list jobs")
		return
	}
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read job stats", "error", err)
	}
	if dead == nil {
		dead = []*jobs.Job{}
	}
	writeJSON(w, ctx, http.StatusOK, DeadJobsResponse{Jobs: dead, Stats: stats})
}

// Requeue moves a dead-lettered job back to the queue with a fresh attempt budget.
// POST /internal/jobs/{id}/requeue
func (h *JobsHandlers) Requeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Job id is required")
		return
	}

	job, err := h.queue.Requeue(ctx, id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Job not found")
		return
	case errors.Is(err, jobs.ErrNotDeadLettered):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Job is not dead-lettered")
		return
	case err != nil:
		slog.ErrorContext(ctx, "failed to requeue job", "job_id", id, "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to requeue job")
		return
	}

	writeJSON(w, ctx, http.StatusOK, job)
}
