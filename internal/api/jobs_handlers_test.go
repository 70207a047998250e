package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/coursepay/internal/jobs"
)

// deadLetterOne enqueues a job whose handler always fails permanently and runs it.
func deadLetterOne(t *testing.T) (*jobs.Engine, string) {
	t.Helper()
	engine := jobs.NewEngine(jobs.NewMemoryBackend(), jobs.EngineConfig{Logger: quietLogger()})
	engine.Register(jobs.TypeClaimReconcile, jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) error {
		return jobs.Permanent(errors.New("claim not found"))
	}), jobs.RetryPolicy{MaxAttempts: 1})

	job, err := engine.Enqueue(context.Background(), jobs.TypeClaimReconcile, map[string]string{"resource_id": "c-1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if ran, err := engine.ProcessNext(context.Background()); !ran || err != nil {
		t.Fatalf("ProcessNext() = %v, %v", ran, err)
	}
	return engine, job.ID
}

func TestListDead(t *testing.T) {
	engine, id := deadLetterOne(t)
	h := NewJobsHandlers(engine)

	w := httptest.NewRecorder()
	h.ListDead(w, httptest.NewRequest(http.MethodGet, "/internal/jobs/dead", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp DeadJobsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != id {
		t.Fatalf("jobs = %+v, want [%s]", resp.Jobs, id)
	}
	if resp.Jobs[0].LastError == "" {
		t.Error("dead job should carry its last error")
	}
	if resp.Stats.DeadLettered != 1 {
		t.Errorf("stats.dead_lettered = %d, want 1", resp.Stats.DeadLettered)
	}
}

func TestListDead_InvalidLimit(t *testing.T) {
	h := NewJobsHandlers(jobs.NewEngine(jobs.NewMemoryBackend(), jobs.EngineConfig{Logger: quietLogger()}))

	for _, limit := range []string{"0", "-1", "abc", "501"} {
		w := httptest.NewRecorder()
		h.ListDead(w, httptest.NewRequest(http.MethodGet, "/internal/jobs/dead?limit="+limit, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, w.Code)
		}
	}
}

func TestListDead_Empty(t *testing.T) {
	h := NewJobsHandlers(jobs.NewEngine(jobs.NewMemoryBackend(), jobs.EngineConfig{Logger: quietLogger()}))

	w := httptest.NewRecorder()
	h.ListDead(w, httptest.NewRequest(http.MethodGet, "/internal/jobs/dead", nil))

	var resp DeadJobsResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Jobs == nil || len(resp.Jobs) != 0 {
		t.Errorf("jobs = %v, want empty list", resp.Jobs)
	}
}

func requeueRequest(id string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/"+id+"/requeue", nil)
	req.SetPathValue("id", id)
	return req
}

func TestRequeue(t *testing.T) {
	engine, id := deadLetterOne(t)
	h := NewJobsHandlers(engine)

	w := httptest.NewRecorder()
	h.Requeue(w, requeueRequest(id))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var job jobs.Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("failed to decode job: %v", err)
	}
	if job.State != jobs.StateQueued || job.Attempt != 0 {
		t.Errorf("requeued job state = %s attempt = %d, want queued/0", job.State, job.Attempt)
	}

	// A second requeue finds the job queued, not dead.
	w = httptest.NewRecorder()
	h.Requeue(w, requeueRequest(id))
	if w.Code != http.StatusConflict {
		t.Errorf("second requeue status = %d, want 409", w.Code)
	}
}

func TestRequeue_NotFound(t *testing.T) {
	h := NewJobsHandlers(jobs.NewEngine(jobs.NewMemoryBackend(), jobs.EngineConfig{Logger: quietLogger()}))

	w := httptest.NewRecorder()
	h.Requeue(w, requeueRequest("missing"))

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}
