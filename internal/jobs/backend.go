package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Stats summarises the contents of a backend.
type Stats struct {
	Queued       int64 `json:"queued"`
	Running      int64 `json:"running"`
	DeadLettered int64 `json:"dead_lettered"`
	Succeeded    int64 `json:"succeeded"`
}

// Backend is the durable storage behind the engine.
// Claim must hand a given job to at most one caller until it is
// rescheduled, completed or dead-lettered.
type Backend interface {
	// Push stores a new job and makes it runnable at job.NextRunAt.
	Push(ctx context.Context, job *Job) error

	// Claim returns the next job due at now, marked as running.
	// Returns ErrNoJob when nothing is due.
	Claim(ctx context.Context, now time.Time) (*Job, error)

	// Reschedule returns a claimed job to the queue at job.NextRunAt.
	Reschedule(ctx context.Context, job *Job) error

	// Complete removes a claimed job after success.
	Complete(ctx context.Context, job *Job) error

	// DeadLetter moves a claimed job to the dead-letter list.
	DeadLetter(ctx context.Context, job *Job) error

	// Get returns a job by id. Returns ErrJobNotFound if unknown.
	Get(ctx context.Context, id string) (*Job, error)

	// ListDead returns up to limit dead-lettered jobs, newest first.
	ListDead(ctx context.Context, limit int) ([]*Job, error)

	// Revive moves a dead-lettered job back to the queue with its attempts reset.
	Revive(ctx context.Context, id string, now time.Time) (*Job, error)

	// RecoverStale requeues running jobs whose StartedAt is before cutoff.
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns counts by state.
	Stats(ctx context.Context) (Stats, error)
}

// MemoryBackend implements Backend in process memory.
// Used by tests and by deployments without Redis.
type MemoryBackend struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string // queued ids in enqueue order
	dead      []string
	succeeded int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[string]*Job),
	}
}

// Push stores a new job.
func (b *MemoryBackend) Push(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.jobs[job.ID] = job.clone()
	b.order = append(b.order, job.ID)
	return nil
}

// Claim returns the earliest due queued job.
func (b *MemoryBackend) Claim(ctx context.Context, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		pick  *Job
		index = -1
	)
	for i, id := range b.order {
		j := b.jobs[id]
		if j == nil || j.State != StateQueued || j.NextRunAt.After(now) {
			continue
		}
		if pick == nil || j.NextRunAt.Before(pick.NextRunAt) {
			pick, index = j, i
		}
	}
	if pick == nil {
		return nil, ErrNoJob
	}

	b.order = append(b.order[:index], b.order[index+1:]...)
	pick.markRunning(now)
	return pick.clone(), nil
}

// Reschedule puts a claimed job back in the queue.
func (b *MemoryBackend) Reschedule(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	b.jobs[job.ID] = job.clone()
	b.order = append(b.order, job.ID)
	return nil
}

// Complete removes a finished job.
func (b *MemoryBackend) Complete(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.jobs, job.ID)
	b.succeeded++
	return nil
}

// DeadLetter records a job as dead-lettered.
func (b *MemoryBackend) DeadLetter(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.jobs[job.ID] = job.clone()
	b.dead = append(b.dead, job.ID)
	return nil
}

// Get returns a copy of the job.
func (b *MemoryBackend) Get(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.clone(), nil
}

// ListDead returns dead-lettered jobs, newest first.
func (b *MemoryBackend) ListDead(ctx context.Context, limit int) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Job, 0, len(b.dead))
	for i := len(b.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j, ok := b.jobs[b.dead[i]]; ok {
			out = append(out, j.clone())
		}
	}
	return out, nil
}

// Revive moves a dead-lettered job back to the queue.
func (b *MemoryBackend) Revive(ctx context.Context, id string, now time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.State != StateDeadLettered {
		return nil, ErrNotDeadLettered
	}
	for i, deadID := range b.dead {
		if deadID == id {
			b.dead = append(b.dead[:i], b.dead[i+1:]...)
			break
		}
	}

	j.State = StateQueued
	j.Attempt = 0
	j.NextRunAt = now
	j.UpdatedAt = now
	b.order = append(b.order, id)
	return j.clone(), nil
}

// RecoverStale requeues running jobs started before cutoff.
func (b *MemoryBackend) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0)
	for id, j := range b.jobs {
		if j.State == StateRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		j := b.jobs[id]
		j.State = StateQueued
		j.StartedAt = nil
		j.LastError = "recovered by sweeper"
		j.NextRunAt = cutoff
		b.order = append(b.order, id)
	}
	return len(ids), nil
}

// Stats returns counts by state.
func (b *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Succeeded: b.succeeded}
	for _, j := range b.jobs {
		switch j.State {
		case StateQueued:
			s.Queued++
		case StateRunning:
			s.Running++
		case StateDeadLettered:
			s.DeadLettered++
		}
	}
	return s, nil
}
