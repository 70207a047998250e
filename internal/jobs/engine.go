package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/coursepay/internal/tracing"
)

// Handler executes one job. A returned error schedules a retry unless it is
// wrapped with Permanent or the attempt budget is exhausted.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// RetryPolicy bounds how often and how fast a job type is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of executions, including the first.
	MaxAttempts int
	// Backoff is the delay before the first retry.
	Backoff time.Duration
	// Exponential doubles the delay after every failed attempt.
	Exponential bool
	// MaxBackoff caps exponential delays. Zero means no cap.
	MaxBackoff time.Duration
}

// Default retry settings.
const (
	DefaultMaxAttempts   = 3
	DefaultBackoff       = time.Minute
	DefaultWorkers       = 4
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultStaleAfter    = 10 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultJobTimeout    = 2 * time.Minute
)

// DefaultRetryPolicy is applied when a registration leaves MaxAttempts unset.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}

// Delay returns the wait before the retry following the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				return p.MaxBackoff
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// EngineConfig configures the worker pool.
type EngineConfig struct {
	Workers       int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// JobTimeout bounds a single handler execution.
	JobTimeout time.Duration
	Logger     *slog.Logger
	// Metrics may be nil.
	Metrics JobMetrics
}

type registration struct {
	handler Handler
	policy  RetryPolicy
}

// Engine runs registered handlers against jobs pulled from a Backend.
type Engine struct {
	backend Backend
	cfg     EngineConfig
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]registration

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine over the given backend.
func NewEngine(backend Backend, cfg EngineConfig) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Engine{
		backend:  backend,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[string]registration),
	}
}

// Register binds a handler and retry policy to a job type.
func (e *Engine) Register(jobType string, h Handler, policy RetryPolicy) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = registration{handler: h, policy: policy}
}

func (e *Engine) registration(jobType string) (registration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.handlers[jobType]
	return r, ok
}

// Enqueue durably stores a new job. The payload is marshalled once and never rewritten.
func (e *Engine) Enqueue(ctx context.Context, jobType string, payload any) (*Job, error) {
	reg, ok := e.registration(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := e.now()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		State:       StateQueued,
		MaxAttempts: reg.policy.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.backend.Push(ctx, job); err != nil {
		return nil, err
	}

	e.cfg.Logger.InfoContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType))
	return job, nil
}

// ProcessNext claims and runs one due job. It reports whether a job was run.
func (e *Engine) ProcessNext(ctx context.Context) (bool, error) {
	job, err := e.backend.Claim(ctx, e.now())
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.execute(ctx, job)
	return true, nil
}

func (e *Engine) execute(ctx context.Context, job *Job) {
	logger := e.cfg.Logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts))

	start := time.Now()
	e.cfg.Metrics.JobStarted(job.Type)
	outcome := OutcomeLost
	defer func() { e.cfg.Metrics.JobFinished(job.Type, outcome, time.Since(start)) }()

	reg, ok := e.registration(job.Type)
	if !ok {
		e.cfg.Metrics.JobFailed(job.Type, ReasonNoHandler)
		outcome = e.deadLetter(ctx, logger, job, Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)))
		return
	}

	err := e.run(ctx, reg.handler, job)
	if err == nil {
		job.markSucceeded(e.now())
		if cerr := e.backend.Complete(ctx, job); cerr != nil {
			logger.ErrorContext(ctx, "failed to complete job", slog.String("error", cerr.Error()))
			return
		}
		outcome = OutcomeSucceeded
		logger.InfoContext(ctx, "job succeeded")
		return
	}

	e.cfg.Metrics.JobFailed(job.Type, failureReason(err))
	if IsPermanent(err) || !job.CanRetry() {
		outcome = e.deadLetter(ctx, logger, job, err)
		return
	}

	delay := reg.policy.Delay(job.Attempt)
	job.markRetry(e.now(), delay, err)
	if rerr := e.backend.Reschedule(ctx, job); rerr != nil {
		logger.ErrorContext(ctx, "failed to reschedule job", slog.String("error", rerr.Error()))
		return
	}
	outcome = OutcomeRetried
	logger.WarnContext(ctx, "job failed, retry scheduled",
		slog.String("error", err.Error()),
		slog.Duration("delay", delay))
}

var errHandlerPanic = errors.New("job handler panic")

func failureReason(err error) string {
	switch {
	case errors.Is(err, errHandlerPanic):
		return ReasonPanic
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case IsPermanent(err):
		return ReasonPermanent
	default:
		return ReasonHandler
	}
}

// run executes the handler with a timeout and converts panics into errors.
func (e *Engine) run(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	ctx, endSpan := tracing.StartJobSpan(ctx, job.Type, job.ID, job.Attempt)
	defer func() { endSpan(err) }()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, job)
}

// deadLetter parks the job for operators and returns the execution outcome.
func (e *Engine) deadLetter(ctx context.Context, logger *slog.Logger, job *Job, cause error) string {
	job.markDeadLettered(e.now(), cause)
	if err := e.backend.DeadLetter(ctx, job); err != nil {
		logger.ErrorContext(ctx, "failed to dead-letter job", slog.String("error", err.Error()))
		return OutcomeLost
	}
	logger.ErrorContext(ctx, "job dead-lettered", slog.String("error", cause.Error()))
	return OutcomeDeadLettered
}

// Get returns a job by id.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.backend.Get(ctx, id)
}

// DeadLettered lists dead-lettered jobs for operators.
func (e *Engine) DeadLettered(ctx context.Context, limit int) ([]*Job, error) {
	return e.backend.ListDead(ctx, limit)
}

// Requeue gives a dead-lettered job a fresh attempt budget.
func (e *Engine) Requeue(ctx context.Context, id string) (*Job, error) {
	job, err := e.backend.Revive(ctx, id, e.now())
	if err != nil {
		return nil, err
	}
	e.cfg.Logger.InfoContext(ctx, "dead-lettered job requeued",
		slog.String("job_id", id),
		slog.String("job_type", job.Type))
	return job, nil
}

// Stats returns backend counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.backend.Stats(ctx)
}

// Start launches the worker pool and the stale-job sweeper.
// Returns immediately; call Stop to drain.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.cfg.Logger.Info("starting job workers", slog.Int("workers", e.cfg.Workers))
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.sweeper(ctx)
}

// Stop signals all workers and waits for in-flight jobs to finish.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	close(e.stopCh)
	e.running = false
	e.runMu.Unlock()

	e.wg.Wait()
	e.cfg.Logger.Info("job workers stopped")
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		ran, err := e.ProcessNext(ctx)
		if err != nil {
			e.cfg.Logger.Error("failed to claim job",
				slog.Int("worker", id),
				slog.String("error", err.Error()))
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

func (e *Engine) sweeper(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			n, err := e.backend.RecoverStale(ctx, e.now().Add(-e.cfg.StaleAfter))
			if err != nil {
				e.cfg.Logger.Error("stale job sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				e.cfg.Logger.Warn("recovered stale jobs", slog.Int("count", n))
			}
		}
	}
}
