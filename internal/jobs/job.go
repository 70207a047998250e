// Package jobs provides a durable background job engine with bounded retry
// and dead-lettering, plus metrics for background job operations.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job states. A job moves Queued -> Running -> {Succeeded | Queued (retry) | DeadLettered}.
const (
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateDeadLettered State = "dead_lettered"
)

// Job type constants. These are also used as metric labels.
const (
	TypePaymentReconcile    = "payment.reconcile"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionUpdated = "subscription.updated"
	TypeSubscriptionRenewed = "subscription.renewed"
	TypeCardUpdated         = "card.updated"
	TypeChargebackReconcile = "chargeback.reconcile"
	TypeClaimReconcile      = "claim.reconcile"
)

var (
	// ErrNoJob is returned by a Backend when no job is due.
	ErrNoJob = errors.New("no job available")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownJobType is returned when enqueuing a type with no registered handler.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNotDeadLettered is returned when requeuing a job that is not dead-lettered.
	ErrNotDeadLettered = errors.New("job is not dead-lettered")
)

// Job is a unit of background work. Payload is written once at enqueue time;
// only Attempt, NextRunAt, State, LastError and the timestamps change afterwards.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload for job %s: %w", j.ID, err)
	}
	return nil
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}

func (j *Job) markRunning(now time.Time) {
	j.State = StateRunning
	j.Attempt++
	j.StartedAt = &now
	j.UpdatedAt = now
}

func (j *Job) markRetry(now time.Time, delay time.Duration, cause error) {
	j.State = StateQueued
	j.NextRunAt = now.Add(delay)
	j.LastError = cause.Error()
	j.StartedAt = nil
	j.UpdatedAt = now
}

func (j *Job) markDeadLettered(now time.Time, cause error) {
	j.State = StateDeadLettered
	j.LastError = cause.Error()
	j.StartedAt = nil
	j.UpdatedAt = now
}

func (j *Job) markSucceeded(now time.Time) {
	j.State = StateSucceeded
	j.LastError = ""
	j.UpdatedAt = now
}

// clone returns a copy safe to hand out of a backend.
func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	return &c
}

// permanentError marks a handler failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the engine dead-letters the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
