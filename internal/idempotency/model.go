// Package idempotency stores the first response produced for a client-supplied
// idempotency key so that retries of the same request replay it verbatim.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Record statuses.
//
// A key is StatusProcessing while the first request holding it is still
// running, and StatusCompleted once its response has been stored.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrInvalidKey  = errors.New("invalid idempotency key")
	ErrKeyTooLong  = errors.New("idempotency key exceeds maximum length of 64 characters")
)

const (
	// MaxKeyLength bounds client keys; UUIDs and ULIDs fit comfortably.
	MaxKeyLength = 64

	// DefaultTTL is how long a completed response is replayed.
	DefaultTTL = 24 * time.Hour

	// InFlightTTL bounds how long a key stays reserved by a request that
	// never completes, for example after a crash.
	InFlightTTL = 2 * time.Minute
)

// Record is a reserved or completed idempotency key.
type Record struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body,omitempty"`
	ResponseStatusCode int       `json:"response_status_code,omitempty"`
	ResponseHash       string    `json:"response_hash,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// SameRequest reports whether the record was created by a request to the
// same method and route. A key reused across endpoints is a client bug.
func (r *Record) SameRequest(method, route string) bool {
	return r.Method == method && r.Route == route
}

// Intact reports whether the stored body still matches its hash. Records
// written without a hash are trusted.
func (r *Record) Intact() bool {
	return r.ResponseHash == "" || r.ResponseHash == ComputeResponseHash(r.ResponseBody)
}

// Store persists idempotency records. Every method is atomic per key.
type Store interface {
	// Reserve claims key for a new request. If the key is free it stores rec
	// as processing with the given ttl and returns (nil, nil). Otherwise it
	// returns the existing record untouched.
	Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, error)

	// Complete stores the final response for a reserved key.
	Complete(ctx context.Context, rec *Record, ttl time.Duration) error

	// Release frees a reserved key so the request can be retried.
	Release(ctx context.Context, key string) error

	// Get returns ErrKeyNotFound for absent or expired keys.
	Get(ctx context.Context, key string) (*Record, error)
}

// ValidateKey accepts 1 to MaxKeyLength printable ASCII characters without
// spaces.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return ErrInvalidKey
		}
	}
	return nil
}

// ScopedKey namespaces a client key by user so two users cannot collide on
// the same key. The result is a 64-character hex digest and always passes
// ValidateKey.
func ScopedKey(userID, key string) string {
	if userID == "" {
		return key
	}
	sum := sha256.Sum256([]byte(userID + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// ComputeResponseHash returns the hex SHA-256 of a stored response body.
func ComputeResponseHash(responseBody string) string {
	sum := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(sum[:])
}
