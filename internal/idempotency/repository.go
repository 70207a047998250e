package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-memory storage.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewInMemoryStore creates a new in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Reserve claims key if it is free or expired.
func (s *InMemoryStore) Reserve(ctx context.Context, rec *Record, ttl time.Duration) (*Record, error) {
	if err := ValidateKey(rec.Key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.records[rec.Key]; ok && !existing.Expired(now) {
		c := *existing
		return &c, nil
	}

	rec.Status = StatusProcessing
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	c := *rec
	s.records[rec.Key] = &c
	return nil, nil
}

// Complete overwrites the reservation with the final response.
func (s *InMemoryStore) Complete(ctx context.Context, rec *Record, ttl time.Duration) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec.Status = StatusCompleted
	if existing, ok := s.records[rec.Key]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)
	c := *rec
	s.records[rec.Key] = &c
	return nil
}

// Release deletes the key.
func (s *InMemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Get returns a copy of the live record for key.
func (s *InMemoryStore) Get(ctx context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, ErrKeyNotFound
	}
	c := *rec
	return &c, nil
}

// DeleteExpired removes expired records and returns how many were removed.
func (s *InMemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
