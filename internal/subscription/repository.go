package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists subscriptions.
type Repository interface {
	// Create inserts s. An empty ID is replaced with a new UUID.
	Create(ctx context.Context, s *Subscription) error

	// GetByID returns ErrSubscriptionNotFound if absent.
	GetByID(ctx context.Context, id string) (*Subscription, error)

	// GetByExternalID looks up by provider subscription id.
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// GetLiveByUser returns the user's subscription that is neither cancelled nor expired.
	GetLiveByUser(ctx context.Context, userID string) (*Subscription, error)

	// GetActiveByCustomerID returns the active subscription paid by a provider customer.
	GetActiveByCustomerID(ctx context.Context, customerID string) (*Subscription, error)

	// Update overwrites every mutable field of s.
	Update(ctx context.Context, s *Subscription) error

	// Delete removes the row.
	Delete(ctx context.Context, id string) error

	// CountByUser returns how many rows exist for the user.
	CountByUser(ctx context.Context, userID string) (int, error)
}

// PlanRepository reads billing plans.
type PlanRepository interface {
	GetPlan(ctx context.Context, id string) (*Plan, error)
}

// InMemoryRepository is an in-memory Repository and PlanRepository.
// Thread-safe via RWMutex; values are copied on the way in and out.
type InMemoryRepository struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	plans         map[string]*Plan
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		subscriptions: make(map[string]*Subscription),
		plans:         make(map[string]*Plan),
	}
}

// AddPlan registers a plan.
func (r *InMemoryRepository) AddPlan(p *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *p
	r.plans[p.ID] = &c
}

// GetPlan returns ErrPlanNotFound if absent.
func (r *InMemoryRepository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	c := *p
	return &c, nil
}

func (r *InMemoryRepository) Create(ctx context.Context, s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.ExternalID != "" && r.externalInUse(s.ExternalID, s.ID) {
		return ErrDuplicateExternalID
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	r.subscriptions[s.ID] = s.clone()
	return nil
}

func (r *InMemoryRepository) externalInUse(externalID, selfID string) bool {
	for id, existing := range r.subscriptions {
		if id != selfID && existing.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.clone(), nil
}

func (r *InMemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return r.find(func(s *Subscription) bool {
		return externalID != "" && s.ExternalID == externalID
	})
}

func (r *InMemoryRepository) GetLiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	return r.find(func(s *Subscription) bool {
		return s.UserID == userID && s.IsLive()
	})
}

func (r *InMemoryRepository) GetActiveByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	return r.find(func(s *Subscription) bool {
		return customerID != "" && s.CustomerID == customerID && s.Status == StatusActive
	})
}

// find returns the most recently created match.
func (r *InMemoryRepository) find(match func(*Subscription) bool) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Subscription
	for _, s := range r.subscriptions {
		if match(s) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, ErrSubscriptionNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches[0].clone(), nil
}

func (r *InMemoryRepository) Update(ctx context.Context, s *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.subscriptions[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if s.ExternalID != "" && r.externalInUse(s.ExternalID, s.ID) {
		return ErrDuplicateExternalID
	}
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now()
	r.subscriptions[s.ID] = s.clone()
	return nil
}

func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscriptions[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(r.subscriptions, id)
	return nil
}

func (r *InMemoryRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.subscriptions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

// Cancel marks a live subscription cancelled. It is a no-op for rows that
// are already cancelled or expired.
func (r *InMemoryRepository) Cancel(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subscriptions[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if !s.IsLive() {
		return false, nil
	}
	s.Status = StatusCancelled
	s.UpdatedAt = time.Now()
	return true, nil
}
