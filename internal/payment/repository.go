package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for payments, chargebacks and claims.
type Repository interface {
	// Create inserts a payment. Returns ErrDuplicateIdempotencyKey if the key
	// is taken and ErrDuplicateExternalID if the provider id is.
	Create(ctx context.Context, p *Payment) error

	GetByID(ctx context.Context, id string) (*Payment, error)
	GetByExternalID(ctx context.Context, externalID string) (*Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error)

	// ListByUser returns the user's payments, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Payment, error)

	// Confirm attaches the provider id and status after a successful remote
	// create. Returns ErrDuplicateExternalID if another payment has the id.
	Confirm(ctx context.Context, id, externalID, status string, approvedAt *time.Time) error

	// Delete removes a payment whose remote create failed.
	Delete(ctx context.Context, id string) error

	// TransitionStatus moves a payment to status in a single atomic step when
	// CanTransition allows it, and links externalID if the payment has none
	// yet. It returns false and changes nothing when the move is not allowed.
	TransitionStatus(ctx context.Context, id, externalID, status string, approvedAt *time.Time) (bool, error)

	// ApplyChargeback records cb and, in the same transaction, marks the
	// disputed payment charged back and cancels its subscription. A
	// chargeback whose ExternalID is already recorded changes nothing.
	ApplyChargeback(ctx context.Context, cb *Chargeback) (ChargebackResult, error)

	// RecordClaim inserts a claim, or moves a recorded one to the incoming
	// status and stage. A closed claim is never reopened.
	RecordClaim(ctx context.Context, c *Claim) (ClaimChange, error)
}

// SubscriptionCanceller cancels a live subscription by local id.
// subscription.InMemoryRepository implements it.
type SubscriptionCanceller interface {
	Cancel(ctx context.Context, id string) (bool, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu            sync.RWMutex
	payments      map[string]*Payment
	chargebacks   map[string]*Chargeback // by external id
	claims        map[string]*Claim      // by external id
	subscriptions SubscriptionCanceller
}

// NewInMemoryRepository creates a new in-memory repository. subscriptions
// may be nil, in which case chargebacks never cancel subscriptions.
func NewInMemoryRepository(subscriptions SubscriptionCanceller) *InMemoryRepository {
	return &InMemoryRepository{
		payments:      make(map[string]*Payment),
		chargebacks:   make(map[string]*Chargeback),
		claims:        make(map[string]*Claim),
		subscriptions: subscriptions,
	}
}

// Create inserts a new payment.
func (r *InMemoryRepository) Create(ctx context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.payments {
		if p.IdempotencyKey != "" && existing.IdempotencyKey == p.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
		if p.ExternalID != "" && existing.ExternalID == p.ExternalID {
			return ErrDuplicateExternalID
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	// Copy to prevent external mutation
	r.payments[p.ID] = p.clone()
	return nil
}

// GetByID retrieves a payment by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.clone(), nil
}

// GetByExternalID retrieves a payment by provider id.
func (r *InMemoryRepository) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	return r.findOne(func(p *Payment) bool {
		return externalID != "" && p.ExternalID == externalID
	})
}

// GetByIdempotencyKey retrieves a payment by its idempotency key.
func (r *InMemoryRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Payment, error) {
	return r.findOne(func(p *Payment) bool {
		return key != "" && p.IdempotencyKey == key
	})
}

func (r *InMemoryRepository) findOne(match func(*Payment) bool) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.payments {
		if match(p) {
			return p.clone(), nil
		}
	}
	return nil, ErrPaymentNotFound
}

// ListByUser returns the user's payments, newest first.
func (r *InMemoryRepository) ListByUser(ctx context.Context, userID string) ([]*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Payment, 0)
	for _, p := range r.payments {
		if p.UserID == userID {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Confirm attaches the provider id and status.
func (r *InMemoryRepository) Confirm(ctx context.Context, id, externalID, status string, approvedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if r.externalIDTaken(id, externalID) {
		return ErrDuplicateExternalID
	}
	p.ExternalID = externalID
	p.Status = status
	if approvedAt != nil {
		t := *approvedAt
		p.ApprovedAt = &t
	}
	p.UpdatedAt = time.Now()
	return nil
}

// Delete removes a payment.
func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(r.payments, id)
	return nil
}

// externalIDTaken reports whether a payment other than id carries externalID.
// Callers hold the lock.
func (r *InMemoryRepository) externalIDTaken(id, externalID string) bool {
	if externalID == "" {
		return false
	}
	for _, p := range r.payments {
		if p.ID != id && p.ExternalID == externalID {
			return true
		}
	}
	return false
}

// TransitionStatus moves a payment to status when the transition is allowed.
func (r *InMemoryRepository) TransitionStatus(ctx context.Context, id, externalID, status string, approvedAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[id]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if !p.acceptsStatus(status, externalID) {
		return false, nil
	}
	if p.ExternalID == "" && externalID != "" {
		if r.externalIDTaken(id, externalID) {
			return false, ErrDuplicateExternalID
		}
		p.ExternalID = externalID
	}
	p.Status = status
	if approvedAt != nil {
		t := *approvedAt
		p.ApprovedAt = &t
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

// ApplyChargeback records the chargeback and applies its effects while
// holding the write lock.
func (r *InMemoryRepository) ApplyChargeback(ctx context.Context, cb *Chargeback) (ChargebackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.chargebacks[cb.ExternalID]; exists {
		return ChargebackResult{}, nil
	}

	result := ChargebackResult{Applied: true}
	var disputed *Payment
	for _, p := range r.payments {
		if cb.PaymentExternalID != "" && p.ExternalID == cb.PaymentExternalID {
			disputed = p
			break
		}
	}

	if disputed != nil {
		result.PaymentID = disputed.ID
		result.UserID = disputed.UserID
		result.PayerEmail = disputed.PayerEmail
		result.SubscriptionID = disputed.SubscriptionID
		cb.UserID = disputed.UserID

		if disputed.SubscriptionID != "" && r.subscriptions != nil {
			cancelled, err := r.subscriptions.Cancel(ctx, disputed.SubscriptionID)
			if err != nil {
				return ChargebackResult{}, err
			}
			result.SubscriptionCancelled = cancelled
		}
		if disputed.Status != StatusChargedBack {
			disputed.Status = StatusChargedBack
			disputed.UpdatedAt = time.Now()
		}
	}

	if cb.ID == "" {
		cb.ID = uuid.New().String()
	}
	cb.CreatedAt = time.Now()
	stored := *cb
	r.chargebacks[cb.ExternalID] = &stored
	return result, nil
}

// RecordClaim inserts or advances a claim while holding the write lock.
func (r *InMemoryRepository) RecordClaim(ctx context.Context, c *Claim) (ClaimChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if stored, exists := r.claims[c.ExternalID]; exists {
		if !claimUpdate(stored, c) {
			return ClaimChange{}, nil
		}
		change := ClaimChange{Updated: true, PreviousStatus: stored.Status}
		stored.Status = c.Status
		stored.Stage = c.Stage
		stored.UpdatedAt = now
		return change, nil
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := *c
	r.claims[c.ExternalID] = &stored
	return ClaimChange{Inserted: true}, nil
}

// Chargebacks returns the recorded chargebacks.
func (r *InMemoryRepository) Chargebacks() []Chargeback {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Chargeback, 0, len(r.chargebacks))
	for _, cb := range r.chargebacks {
		out = append(out, *cb)
	}
	return out
}

// Claims returns the recorded claims.
func (r *InMemoryRepository) Claims() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, *c)
	}
	return out
}
