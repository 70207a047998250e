// Package payment provides models, persistence and submission of one-off
// payments, plus the chargeback and claim records attached to them.
package payment

import (
	"errors"
	"sort"
	"time"

	"github.com/onnwee/coursepay/internal/provider"
)

// Payment statuses.
const (
	StatusInitiating  = provider.PaymentInitiating
	StatusPending     = provider.PaymentPending
	StatusApproved    = provider.PaymentApproved
	StatusAuthorized  = provider.PaymentAuthorized
	StatusRejected    = provider.PaymentRejected
	StatusRefunded    = provider.PaymentRefunded
	StatusCancelled   = provider.PaymentCancelled
	StatusInMediation = provider.PaymentInMediation
	StatusChargedBack = provider.PaymentChargedBack
)

// Payment methods.
const (
	MethodCreditCard = "credit_card"
	MethodPix        = "pix"
)

// Claim resource types.
const (
	ResourcePayment      = "payment"
	ResourceSubscription = "subscription"
)

// Claim statuses. A closed claim is not reopened.
const (
	ClaimStatusOpened = "opened"
	ClaimStatusClosed = "closed"
)

var (
	// ErrPaymentNotFound is returned when a payment is not found.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicateIdempotencyKey is returned when a payment with the same idempotency key exists.
	ErrDuplicateIdempotencyKey = errors.New("payment idempotency key already used")

	// ErrDuplicateExternalID is returned when another payment already carries the provider id.
	ErrDuplicateExternalID = errors.New("payment external id already linked")
)

// Payment is a one-off charge made by a user.
type Payment struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ExternalID     string     `json:"external_id,omitempty"` // provider payment id
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Method         string     `json:"method"`
	Status         string     `json:"status"`
	Amount         int64      `json:"amount"` // cents
	PayerEmail     string     `json:"payer_email,omitempty"`
	IdempotencyKey string     `json:"-"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// transitions lists the statuses a payment may move to from each status.
// Statuses without an entry are final.
var transitions = map[string][]string{
	StatusInitiating: {StatusPending, StatusAuthorized, StatusApproved, StatusInMediation,
		StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack},
	StatusPending: {StatusAuthorized, StatusApproved, StatusInMediation,
		StatusRejected, StatusCancelled, StatusRefunded, StatusChargedBack},
	StatusAuthorized:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusInMediation, StatusRefunded, StatusCancelled, StatusChargedBack},
	StatusInMediation: {StatusApproved, StatusRefunded, StatusCancelled, StatusChargedBack},
}

// CanTransition reports whether a payment in status from may move to status to.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceStatuses returns the statuses from which a payment may move to status to.
func SourceStatuses(to string) []string {
	var out []string
	for from, next := range transitions {
		for _, s := range next {
			if s == to {
				out = append(out, from)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// openStatuses returns the statuses that still accept transitions.
func openStatuses() []string {
	out := make([]string, 0, len(transitions))
	for from := range transitions {
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

// IsFinal reports whether no later notification can change the payment.
func (p *Payment) IsFinal() bool {
	return len(transitions[p.Status]) == 0
}

// acceptsStatus reports whether status may be applied to the payment. A
// repeated status is accepted only to link a provider id the row lacks.
func (p *Payment) acceptsStatus(status, externalID string) bool {
	if CanTransition(p.Status, status) {
		return true
	}
	return p.Status == status && p.ExternalID == "" && externalID != "" && !p.IsFinal()
}

func (p *Payment) clone() *Payment {
	c := *p
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		c.ApprovedAt = &t
	}
	return &c
}

// Chargeback records a provider chargeback. ExternalID is unique.
type Chargeback struct {
	ID                string    `json:"id"`
	ExternalID        string    `json:"external_id"`
	PaymentExternalID string    `json:"payment_external_id"`
	UserID            string    `json:"user_id,omitempty"`
	Amount            int64     `json:"amount"` // cents
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// ChargebackResult describes what ApplyChargeback changed.
type ChargebackResult struct {
	// Applied is false when the chargeback was already recorded.
	Applied               bool
	PaymentID             string
	UserID                string
	PayerEmail            string
	SubscriptionID        string
	SubscriptionCancelled bool
}

// Claim records a buyer complaint. ExternalID is unique.
type Claim struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	Type         string    `json:"type"`
	Stage        string    `json:"stage"`
	UserID       string    `json:"user_id,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClaimChange describes what RecordClaim changed.
type ClaimChange struct {
	// Inserted is true when the claim was seen for the first time.
	Inserted bool
	// Updated is true when a recorded claim moved to a new status or stage.
	Updated        bool
	PreviousStatus string
}

// Resolved reports whether this change closed the claim.
func (c ClaimChange) Resolved(status string) bool {
	if status != ClaimStatusClosed {
		return false
	}
	return c.Inserted || (c.Updated && c.PreviousStatus != ClaimStatusClosed)
}

// claimUpdate reports whether a recorded claim should take the incoming
// status and stage.
func claimUpdate(stored, incoming *Claim) bool {
	if stored.Status == ClaimStatusClosed && incoming.Status != ClaimStatusClosed {
		return false
	}
	return stored.Status != incoming.Status || stored.Stage != incoming.Stage
}
