// Package subscription owns the local projection of provider subscriptions
// and the saga that keeps it consistent with the provider.
package subscription

import (
	"errors"
	"time"

	"github.com/onnwee/coursepay/internal/provider"
)

// Subscription statuses.
const (
	StatusPending   = provider.SubscriptionPending
	StatusActive    = provider.SubscriptionActive
	StatusPaused    = provider.SubscriptionPaused
	StatusCancelled = provider.SubscriptionCancelled
	StatusExpired   = provider.SubscriptionExpired
)

// Plan frequency units.
const (
	FrequencyDays   = "days"
	FrequencyMonths = "months"
)

var (
	// ErrSubscriptionNotFound is returned when no matching subscription exists.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound is returned when the requested plan does not exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrDuplicateExternalID is returned when another row already uses the external id.
	ErrDuplicateExternalID = errors.New("subscription external id already in use")
)

// Subscription is the local record of a provider subscription.
type Subscription struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	PlanID             string     `json:"plan_id"`
	ExternalID         string     `json:"external_id,omitempty"`
	PayerID            string     `json:"payer_id,omitempty"`
	Status             string     `json:"status"`
	CurrentAmount      int64      `json:"current_amount"` // cents
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CardTokenID        string     `json:"card_token_id,omitempty"`
	LastFourDigits     string     `json:"last_four_digits,omitempty"`
	CustomerID         string     `json:"customer_id,omitempty"`
	PayerEmail         string     `json:"payer_email,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsLive reports whether the subscription counts toward the one-per-user limit.
func (s *Subscription) IsLive() bool {
	return s.Status != StatusCancelled && s.Status != StatusExpired
}

func (s *Subscription) clone() *Subscription {
	c := *s
	if s.CurrentPeriodStart != nil {
		t := *s.CurrentPeriodStart
		c.CurrentPeriodStart = &t
	}
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	return &c
}

// Plan is a purchasable billing plan.
type Plan struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Amount            int64  `json:"amount"` // cents
	FrequencyType     string `json:"frequency_type"`
	FrequencyInterval int    `json:"frequency_interval"`
	ExternalPlanID    string `json:"external_plan_id,omitempty"`
}

// AddPeriod returns t advanced by one billing period of the plan.
func (p *Plan) AddPeriod(t time.Time) time.Time {
	n := p.FrequencyInterval
	if n <= 0 {
		n = 1
	}
	if p.FrequencyType == FrequencyDays {
		return t.AddDate(0, 0, n)
	}
	return t.AddDate(0, n, 0)
}

// ProviderFrequencyType returns the unit name the provider expects.
func (p *Plan) ProviderFrequencyType() string {
	if p.FrequencyType == FrequencyDays {
		return FrequencyDays
	}
	return FrequencyMonths
}
