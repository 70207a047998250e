package provider

import (
	"math"
	"time"
)

// Currency used for every amount sent to the provider.
const CurrencyBRL = "BRL"

// AutoRecurring describes the billing terms of a subscription.
type AutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

// CreateSubscriptionRequest is the body of POST /preapproval.
type CreateSubscriptionRequest struct {
	PreapprovalPlanID string         `json:"preapproval_plan_id,omitempty"`
	Reason            string         `json:"reason"`
	ExternalReference string         `json:"external_reference,omitempty"`
	PayerEmail        string         `json:"payer_email"`
	CardTokenID       string         `json:"card_token_id"`
	BackURL           string         `json:"back_url,omitempty"`
	AutoRecurring     *AutoRecurring `json:"auto_recurring,omitempty"`
	Status            string         `json:"status,omitempty"`
}

// Subscription is the provider's view of a subscription (preapproval).
type Subscription struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	PreapprovalPlanID string         `json:"preapproval_plan_id"`
	ExternalReference string         `json:"external_reference"`
	PayerID           int64          `json:"payer_id"`
	PayerEmail        string         `json:"payer_email"`
	CardID            string         `json:"card_id"`
	DateCreated       *time.Time     `json:"date_created,omitempty"`
	NextPaymentDate   *time.Time     `json:"next_payment_date,omitempty"`
	AutoRecurring     *AutoRecurring `json:"auto_recurring,omitempty"`
}

// Amount returns the recurring amount in cents, or 0 if absent.
func (s *Subscription) Amount() int64 {
	if s.AutoRecurring == nil {
		return 0
	}
	return ToCents(s.AutoRecurring.TransactionAmount)
}

// Payer identifies the person paying.
type Payer struct {
	Email string `json:"email"`
	ID    string `json:"id,omitempty"`
}

// CreatePaymentRequest is the body of POST /v1/payments.
type CreatePaymentRequest struct {
	TransactionAmount float64        `json:"transaction_amount"`
	Description       string         `json:"description"`
	PaymentMethodID   string         `json:"payment_method_id"`
	Token             string         `json:"token,omitempty"`
	Installments      int            `json:"installments,omitempty"`
	IssuerID          string         `json:"issuer_id,omitempty"`
	ExternalReference string         `json:"external_reference"`
	NotificationURL   string         `json:"notification_url,omitempty"`
	Payer             Payer          `json:"payer"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// PaymentMethodPix is the payment_method_id for PIX transfers.
const PaymentMethodPix = "pix"

// TransactionData carries the PIX QR code returned on creation.
type TransactionData struct {
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
	TicketURL    string `json:"ticket_url"`
}

// PointOfInteraction wraps TransactionData.
type PointOfInteraction struct {
	TransactionData *TransactionData `json:"transaction_data,omitempty"`
}

// PaymentCard is the card summary attached to a payment.
type PaymentCard struct {
	ID             string `json:"id"`
	LastFourDigits string `json:"last_four_digits"`
}

// Payment is the provider's view of a payment.
type Payment struct {
	ID                 int64               `json:"id"`
	Status             string              `json:"status"`
	StatusDetail       string              `json:"status_detail"`
	TransactionAmount  float64             `json:"transaction_amount"`
	ExternalReference  string              `json:"external_reference"`
	PaymentMethodID    string              `json:"payment_method_id"`
	DateApproved       *time.Time          `json:"date_approved,omitempty"`
	DateCreated        *time.Time          `json:"date_created,omitempty"`
	Payer              Payer               `json:"payer"`
	Card               *PaymentCard        `json:"card,omitempty"`
	PointOfInteraction *PointOfInteraction `json:"point_of_interaction,omitempty"`
}

// AuthorizedPayment is a recurring charge of a subscription.
type AuthorizedPayment struct {
	ID                int64      `json:"id"`
	PreapprovalID     string     `json:"preapproval_id"`
	Status            string     `json:"status"`
	TransactionAmount float64    `json:"transaction_amount"`
	DebitDate         *time.Time `json:"debit_date,omitempty"`
	Payment           struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
}

// Card is a stored customer card.
type Card struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customer_id"`
	LastFourDigits  string `json:"last_four_digits"`
	FirstSixDigits  string `json:"first_six_digits"`
	ExpirationMonth int    `json:"expiration_month"`
	ExpirationYear  int    `json:"expiration_year"`
	PaymentMethod   struct {
		ID string `json:"id"`
	} `json:"payment_method"`
}

// Chargeback is a disputed payment.
type Chargeback struct {
	ID          string     `json:"id"`
	Payments    []int64    `json:"payments"`
	Amount      float64    `json:"amount"`
	Currency    string     `json:"currency"`
	Coverage    bool       `json:"coverage_applied"`
	Status      string     `json:"status"`
	DateCreated *time.Time `json:"date_created,omitempty"`
}

// Claim is a buyer complaint opened with the provider.
type Claim struct {
	ID          int64      `json:"id"`
	ResourceID  string     `json:"resource_id"`
	Resource    string     `json:"resource"`
	Type        string     `json:"type"`
	Stage       string     `json:"stage"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason_id"`
	DateCreated *time.Time `json:"date_created,omitempty"`
}

// ClaimMessage is posted to a claim's conversation.
type ClaimMessage struct {
	ReceiverRole string `json:"receiver_role"`
	Message      string `json:"message"`
}

// ToCents converts a provider decimal amount to cents.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromCents converts cents to the provider's decimal representation.
func FromCents(cents int64) float64 {
	return float64(cents) / 100
}
