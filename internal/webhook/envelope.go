package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the normalized kind of a notification.
type Type string

// Notification types understood by the router.
const (
	TypePayment             Type = "payment"
	TypeSubscriptionCreated Type = "subscription_created"
	TypeSubscriptionUpdated Type = "subscription_updated"
	TypeSubscriptionRenewed Type = "subscription_renewed"
	TypeCardUpdated         Type = "card_updated"
	TypeChargeback          Type = "chargeback"
	TypeClaim               Type = "claim"
	TypeUnknown             Type = "unknown"
)

// providerTypes maps the provider's declared topic to a notification type.
var providerTypes = map[string]Type{
	"payment":                         TypePayment,
	"subscription_preapproval":        TypeSubscriptionCreated,
	"subscription_updated":            TypeSubscriptionUpdated,
	"subscription_authorized_payment": TypeSubscriptionRenewed,
	"automatic-payments":              TypeCardUpdated,
	"chargebacks":                     TypeChargeback,
	"topic_chargebacks_wh":            TypeChargeback,
	"topic_claims_integration_wh":     TypeClaim,
	"claim":                           TypeClaim,
}

// NormalizeType maps a provider topic to a Type, or TypeUnknown.
func NormalizeType(providerType string) Type {
	if t, ok := providerTypes[providerType]; ok {
		return t
	}
	return TypeUnknown
}

// ErrMalformedNotification is returned when a body cannot be decoded.
var ErrMalformedNotification = errors.New("malformed notification")

// Notification is the provider's JSON body. Unknown fields are ignored.
type Notification struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Type   string          `json:"type"`
	Action string          `json:"action,omitempty"`
	Data   struct {
		ID json.RawMessage `json:"id"`
		// Card update notifications identify the customer and the new card.
		CustomerID json.RawMessage `json:"customer_id,omitempty"`
		NewCardID  json.RawMessage `json:"new_card_id,omitempty"`
	} `json:"data"`
}

// Envelope is the transient, verified form of a notification.
type Envelope struct {
	ID           string
	Type         Type
	ProviderType string
	ResourceID   string
	// SignedID is the data.id the provider signed. It differs from
	// ResourceID only for card updates.
	SignedID string
	// CardID is set for card updates, where ResourceID is the customer id.
	CardID     string
	ReceivedAt time.Time
}

// ParseNotification decodes body. fallbackResourceID is used when the body
// carries no data.id (some topics send it only as a query parameter).
func ParseNotification(body []byte, fallbackResourceID string, now time.Time) (Envelope, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	if n.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedNotification)
	}

	typ := NormalizeType(n.Type)
	signedID := rawID(n.Data.ID)
	if signedID == "" {
		signedID = fallbackResourceID
	}
	resourceID := signedID
	var cardID string
	if typ == TypeCardUpdated {
		if customer := rawID(n.Data.CustomerID); customer != "" {
			resourceID = customer
		}
		cardID = rawID(n.Data.NewCardID)
	}

	id := rawID(n.ID)
	if id == "" {
		id = uuid.New().String()
	}

	return Envelope{
		ID:           id,
		Type:         typ,
		ProviderType: n.Type,
		ResourceID:   resourceID,
		SignedID:     signedID,
		CardID:       cardID,
		ReceivedAt:   now,
	}, nil
}

// rawID accepts both string and numeric JSON ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
