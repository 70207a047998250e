package provider

// Local payment statuses. The payment package re-exports these.
const (
	PaymentInitiating  = "initiating"
	PaymentPending     = "pending"
	PaymentApproved    = "approved"
	PaymentAuthorized  = "authorized"
	PaymentRejected    = "rejected"
	PaymentRefunded    = "refunded"
	PaymentCancelled   = "cancelled"
	PaymentInMediation = "in_mediation"
	PaymentChargedBack = "charged_back"
)

// Local subscription statuses. The subscription package re-exports these.
const (
	SubscriptionPending   = "pending"
	SubscriptionActive    = "active"
	SubscriptionPaused    = "paused"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

var paymentStatuses = map[string]string{
	"pending":      PaymentPending,
	"in_process":   PaymentPending,
	"approved":     PaymentApproved,
	"authorized":   PaymentAuthorized,
	"rejected":     PaymentRejected,
	"refunded":     PaymentRefunded,
	"cancelled":    PaymentCancelled,
	"in_mediation": PaymentInMediation,
	"charged_back": PaymentChargedBack,
}

// MapPaymentStatus maps a provider payment status to the local status.
// Unknown values map to pending so the next notification can settle them.
func MapPaymentStatus(status string) string {
	if s, ok := paymentStatuses[status]; ok {
		return s
	}
	return PaymentPending
}

var subscriptionStatuses = map[string]string{
	"pending":    SubscriptionPending,
	"authorized": SubscriptionActive,
	"active":     SubscriptionActive,
	"paused":     SubscriptionPaused,
	"cancelled":  SubscriptionCancelled,
	"canceled":   SubscriptionCancelled,
	"expired":    SubscriptionExpired,
}

// MapSubscriptionStatus maps a provider preapproval status to the local status.
// The provider's "authorized" is the local "active".
func MapSubscriptionStatus(status string) string {
	if s, ok := subscriptionStatuses[status]; ok {
		return s
	}
	return SubscriptionPending
}

// RemoteSubscriptionStatus maps a local status to the value the provider accepts
// on PUT /preapproval/{id}.
func RemoteSubscriptionStatus(local string) string {
	if local == SubscriptionActive {
		return "authorized"
	}
	return local
}
