package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
	"github.com/onnwee/coursepay/internal/tracing"
	"github.com/onnwee/coursepay/internal/validate"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidRequest is returned for missing or malformed payment input.
var ErrInvalidRequest = errors.New("invalid payment request")

// Remote is the subset of the provider client used to create payments.
type Remote interface {
	CreatePayment(ctx context.Context, req provider.CreatePaymentRequest) (*provider.Payment, error)
}

// Publisher pushes status updates to a connected user.
type Publisher interface {
	Publish(userID string, update push.Update)
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// NotificationURL is sent to the provider so it can post status changes.
	NotificationURL string
	RemoteTimeout   time.Duration
	Logger          *slog.Logger
}

// CardPaymentRequest is a one-off credit card payment.
type CardPaymentRequest struct {
	Token           string `json:"token"`
	PaymentMethodID string `json:"payment_method_id"`
	IssuerID        string `json:"issuer_id,omitempty"`
	Installments    int    `json:"installments"`
	Amount          int64  `json:"amount"` // cents
	Description     string `json:"description"`
	PayerEmail      string `json:"payer_email"`
}

// PixPaymentRequest is a one-off PIX payment.
type PixPaymentRequest struct {
	Amount      int64  `json:"amount"` // cents
	Description string `json:"description"`
	PayerEmail  string `json:"payer_email"`
}

// Result is returned to the payer after submission.
type Result struct {
	ID           string `json:"id"`
	ExternalID   string `json:"external_id"`
	Status       string `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`
	Amount       int64  `json:"amount"`
	QRCode       string `json:"qr_code,omitempty"`
	QRCodeBase64 string `json:"qr_code_base64,omitempty"`
	TicketURL    string `json:"ticket_url,omitempty"`
}

// Service submits payments to the provider while keeping a local record.
type Service struct {
	repo      Repository
	remote    Remote
	publisher Publisher
	cache     cache.Cache
	cfg       ServiceConfig
}

// NewService creates a payment service. publisher and c may be nil.
func NewService(repo Repository, remote Remote, publisher Publisher, c cache.Cache, cfg ServiceConfig) *Service {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = provider.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{repo: repo, remote: remote, publisher: publisher, cache: c, cfg: cfg}
}

// SubmitCreditCard charges a card.
func (s *Service) SubmitCreditCard(ctx context.Context, userID, idempotencyKey string, req CardPaymentRequest) (*Result, error) {
	if req.Token == "" || req.PaymentMethodID == "" {
		return nil, fmt.Errorf("%w: card token and payment method are required", ErrInvalidRequest)
	}
	if _, err := validate.ProviderID(req.Token); err != nil {
		return nil, fmt.Errorf("%w: card token: %v", ErrInvalidRequest, err)
	}
	if _, err := validate.ProviderID(req.PaymentMethodID); err != nil {
		return nil, fmt.Errorf("%w: payment method: %v", ErrInvalidRequest, err)
	}
	if req.Installments <= 0 {
		req.Installments = 1
	}
	desc, err := validate.PaymentDescription(req.Description)
	if err != nil {
		return nil, fmt.Errorf("%w: description: %v", ErrInvalidRequest, err)
	}
	return s.submit(ctx, userID, idempotencyKey, MethodCreditCard, req.Amount, req.PayerEmail, func(email, reference string) provider.CreatePaymentRequest {
		return provider.CreatePaymentRequest{
			TransactionAmount: provider.FromCents(req.Amount),
			Description:       desc,
			PaymentMethodID:   req.PaymentMethodID,
			Token:             req.Token,
			Installments:      req.Installments,
			IssuerID:          req.IssuerID,
			ExternalReference: reference,
			NotificationURL:   s.cfg.NotificationURL,
			Payer:             provider.Payer{Email: email},
		}
	})
}

// SubmitPix creates a PIX charge and returns its QR code.
func (s *Service) SubmitPix(ctx context.Context, userID, idempotencyKey string, req PixPaymentRequest) (*Result, error) {
	desc, err := validate.PaymentDescription(req.Description)
	if err != nil {
		return nil, fmt.Errorf("%w: description: %v", ErrInvalidRequest, err)
	}
	return s.submit(ctx, userID, idempotencyKey, MethodPix, req.Amount, req.PayerEmail, func(email, reference string) provider.CreatePaymentRequest {
		return provider.CreatePaymentRequest{
			TransactionAmount: provider.FromCents(req.Amount),
			Description:       desc,
			PaymentMethodID:   provider.PaymentMethodPix,
			ExternalReference: reference,
			NotificationURL:   s.cfg.NotificationURL,
			Payer:             provider.Payer{Email: email},
		}
	})
}

func (s *Service) submit(
	ctx context.Context,
	userID, idempotencyKey, method string,
	amount int64,
	payerEmail string,
	build func(email, reference string) provider.CreatePaymentRequest,
) (result *Result, err error) {
	if userID == "" || idempotencyKey == "" {
		return nil, fmt.Errorf("%w: user and idempotency key are required", ErrInvalidRequest)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	email, err := validate.Email(payerEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: payer email: %v", ErrInvalidRequest, err)
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.submit")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx, attribute.String("payment.method", method), attribute.String("user.id", userID))

	logger := s.cfg.Logger.With(slog.String("user_id", userID), slog.String("method", method))

	// The stored key, the provider idempotency header and the external
	// reference are all scoped to the user, as the request cache is.
	reference := idempotency.ScopedKey(userID, idempotencyKey)
	p := &Payment{
		UserID:         userID,
		Method:         method,
		Status:         StatusInitiating,
		Amount:         amount,
		PayerEmail:     email,
		IdempotencyKey: reference,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.publish(userID, push.Update{PaymentID: p.ID, Status: "processing", Message: "Processing payment"})

	remoteCtx, cancel := context.WithTimeout(provider.WithIdempotencyKey(ctx, reference), s.cfg.RemoteTimeout)
	remote, err := s.remote.CreatePayment(remoteCtx, build(email, reference))
	cancel()
	if err != nil {
		logger.WarnContext(ctx, "provider rejected payment, removing local record",
			slog.String("payment_id", p.ID),
			slog.String("error", err.Error()))
		if derr := s.repo.Delete(context.WithoutCancel(ctx), p.ID); derr != nil {
			logger.ErrorContext(ctx, "failed to remove local payment",
				slog.String("payment_id", p.ID),
				slog.String("error", derr.Error()))
		}
		s.publish(userID, push.Update{PaymentID: p.ID, Status: "failed", Message: "Payment could not be processed", Final: true})
		return nil, err
	}

	status := provider.MapPaymentStatus(remote.Status)
	externalID := provider.PaymentID(remote.ID)
	if err := s.repo.Confirm(ctx, p.ID, externalID, status, remote.DateApproved); err != nil {
		// The row still carries the idempotency key as external reference,
		// so the payment notification settles it.
		logger.ErrorContext(ctx, "failed to confirm local payment",
			slog.String("payment_id", p.ID),
			slog.String("external_id", externalID),
			slog.String("error", err.Error()))
	}

	s.invalidate(ctx, userID)
	s.publish(userID, push.Update{PaymentID: p.ID, Status: status, Message: StatusMessage(status), Final: status != StatusPending})

	logger.InfoContext(ctx, "payment submitted",
		slog.String("payment_id", p.ID),
		slog.String("external_id", externalID),
		slog.String("status", status))

	result = &Result{
		ID:           p.ID,
		ExternalID:   externalID,
		Status:       status,
		StatusDetail: remote.StatusDetail,
		Amount:       amount,
	}
	if poi := remote.PointOfInteraction; poi != nil && poi.TransactionData != nil {
		result.QRCode = poi.TransactionData.QRCode
		result.QRCodeBase64 = poi.TransactionData.QRCodeBase64
		result.TicketURL = poi.TransactionData.TicketURL
	}
	return result, nil
}

// History returns the user's payments, served from cache when possible.
func (s *Service) History(ctx context.Context, userID string) ([]*Payment, error) {
	key := cache.PaymentHistoryKey(userID)
	if s.cache != nil {
		var cached []*Payment
		if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
			return cached, nil
		}
	}
	payments, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, key, payments, cache.DefaultTTL); err != nil {
			s.cfg.Logger.WarnContext(ctx, "failed to cache payment history",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}
	return payments, nil
}

func (s *Service) publish(userID string, u push.Update) {
	if s.publisher != nil {
		s.publisher.Publish(userID, u)
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, cache.PaymentHistoryKey(userID)); err != nil {
		s.cfg.Logger.WarnContext(ctx, "failed to invalidate payment cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
	}
}

// StatusMessage returns the payer-facing text for a payment status.
func StatusMessage(status string) string {
	switch status {
	case StatusApproved, StatusAuthorized:
		return "Payment approved"
	case StatusPending:
		return "Waiting for payment confirmation"
	case StatusRejected:
		return "Payment rejected"
	case StatusCancelled:
		return "Payment cancelled"
	case StatusRefunded:
		return "Payment refunded"
	case StatusChargedBack:
		return "Payment charged back"
	case StatusInMediation:
		return "Payment under dispute"
	default:
		return "Payment status updated"
	}
}
