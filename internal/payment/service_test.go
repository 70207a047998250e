package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/idempotency"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
)

type fakeRemote struct {
	mu       sync.Mutex
	resp     *provider.Payment
	err      error
	requests []provider.CreatePaymentRequest
	keys     []string
}

func (f *fakeRemote) CreatePayment(ctx context.Context, req provider.CreatePaymentRequest) (*provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.keys = append(f.keys, provider.IdempotencyKeyFromContext(ctx))
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []push.Update
}

func (p *recordingPublisher) Publish(userID string, u push.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.updates))
	for i, u := range p.updates {
		out[i] = u.Status
	}
	return out
}

func newTestService(repo Repository, remote Remote, pub Publisher, c cache.Cache) *Service {
	return NewService(repo, remote, pub, c, ServiceConfig{
		NotificationURL: "https://example.com/webhook/mercadopago",
		RemoteTimeout:   time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func cardRequest() CardPaymentRequest {
	return CardPaymentRequest{
		Token:           "tok_123",
		PaymentMethodID: "visa",
		Amount:          4990,
		Description:     "Course access",
		PayerEmail:      "Buyer@Example.com",
	}
}

// TestSubmitCreditCard_Approved tests the happy path of a card payment.
func TestSubmitCreditCard_Approved(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	approved := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{resp: &provider.Payment{ID: 9001, Status: "approved", StatusDetail: "accredited", DateApproved: &approved}}
	pub := &recordingPublisher{}
	c := cache.NewMemoryCache()
	ctx := context.Background()
	c.Set(ctx, cache.PaymentHistoryKey("u1"), []byte("[]"), time.Minute)

	svc := newTestService(repo, remote, pub, c)
	res, err := svc.SubmitCreditCard(ctx, "u1", "key-1", cardRequest())
	if err != nil {
		t.Fatalf("SubmitCreditCard failed: %v", err)
	}
	if res.Status != StatusApproved || res.ExternalID != "9001" || res.Amount != 4990 {
		t.Errorf("unexpected result: %+v", res)
	}

	req := remote.requests[0]
	if req.TransactionAmount != 49.90 || req.Token != "tok_123" || req.Installments != 1 {
		t.Errorf("unexpected provider request: %+v", req)
	}
	scoped := idempotency.ScopedKey("u1", "key-1")
	if req.ExternalReference != scoped || remote.keys[0] != scoped {
		t.Errorf("scoped idempotency key not forwarded: reference=%q header=%q", req.ExternalReference, remote.keys[0])
	}
	if req.Payer.Email != "buyer@example.com" {
		t.Errorf("payer email not normalized: %q", req.Payer.Email)
	}

	stored, err := repo.GetByExternalID(ctx, "9001")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if stored.Status != StatusApproved || stored.ApprovedAt == nil {
		t.Errorf("unexpected stored payment: %+v", stored)
	}

	if got := pub.statuses(); len(got) != 2 || got[0] != "processing" || got[1] != StatusApproved {
		t.Errorf("published statuses = %v", got)
	}
	if _, err := c.Get(ctx, cache.PaymentHistoryKey("u1")); !errors.Is(err, cache.ErrMiss) {
		t.Error("expected payment history cache to be invalidated")
	}
}

// TestSubmitPix_ReturnsQRCode tests that PIX responses carry the QR code payload.
func TestSubmitPix_ReturnsQRCode(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	remote := &fakeRemote{resp: &provider.Payment{
		ID:     42,
		Status: "pending",
		PointOfInteraction: &provider.PointOfInteraction{TransactionData: &provider.TransactionData{
			QRCode:       "00020126...",
			QRCodeBase64: "iVBORw0KGgo=",
			TicketURL:    "https://example.com/ticket",
		}},
	}}
	pub := &recordingPublisher{}
	svc := newTestService(repo, remote, pub, nil)

	res, err := svc.SubmitPix(context.Background(), "u1", "key-pix", PixPaymentRequest{Amount: 1000, PayerEmail: "a@b.co"})
	if err != nil {
		t.Fatalf("SubmitPix failed: %v", err)
	}
	if res.Status != StatusPending || res.QRCode != "00020126..." || res.QRCodeBase64 == "" || res.TicketURL == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	if remote.requests[0].PaymentMethodID != provider.PaymentMethodPix {
		t.Errorf("payment method = %q, want pix", remote.requests[0].PaymentMethodID)
	}
	last := pub.updates[len(pub.updates)-1]
	if last.Final {
		t.Error("pending PIX update must not be final")
	}
}

// TestSubmit_ProviderFailureRemovesLocalRecord tests that no local row survives a failed remote create.
func TestSubmit_ProviderFailureRemovesLocalRecord(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	remote := &fakeRemote{err: &provider.ExternalAPIError{StatusCode: 400, Method: "POST", Path: "/v1/payments", Message: "invalid token"}}
	pub := &recordingPublisher{}
	svc := newTestService(repo, remote, pub, nil)
	ctx := context.Background()

	_, err := svc.SubmitCreditCard(ctx, "u1", "key-1", cardRequest())
	var apiErr *provider.ExternalAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected ExternalAPIError, got %v", err)
	}

	payments, _ := repo.ListByUser(ctx, "u1")
	if len(payments) != 0 {
		t.Errorf("expected no local payments, got %d", len(payments))
	}
	if got := pub.statuses(); len(got) != 2 || got[1] != "failed" {
		t.Errorf("published statuses = %v", got)
	}

	// The same key can be retried after the failed attempt was cleaned up.
	remote.err = nil
	remote.resp = &provider.Payment{ID: 1, Status: "approved"}
	if _, err := svc.SubmitCreditCard(ctx, "u1", "key-1", cardRequest()); err != nil {
		t.Errorf("retry with same key failed: %v", err)
	}
}

// TestSubmit_Validation tests request validation.
func TestSubmit_Validation(t *testing.T) {
	svc := newTestService(NewInMemoryRepository(nil), &fakeRemote{}, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		key    string
		req    CardPaymentRequest
	}{
		{"missing user", "", "k", cardRequest()},
		{"missing key", "u1", "", cardRequest()},
		{"zero amount", "u1", "k", func() CardPaymentRequest { r := cardRequest(); r.Amount = 0; return r }()},
		{"missing token", "u1", "k", func() CardPaymentRequest { r := cardRequest(); r.Token = ""; return r }()},
		{"bad email", "u1", "k", func() CardPaymentRequest { r := cardRequest(); r.PayerEmail = "nope"; return r }()},
		{"malformed token", "u1", "k", func() CardPaymentRequest { r := cardRequest(); r.Token = "tok 123"; return r }()},
		{"multi-line description", "u1", "k", func() CardPaymentRequest { r := cardRequest(); r.Description = "a\nb"; return r }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SubmitCreditCard(ctx, tt.userID, tt.key, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

// TestSubmit_DuplicateKey tests that a key already used for a live payment is rejected.
func TestSubmit_DuplicateKey(t *testing.T) {
	remote := &fakeRemote{resp: &provider.Payment{ID: 7, Status: "approved"}}
	svc := newTestService(NewInMemoryRepository(nil), remote, nil, nil)
	ctx := context.Background()

	if _, err := svc.SubmitCreditCard(ctx, "u1", "key-1", cardRequest()); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if _, err := svc.SubmitCreditCard(ctx, "u1", "key-1", cardRequest()); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Errorf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if len(remote.requests) != 1 {
		t.Errorf("expected one provider call, got %d", len(remote.requests))
	}
}

// TestSubmit_KeyScopedPerUser tests that two users may use the same client key.
func TestSubmit_KeyScopedPerUser(t *testing.T) {
	remote := &fakeRemote{resp: &provider.Payment{ID: 7, Status: "pending"}}
	repo := NewInMemoryRepository(nil)
	svc := newTestService(repo, remote, nil, nil)
	ctx := context.Background()

	if _, err := svc.SubmitCreditCard(ctx, "u1", "order-1", cardRequest()); err != nil {
		t.Fatalf("first user submit failed: %v", err)
	}
	remote.resp = &provider.Payment{ID: 8, Status: "pending"}
	if _, err := svc.SubmitCreditCard(ctx, "u2", "order-1", cardRequest()); err != nil {
		t.Fatalf("second user submit failed: %v", err)
	}
	if len(remote.requests) != 2 || remote.keys[0] == remote.keys[1] {
		t.Errorf("provider keys = %v, want two distinct keys", remote.keys)
	}
	for _, user := range []string{"u1", "u2"} {
		p, err := repo.GetByIdempotencyKey(ctx, idempotency.ScopedKey(user, "order-1"))
		if err != nil || p.UserID != user {
			t.Errorf("payment for %s = %+v, %v", user, p, err)
		}
	}
}

// TestHistory_UsesCache tests that history is cached until invalidated.
func TestHistory_UsesCache(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	c := cache.NewMemoryCache()
	remote := &fakeRemote{resp: &provider.Payment{ID: 7, Status: "approved"}}
	svc := newTestService(repo, remote, nil, c)
	ctx := context.Background()

	repo.Create(ctx, newPayment("u1", "k0"))
	first, err := svc.History(ctx, "u1")
	if err != nil || len(first) != 1 {
		t.Fatalf("History = %d, %v", len(first), err)
	}

	// Written behind the service's back: the cached view is still served.
	repo.Create(ctx, newPayment("u1", "k-direct"))
	cached, _ := svc.History(ctx, "u1")
	if len(cached) != 1 {
		t.Errorf("expected cached history of 1, got %d", len(cached))
	}

	// Submitting through the service invalidates.
	svc.SubmitCreditCard(ctx, "u1", "k-new", cardRequest())
	fresh, _ := svc.History(ctx, "u1")
	if len(fresh) != 3 {
		t.Errorf("expected fresh history of 3, got %d", len(fresh))
	}
}

func TestStatusMessage(t *testing.T) {
	if got := StatusMessage(StatusApproved); got != "Payment approved" {
		t.Errorf("StatusMessage(approved) = %q", got)
	}
	if got := StatusMessage("weird"); got != "Payment status updated" {
		t.Errorf("StatusMessage(unknown) = %q", got)
	}
}
