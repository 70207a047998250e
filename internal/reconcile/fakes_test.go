package reconcile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/coursepay/internal/cache"
	"github.com/onnwee/coursepay/internal/email"
	"github.com/onnwee/coursepay/internal/payment"
	"github.com/onnwee/coursepay/internal/provider"
	"github.com/onnwee/coursepay/internal/push"
	"github.com/onnwee/coursepay/internal/subscription"
)

func notFound(path string) error {
	return &provider.ExternalAPIError{StatusCode: http.StatusNotFound, Method: http.MethodGet, Path: path, Message: "not found"}
}

// fakeProvider serves resources from maps. err, when set, is returned by
// every read.
type fakeProvider struct {
	mu                 sync.Mutex
	err                error
	payments           map[string]*provider.Payment
	subscriptions      map[string]*provider.Subscription
	authorizedPayments map[string]*provider.AuthorizedPayment
	cards              map[string]*provider.Card
	chargebacks        map[string]*provider.Chargeback
	claims             map[string]*provider.Claim
	claimMessages      []string
	calls              int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		payments:           make(map[string]*provider.Payment),
		subscriptions:      make(map[string]*provider.Subscription),
		authorizedPayments: make(map[string]*provider.AuthorizedPayment),
		cards:              make(map[string]*provider.Card),
		chargebacks:        make(map[string]*provider.Chargeback),
		claims:             make(map[string]*provider.Claim),
	}
}

func get[T any](f *fakeProvider, m map[string]*T, id, path string) (*T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := m[id]
	if !ok {
		return nil, notFound(path)
	}
	c := *v
	return &c, nil
}

func (f *fakeProvider) GetPaymentStatus(ctx context.Context, id string) (*provider.Payment, error) {
	return get(f, f.payments, id, "/v1/payments/"+id)
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	return get(f, f.subscriptions, id, "/preapproval/"+id)
}

func (f *fakeProvider) GetAuthorizedPayment(ctx context.Context, id string) (*provider.AuthorizedPayment, error) {
	return get(f, f.authorizedPayments, id, "/authorized_payments/"+id)
}

func (f *fakeProvider) GetCardDetails(ctx context.Context, customerID, cardID string) (*provider.Card, error) {
	return get(f, f.cards, customerID+"/"+cardID, "/v1/customers/"+customerID+"/cards/"+cardID)
}

func (f *fakeProvider) GetChargeback(ctx context.Context, id string) (*provider.Chargeback, error) {
	return get(f, f.chargebacks, id, "/v1/chargebacks/"+id)
}

func (f *fakeProvider) GetClaim(ctx context.Context, id string) (*provider.Claim, error) {
	return get(f, f.claims, id, "/v1/claims/"+id)
}

func (f *fakeProvider) SendClaimMessage(ctx context.Context, claimID string, msg provider.ClaimMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimMessages = append(f.claimMessages, claimID)
	return nil
}

func (f *fakeProvider) setSubscription(s *provider.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[s.ID] = s
}

type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Subject
	}
	return out
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

type fixture struct {
	provider  *fakeProvider
	subs      *subscription.InMemoryRepository
	payments  *payment.InMemoryRepository
	cache     *cache.MemoryCache
	sender    *recordingSender
	publisher *recordingPublisher
	handlers  *Handlers
	now       time.Time
}

func newFixture() *fixture {
	f := &fixture{
		provider:  newFakeProvider(),
		subs:      subscription.NewInMemoryRepository(),
		cache:     cache.NewMemoryCache(),
		sender:    &recordingSender{},
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.payments = payment.NewInMemoryRepository(f.subs)
	f.subs.AddPlan(&subscription.Plan{
		ID:                "plan-monthly",
		Name:              "Monthly",
		Amount:            4990,
		FrequencyType:     subscription.FrequencyMonths,
		FrequencyInterval: 1,
	})
	f.handlers = New(Deps{
		Provider:      f.provider,
		Payments:      f.payments,
		Subscriptions: f.subs,
		Plans:         f.subs,
		Cache:         f.cache,
		Publisher:     f.publisher,
		Email:         f.sender,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.handlers.now = func() time.Time { return f.now }
	return f
}

// seedCache puts a value under key so invalidation can be observed.
func (f *fixture) seedCache(key string) {
	f.cache.Set(context.Background(), key, []byte("{}"), time.Minute)
}

func (f *fixture) cached(key string) bool {
	_, err := f.cache.Get(context.Background(), key)
	return err == nil
}
