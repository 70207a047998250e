package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	req := NewHTTPRequester(Config{BaseURL: srv.URL, AccessToken: "token-123", Timeout: time.Second}, srv.Client(), testLogger())
	return NewClient(req), srv
}

func TestHTTPRequester_HeadersAndBody(t *testing.T) {
	var (
		gotAuth string
		gotKey  string
		gotCT   string
		gotBody map[string]any
	)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Idempotency-Key")
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		if r.Method != http.MethodPost || r.URL.Path != "/preapproval" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sub-1","status":"authorized","payer_id":42,"auto_recurring":{"transaction_amount":49.9}}`))
	})

	sub, err := client.CreateSubscription(context.Background(), CreateSubscriptionRequest{
		PreapprovalPlanID: "plan-1",
		PayerEmail:        "a@example.com",
		CardTokenID:       "tok",
	})
	if err != nil {
		t.Fatalf("CreateSubscription() error = %v", err)
	}
	if sub.ID != "sub-1" || sub.PayerID != 42 || sub.Amount() != 4990 {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if gotAuth != "Bearer token-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotKey == "" {
		t.Error("expected X-Idempotency-Key on POST")
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
	if gotBody["preapproval_plan_id"] != "plan-1" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestHTTPRequester_GetHasNoIdempotencyKey(t *testing.T) {
	var gotKey string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.Write([]byte(`{"id":123,"status":"approved"}`))
	})

	p, err := client.GetPaymentStatus(context.Background(), "123")
	if err != nil {
		t.Fatalf("GetPaymentStatus() error = %v", err)
	}
	if p.Status != "approved" {
		t.Errorf("Status = %q", p.Status)
	}
	if gotKey != "" {
		t.Errorf("unexpected X-Idempotency-Key %q on GET", gotKey)
	}
}

func TestHTTPRequester_ContextIdempotencyKey(t *testing.T) {
	var gotKey string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		w.Write([]byte(`{"id":1,"status":"pending"}`))
	})

	ctx := WithIdempotencyKey(context.Background(), "caller-key")
	if _, err := client.CreatePayment(ctx, CreatePaymentRequest{PaymentMethodID: PaymentMethodPix}); err != nil {
		t.Fatalf("CreatePayment() error = %v", err)
	}
	if gotKey != "caller-key" {
		t.Errorf("X-Idempotency-Key = %q, want caller-key", gotKey)
	}
}

func TestHTTPRequester_ErrorClassification(t *testing.T) {
	tests := []struct {
		status        int
		body          string
		wantNotFound  bool
		wantTransient bool
		wantMessage   string
	}{
		{http.StatusNotFound, `{"message":"resource not found"}`, true, false, "resource not found"},
		{http.StatusBadRequest, `{"error":"bad_request"}`, false, false, "bad_request"},
		{http.StatusTooManyRequests, ``, false, true, "429 Too Many Requests"},
		{http.StatusInternalServerError, `oops`, false, true, "500 Internal Server Error"},
		{http.StatusBadGateway, `{}`, false, true, "502 Bad Gateway"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.GetSubscription(context.Background(), "sub-x")
			apiErr, ok := AsExternal(err)
			if !ok {
				t.Fatalf("expected *ExternalAPIError, got %T %v", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if apiErr.IsNotFound() != tt.wantNotFound {
				t.Errorf("IsNotFound() = %v", apiErr.IsNotFound())
			}
			if apiErr.IsTransient() != tt.wantTransient {
				t.Errorf("IsTransient() = %v", apiErr.IsTransient())
			}
			if apiErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMessage)
			}
			if apiErr.Path != "/preapproval/sub-x" || apiErr.Method != http.MethodGet {
				t.Errorf("Method/Path = %s %s", apiErr.Method, apiErr.Path)
			}
		})
	}
}

func TestHTTPRequester_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	req := NewHTTPRequester(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), testLogger())
	_, err := NewClient(req).GetClaim(context.Background(), "1")

	apiErr, ok := AsExternal(err)
	if !ok {
		t.Fatalf("expected *ExternalAPIError, got %v", err)
	}
	if apiErr.StatusCode != 0 || !apiErr.IsTransient() {
		t.Errorf("timeout should be transient with status 0, got %d", apiErr.StatusCode)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped DeadlineExceeded, got %v", err)
	}
}

func TestHTTPRequester_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	req := NewHTTPRequester(Config{BaseURL: url}, nil, testLogger())
	_, err := NewClient(req).GetChargeback(context.Background(), "cb")
	apiErr, ok := AsExternal(err)
	if !ok || !apiErr.IsTransient() {
		t.Errorf("expected transient ExternalAPIError, got %v", err)
	}
}

func TestClient_Paths(t *testing.T) {
	type call struct {
		method string
		path   string
	}
	var got []call
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, call{r.Method, r.URL.EscapedPath()})
		w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	client.GetSubscription(ctx, "s1")
	client.UpdateSubscriptionStatus(ctx, "s1", SubscriptionPaused)
	client.UpdateSubscriptionValue(ctx, "s1", 1000)
	client.UpdateSubscriptionCard(ctx, "s1", "tok")
	client.CancelSubscription(ctx, "s1")
	client.CreatePayment(ctx, CreatePaymentRequest{})
	client.GetPaymentStatus(ctx, "p1")
	client.GetAuthorizedPayment(ctx, "ap1")
	client.GetCardDetails(ctx, "cus1", "card1")
	client.GetChargeback(ctx, "cb1")
	client.GetClaim(ctx, "cl1")
	client.SendClaimMessage(ctx, "cl1", ClaimMessage{ReceiverRole: "respondent", Message: "hi"})

	want := []call{
		{"GET", "/preapproval/s1"},
		{"PUT", "/preapproval/s1"},
		{"PUT", "/preapproval/s1"},
		{"PUT", "/preapproval/s1"},
		{"PUT", "/preapproval/s1"},
		{"POST", "/v1/payments"},
		{"GET", "/v1/payments/p1"},
		{"GET", "/authorized_payments/ap1"},
		{"GET", "/v1/customers/cus1/cards/card1"},
		{"GET", "/v1/chargebacks/cb1"},
		{"GET", "/v1/claims/cl1"},
		{"POST", "/v1/claims/cl1/actions/send-message"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d calls, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestClient_StatusBodies(t *testing.T) {
	var bodies []map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var b map[string]any
		json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		w.Write([]byte(`{"id":"s1"}`))
	})
	ctx := context.Background()

	client.UpdateSubscriptionStatus(ctx, "s1", SubscriptionActive)
	client.CancelSubscription(ctx, "s1")
	client.UpdateSubscriptionValue(ctx, "s1", 2550)

	if bodies[0]["status"] != "authorized" {
		t.Errorf("active should be sent as authorized, got %v", bodies[0]["status"])
	}
	if bodies[1]["status"] != "cancelled" {
		t.Errorf("cancel body = %v", bodies[1])
	}
	ar, _ := bodies[2]["auto_recurring"].(map[string]any)
	if ar["transaction_amount"] != 25.5 || ar["currency_id"] != CurrencyBRL {
		t.Errorf("value body = %v", bodies[2])
	}
}

func TestClient_EmptyID(t *testing.T) {
	client := NewClient(nil)
	if _, err := client.GetPaymentStatus(context.Background(), ""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("error = %v, want ErrEmptyID", err)
	}
	if _, err := client.GetCardDetails(context.Background(), "c", ""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("error = %v, want ErrEmptyID", err)
	}
}

func TestClient_DecodeErrorIsLocal(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	_, err := client.GetPaymentStatus(context.Background(), "1")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := AsExternal(err); ok {
		t.Error("decode failure must not be an ExternalAPIError")
	}
}
