package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("second Register() on the same registry should fail")
	}
}

func TestHTTPMetrics_RecordsRoute(t *testing.T) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments/pix":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"pay-1","status":"pending"}`))
		case "/webhook/mercadopago":
			_, _ = w.Write([]byte("ok"))
		default:
			http.NotFound(w, r)
		}
	}))

	requests := []struct{ method, path string }{
		{http.MethodPost, "/payments/pix"},
		{http.MethodPost, "/payments/pix"},
		{http.MethodPost, "/webhook/mercadopago"},
		{http.MethodPost, "/webhook/othergateway"},
		{http.MethodGet, "/.env"},
	}
	for _, rq := range requests {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(rq.method, rq.path, nil))
	}

	tests := []struct {
		method, route, code string
		want                float64
	}{
		{"POST", "/payments/pix", "201", 2},
		{"POST", "/webhook/{provider}", "200", 2},
		{"GET", "/other", "404", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.requests.WithLabelValues(tt.method, tt.route, tt.code))
		if got != tt.want {
			t.Errorf("requests{%s %s %s} = %v, want %v", tt.method, tt.route, tt.code, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(m.duration); n != 3 {
		t.Errorf("duration series = %d, want 3", n)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight after requests = %v, want 0", got)
	}
}

func TestHTTPMetrics_SkipsHealthChecks(t *testing.T) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if n := testutil.CollectAndCount(m.requests); n != 0 {
		t.Errorf("requests series = %d, want 0", n)
	}
}

func TestHTTPMetrics_InFlight(t *testing.T) {
	m := NewMetrics()
	var during float64
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(m.inFlight)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/payments/history", nil))

	if during != 1 {
		t.Errorf("in flight during request = %v, want 1", during)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/payments/history", "200")); got != 1 {
		t.Errorf("implicit 200 not recorded, got %v", got)
	}
}

func TestHTTPMetrics_ResponseSize(t *testing.T) {
	m := NewMetrics()
	body := strings.Repeat("x", 300)
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/subscriptions", nil))

	expected := `
# HELP coursepay_http_response_size_bytes HTTP response body size by route.
# TYPE coursepay_http_response_size_bytes histogram
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="64"} 0
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="256"} 0
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="1024"} 1
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="4096"} 1
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="16384"} 1
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="65536"} 1
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="262144"} 1
coursepay_http_response_size_bytes_bucket{route="/subscriptions",le="+Inf"} 1
coursepay_http_response_size_bytes_sum{route="/subscriptions"} 300
coursepay_http_response_size_bytes_count{route="/subscriptions"} 1
`
	if err := testutil.CollectAndCompare(m.responseSize, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func BenchmarkHTTPMetrics(b *testing.B) {
	m := NewMetrics()
	handler := HTTPMetrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/payments/pix", nil)

	b.ReportAllocs()
	for b.Loop() {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
}
