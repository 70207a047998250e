package middleware

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "coursepay"

// Rate limit outcomes recorded on the decisions counter.
const (
	rateLimitAllowed = "allowed"
	rateLimitBlocked = "blocked"
)

// Metrics holds the HTTP and rate limiting collectors. Create it with
// NewMetrics and register it once per registry.
type Metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	responseSize   *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	rateLimits     *prometheus.CounterVec
	rateLimitStore prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		// Provider round trips dominate payment routes, hence the long tail.
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		responseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response body size by route.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 7),
		}, []string{"route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by route, key type and outcome.",
		}, []string{"route", "key_type", "outcome"}),
		rateLimitStore: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "store_errors_total",
			Help:      "Rate limit store failures; each one let a request through.",
		}),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.requests, m.duration, m.responseSize, m.inFlight, m.rateLimits, m.rateLimitStore,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeRequest(method, route string, code int, elapsed time.Duration, size int64) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
	m.responseSize.WithLabelValues(route).Observe(float64(size))
}

func (m *Metrics) rateLimitDecision(route, keyType string, allowed bool) {
	outcome := rateLimitAllowed
	if !allowed {
		outcome = rateLimitBlocked
	}
	m.rateLimits.WithLabelValues(route, keyType, outcome).Inc()
}

func (m *Metrics) rateLimitStoreError() {
	m.rateLimitStore.Inc()
}
