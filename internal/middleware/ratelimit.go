package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window limit: at most RequestsPerWindow
// requests per key in each WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate requires both fields to be positive.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultPaymentLimit caps payment and subscription submissions per payer.
func DefaultPaymentLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// DefaultWebhookLimit caps provider notifications per source address.
// Providers deliver in bursts after an outage, so it is generous.
func DefaultWebhookLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 600, WindowDuration: time.Minute}
}

// RateLimitStore counts requests per key. Allow reports whether the request
// fits the current window and, if not, how many seconds until it resets.
type RateLimitStore interface {
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, retryAfter int)
}

type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore keeps windows in process memory. It suits a single
// replica and tests.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		s.windows[key] = &window{count: 1, ends: now.Add(config.WindowDuration)}
		return true, 0
	}
	if w.count < config.RequestsPerWindow {
		w.count++
		return true, 0
	}
	return false, retryAfterSeconds(w.ends.Sub(now))
}

// Cleanup drops expired windows.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
		}
	}
}

// fixedWindowScript increments the window counter and starts its expiry on
// the first hit. It returns the count and the remaining window in ms.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisRateLimitStore shares windows across API replicas.
type RedisRateLimitStore struct {
	client  redis.Scripter
	prefix  string
	metrics *Metrics
}

// NewRedisRateLimitStore returns a store keyed under prefix. metrics may be
// nil.
func NewRedisRateLimitStore(client redis.Scripter, prefix string, metrics *Metrics) *RedisRateLimitStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisRateLimitStore{client: client, prefix: prefix, metrics: metrics}
}

// Allow fails open: a Redis error lets the request through.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + ":" + key},
		config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		slog.WarnContext(ctx, "rate limit store unavailable", "key", key, "error", err)
		if s.metrics != nil {
			s.metrics.rateLimitStoreError()
		}
		return true, 0
	}
	if res[0] <= int64(config.RequestsPerWindow) {
		return true, 0
	}
	return false, retryAfterSeconds(time.Duration(res[1]) * time.Millisecond)
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys by client address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
}

// UserKeyFunc keys by payer when X-User-ID is present, else by address.
func UserKeyFunc() KeyFunc {
	byIP := IPKeyFunc()
	return func(r *http.Request) string {
		if id := GetUserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + byIP(r)
	}
}

func keyType(key string) string {
	if strings.HasPrefix(key, "user:") {
		return "user"
	}
	return "ip"
}

// RateLimiter rejects requests over config with 429, Retry-After and
// X-RateLimit-Reset. metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, retryAfter := store.Allow(r.Context(), key, config)
			if metrics != nil {
				metrics.rateLimitDecision(normalizePath(r.URL.Path), keyType(key), allowed)
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			reset := time.Now().Add(time.Duration(retryAfter) * time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			writeJSONError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many requests")
		})
	}
}
