// Package config provides configuration loading and validation for the payment service.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/coursepay/internal/validate"
)

// Config holds all configuration values for the payment service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Payment provider
	ProviderBaseURL       string        `koanf:"provider_base_url"`
	ProviderAccessToken   string        `koanf:"provider_access_token"`
	ProviderWebhookSecret string        `koanf:"provider_webhook_secret"`
	ProviderTimeout       time.Duration `koanf:"provider_timeout"`
	NotificationURL       string        `koanf:"notification_url"`      // sent with every payment so the provider can call back
	SubscriptionBackURL   string        `koanf:"subscription_back_url"` // where the payer lands after subscription checkout

	// Webhook ingress
	WebhookAllowUnsigned bool `koanf:"webhook_allow_unsigned"` // development only

	// Idempotency
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`

	// Background jobs
	JobsWorkers     int           `koanf:"jobs_workers"`
	JobsMaxAttempts int           `koanf:"jobs_max_attempts"`
	JobsBackoff     time.Duration `koanf:"jobs_backoff"`

	// Subscriptions
	SagaRemoteTimeout time.Duration `koanf:"saga_remote_timeout"`

	// Disputes
	AutoAckClaims bool `koanf:"auto_ack_claims"`

	// Operator endpoints under /internal
	InternalToken string `koanf:"internal_token"`

	// Browser clients (CORS and the push channel)
	AllowedOrigins []string `koanf:"allowed_origins"`

	// SMTP (optional; emails are logged when unset)
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     string `koanf:"smtp_port"`
	SMTPUsername string `koanf:"smtp_username"`
	SMTPPassword string `koanf:"smtp_password"`
	SMTPFrom     string `koanf:"smtp_from"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL           = errors.New("DATABASE_URL is required")
	ErrMissingRedisURL              = errors.New("REDIS_URL is required")
	ErrMissingProviderAccessToken   = errors.New("PROVIDER_ACCESS_TOKEN is required")
	ErrMissingProviderWebhookSecret = errors.New("PROVIDER_WEBHOOK_SECRET is required")
	ErrMissingSMTPFrom              = errors.New("SMTP_FROM is required when SMTP_HOST is set")
	ErrUnsignedWebhooksInProduction = errors.New("WEBHOOK_ALLOW_UNSIGNED must not be set in production")
	ErrInvalidPort                  = errors.New("PORT must be a valid integer")
	ErrInvalidInteger               = errors.New("value must be a valid integer")
	ErrInvalidDuration              = errors.New("value must be a valid duration")
	ErrInvalidSampleRate            = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidJobsSettings          = errors.New("JOBS_WORKERS and JOBS_MAX_ATTEMPTS must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultProviderBaseURL   = "https://api.mercadopago.com"
	DefaultProviderTimeout   = 5 * time.Second
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultJobsWorkers       = 4
	DefaultJobsMaxAttempts   = 3
	DefaultJobsBackoff       = time.Minute
	DefaultSagaRemoteTimeout = 5 * time.Second
	DefaultSMTPPort          = "587"
	DefaultTracingExporter   = "otlp-http"
	DefaultTracingSampleRate = 0.1
)

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Try COURSEPAY_PORT first, then PORT
	port, err := getEnvIntOrDefaultMulti([]string{"COURSEPAY_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)

	providerTimeout, err := getEnvDurationOrDefault("PROVIDER_TIMEOUT", k, "provider_timeout", DefaultProviderTimeout)
	collect(err)
	idempotencyTTL, err := getEnvDurationOrDefault("IDEMPOTENCY_TTL", k, "idempotency_ttl", DefaultIdempotencyTTL)
	collect(err)
	jobsBackoff, err := getEnvDurationOrDefault("JOBS_BACKOFF", k, "jobs_backoff", DefaultJobsBackoff)
	collect(err)
	sagaTimeout, err := getEnvDurationOrDefault("SAGA_REMOTE_TIMEOUT", k, "saga_remote_timeout", DefaultSagaRemoteTimeout)
	collect(err)

	jobsWorkers, err := getEnvIntOrDefault("JOBS_WORKERS", k.Int("jobs_workers"), DefaultJobsWorkers)
	collect(err)
	jobsMaxAttempts, err := getEnvIntOrDefault("JOBS_MAX_ATTEMPTS", k.Int("jobs_max_attempts"), DefaultJobsMaxAttempts)
	collect(err)

	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                  port,
		Env:                   getEnvOrDefaultMulti([]string{"COURSEPAY_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:           getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:              getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		ProviderBaseURL:       getEnvOrDefault("PROVIDER_BASE_URL", k.String("provider_base_url"), DefaultProviderBaseURL),
		ProviderAccessToken:   getEnvOrKoanf("PROVIDER_ACCESS_TOKEN", k, "provider_access_token"),
		ProviderWebhookSecret: getEnvOrKoanf("PROVIDER_WEBHOOK_SECRET", k, "provider_webhook_secret"),
		ProviderTimeout:       providerTimeout,
		NotificationURL:       getEnvOrKoanf("NOTIFICATION_URL", k, "notification_url"),
		SubscriptionBackURL:   getEnvOrKoanf("SUBSCRIPTION_BACK_URL", k, "subscription_back_url"),
		WebhookAllowUnsigned:  getEnvBoolOrKoanf("WEBHOOK_ALLOW_UNSIGNED", k, "webhook_allow_unsigned"),
		IdempotencyTTL:        idempotencyTTL,
		JobsWorkers:           jobsWorkers,
		JobsMaxAttempts:       jobsMaxAttempts,
		JobsBackoff:           jobsBackoff,
		SagaRemoteTimeout:     sagaTimeout,
		AutoAckClaims:         getEnvBoolOrKoanf("AUTO_ACK_CLAIMS", k, "auto_ack_claims"),
		InternalToken:         getEnvOrKoanf("INTERNAL_API_TOKEN", k, "internal_token"),
		AllowedOrigins:        getEnvListOrKoanf("ALLOWED_ORIGINS", k, "allowed_origins"),
		SMTPHost:              getEnvOrKoanf("SMTP_HOST", k, "smtp_host"),
		SMTPPort:              getEnvOrDefault("SMTP_PORT", k.String("smtp_port"), DefaultSMTPPort),
		SMTPUsername:          getEnvOrKoanf("SMTP_USERNAME", k, "smtp_username"),
		SMTPPassword:          getEnvOrKoanf("SMTP_PASSWORD", k, "smtp_password"),
		SMTPFrom:              getEnvOrKoanf("SMTP_FROM", k, "smtp_from"),
		TracingEnabled:        getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:       getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:       getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:     sampleRate,
		TracingInsecure:       getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
// Note: A port value of 0 from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("30s", "24h") from the
// environment, then the file, then falls back to the default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s=%q: %w", envKey, raw, ErrInvalidDuration)
	}
	return d, nil
}

// getEnvBoolOrKoanf accepts true/1/yes/on and false/0/no/off from the
// environment; anything else falls through to the file value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return k.Bool(koanfKey)
}

// getEnvListOrKoanf reads a comma-separated list from the environment or a
// YAML list from the file.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	val := os.Getenv(envKey)
	if val == "" {
		return k.Strings(koanfKey)
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.RedisURL == "" {
		errs = append(errs, ErrMissingRedisURL)
	}
	if c.ProviderAccessToken == "" {
		errs = append(errs, ErrMissingProviderAccessToken)
	}
	// Unsigned notifications are a development convenience only.
	if c.WebhookAllowUnsigned && c.IsProduction() {
		errs = append(errs, ErrUnsignedWebhooksInProduction)
	}
	if c.ProviderWebhookSecret == "" && !c.WebhookAllowUnsigned {
		errs = append(errs, ErrMissingProviderWebhookSecret)
	}
	if c.SMTPHost != "" && c.SMTPFrom == "" {
		errs = append(errs, ErrMissingSMTPFrom)
	}
	if c.SMTPFrom != "" {
		if _, err := validate.Email(c.SMTPFrom); err != nil {
			errs = append(errs, fmt.Errorf("SMTP_FROM: %w", err))
		}
	}
	// The provider calls NOTIFICATION_URL and redirects payers to
	// SUBSCRIPTION_BACK_URL, so production requires public HTTPS.
	if c.NotificationURL != "" {
		if _, err := validate.CallbackURL(c.NotificationURL, c.IsProduction()); err != nil {
			errs = append(errs, fmt.Errorf("NOTIFICATION_URL: %w", err))
		}
	}
	if c.SubscriptionBackURL != "" {
		if _, err := validate.CallbackURL(c.SubscriptionBackURL, c.IsProduction()); err != nil {
			errs = append(errs, fmt.Errorf("SUBSCRIPTION_BACK_URL: %w", err))
		}
	}
	if c.JobsWorkers <= 0 || c.JobsMaxAttempts <= 0 {
		errs = append(errs, ErrInvalidJobsSettings)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                    fmt.Sprintf("%d", c.Port),
		"env":                     c.Env,
		"database_url":            maskDatabaseURL(c.DatabaseURL),
		"redis_url":               maskDatabaseURL(c.RedisURL),
		"provider_base_url":       c.ProviderBaseURL,
		"provider_access_token":   maskAccessToken(c.ProviderAccessToken),
		"provider_webhook_secret": maskSecret(c.ProviderWebhookSecret),
		"provider_timeout":        c.ProviderTimeout.String(),
		"notification_url":        c.NotificationURL,
		"webhook_allow_unsigned":  fmt.Sprintf("%t", c.WebhookAllowUnsigned),
		"idempotency_ttl":         c.IdempotencyTTL.String(),
		"jobs_workers":            fmt.Sprintf("%d", c.JobsWorkers),
		"jobs_max_attempts":       fmt.Sprintf("%d", c.JobsMaxAttempts),
		"jobs_backoff":            c.JobsBackoff.String(),
		"saga_remote_timeout":     c.SagaRemoteTimeout.String(),
		"auto_ack_claims":         fmt.Sprintf("%t", c.AutoAckClaims),
		"internal_token":          maskSecret(c.InternalToken),
		"allowed_origins":         strings.Join(c.AllowedOrigins, ","),
		"smtp_host":               c.SMTPHost,
		"smtp_username":           c.SMTPUsername,
		"smtp_password":           maskSecret(c.SMTPPassword),
		"tracing_enabled":         fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":        c.TracingExporter,
		"tracing_endpoint":        c.TracingEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskAccessToken masks a provider access token, preserving its environment
// prefix (APP_USR-, TEST-).
func maskAccessToken(s string) string {
	if s == "" {
		return "<not set>"
	}
	if prefix, _, ok := strings.Cut(s, "-"); ok && prefix != "" {
		return prefix + "-****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL.
// Supports postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
