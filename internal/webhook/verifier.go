// Package webhook verifies inbound payment provider notifications and routes
// them to background jobs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Header names carried by every signed notification.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderSignature = "X-Signature"
)

// VerifierConfig is the immutable configuration of a Verifier.
type VerifierConfig struct {
	// Secret is the shared webhook secret issued by the provider.
	Secret string

	// AllowUnsigned accepts notifications that carry no signature headers.
	// Ignored when Production is true.
	AllowUnsigned bool

	// Production disables every bypass.
	Production bool
}

// Verifier checks the HMAC signature of provider notifications.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	secret        []byte
	allowUnsigned bool
	logger        *slog.Logger
}

// NewVerifier creates a Verifier. A nil logger uses slog.Default().
func NewVerifier(cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secret:        []byte(cfg.Secret),
		allowUnsigned: cfg.AllowUnsigned && !cfg.Production,
		logger:        logger,
	}
}

// Verify reports whether headers carry a valid signature for resourceID.
// It never panics and returns false on any missing input.
func (v *Verifier) Verify(headers http.Header, resourceID string) bool {
	requestID := headers.Get(HeaderRequestID)
	signature := headers.Get(HeaderSignature)

	if v.allowUnsigned && requestID == "" && signature == "" {
		v.logger.Warn("accepting unsigned webhook notification",
			slog.String("resource_id", resourceID))
		return true
	}

	if len(v.secret) == 0 {
		v.logger.Warn("webhook secret not configured, rejecting notification")
		return false
	}
	if resourceID == "" {
		v.logger.Warn("webhook notification missing resource id")
		return false
	}
	if requestID == "" || signature == "" {
		v.logger.Warn("webhook notification missing signature headers",
			slog.Bool("has_request_id", requestID != ""),
			slog.Bool("has_signature", signature != ""))
		return false
	}

	ts, digest := parseSignature(signature)
	if ts == "" || digest == "" {
		v.logger.Warn("webhook signature header malformed")
		return false
	}

	expected := computeDigest(v.secret, manifest(resourceID, requestID, ts))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		v.logger.Warn("webhook signature mismatch",
			slog.String("resource_id", resourceID),
			slog.String("request_id", requestID))
		return false
	}
	return true
}

// Sign returns an X-Signature header value for the given inputs.
func Sign(secret, resourceID, requestID string, ts int64) string {
	t := strconv.FormatInt(ts, 10)
	return "ts=" + t + ",v1=" + computeDigest([]byte(secret), manifest(resourceID, requestID, t))
}

func manifest(resourceID, requestID, ts string) string {
	return "id:" + resourceID + ";request-id:" + requestID + ";ts:" + ts + ";"
}

func computeDigest(secret []byte, msg string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignature extracts ts and v1 from "ts=<unix-ms>,v1=<hex>".
func parseSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}
