// Package main sends signed provider notifications to a running API server.
// It is meant for local development and smoke tests.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/coursepay/internal/config"
	"github.com/onnwee/coursepay/internal/middleware"
	"github.com/onnwee/coursepay/internal/webhook"
)

type notification struct {
	ID     string           `json:"id"`
	Type   string           `json:"type"`
	Action string           `json:"action,omitempty"`
	Data   notificationData `json:"data"`
}

type notificationData struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id,omitempty"`
	NewCardID  string `json:"new_card_id,omitempty"`
}

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, "webhooksim:", err)
		os.Exit(2)
	}

	target := flag.String("url", "http://localhost:8080/webhook/mercadopago", "notification endpoint")
	secret := flag.String("secret", os.Getenv("PROVIDER_WEBHOOK_SECRET"), "signing secret (defaults to PROVIDER_WEBHOOK_SECRET)")
	topic := flag.String("type", "payment", "provider topic, e.g. payment, subscription_preapproval, automatic-payments")
	action := flag.String("action", "", "optional action field")
	resourceID := flag.String("id", "", "data.id of the notification (required)")
	customerID := flag.String("customer", "", "customer id for automatic-payments card updates")
	cardID := flag.String("card", "", "new card id for automatic-payments card updates")
	unsigned := flag.Bool("unsigned", false, "send without a signature header")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	logger := middleware.NewLogger("development")
	slog.SetDefault(logger)

	if *resourceID == "" {
		fmt.Fprintln(os.Stderr, "webhooksim: -id is required")
		flag.Usage()
		os.Exit(2)
	}
	if *secret == "" && !*unsigned {
		fmt.Fprintln(os.Stderr, "webhooksim: -secret or PROVIDER_WEBHOOK_SECRET is required unless -unsigned is set")
		os.Exit(2)
	}

	n := notification{
		ID:     uuid.NewString(),
		Type:   *topic,
		Action: *action,
		Data: notificationData{
			ID:         *resourceID,
			CustomerID: *customerID,
			NewCardID:  *cardID,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, body, err := send(ctx, *target, *secret, n, !*unsigned)
	if err != nil {
		logger.Error("failed to send notification", "error", err)
		os.Exit(1)
	}
	logger.Info("notification delivered",
		"notification_id", n.ID,
		"type", n.Type,
		"resource_id", n.Data.ID,
		"status", status,
		"response", body)
	if status >= 300 {
		os.Exit(1)
	}
}

// send posts n to target. The signature covers data.id, the request id and
// the current time, matching what the provider sends.
func send(ctx context.Context, target, secret string, n notification, sign bool) (int, string, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return 0, "", fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	requestID := uuid.NewString()
	req.Header.Set(webhook.HeaderRequestID, requestID)
	if sign {
		req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, n.Data.ID, requestID, time.Now().UnixMilli()))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(bytes.TrimSpace(body)), nil
}
