package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ProviderChecker checks that the payment provider API is reachable.
type ProviderChecker struct {
	url    string
	client *http.Client
}

// NewProviderChecker creates a checker for the provider's base URL
// (e.g., "https://api.mercadopago.com").
func NewProviderChecker(url string) *ProviderChecker {
	return &ProviderChecker{
		url: url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck sends an unauthenticated GET to the base URL. The provider has
// no health endpoint, so any answer below 500 (typically 401 or 404) means
// it is up.
func (p *ProviderChecker) HealthCheck(ctx context.Context) error {
	if p.url == "" {
		return fmt.Errorf("provider url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach payment provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("payment provider unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}
