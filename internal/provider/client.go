package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ErrEmptyID is returned when a lookup is attempted without an id.
var ErrEmptyID = errors.New("provider resource id is empty")

// Client exposes typed provider operations over a Requester.
type Client struct {
	req Requester
}

// NewClient creates a typed client.
func NewClient(req Requester) *Client {
	return &Client{req: req}
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	body, err := c.req.SendProviderRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func escape(id string) (string, error) {
	if id == "" {
		return "", ErrEmptyID
	}
	return url.PathEscape(id), nil
}

// CreateSubscription creates a preapproval.
func (c *Client) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	var sub Subscription
	if err := c.call(ctx, http.MethodPost, "/preapproval", req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscription fetches a preapproval by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := c.call(ctx, http.MethodGet, "/preapproval/"+id, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscriptionStatus sets the remote status. status is a local status.
func (c *Client) UpdateSubscriptionStatus(ctx context.Context, id, status string) (*Subscription, error) {
	return c.updateSubscription(ctx, id, map[string]any{"status": RemoteSubscriptionStatus(status)})
}

// UpdateSubscriptionValue sets the recurring amount in cents.
func (c *Client) UpdateSubscriptionValue(ctx context.Context, id string, amount int64) (*Subscription, error) {
	return c.updateSubscription(ctx, id, map[string]any{
		"auto_recurring": map[string]any{
			"transaction_amount": FromCents(amount),
			"currency_id":        CurrencyBRL,
		},
	})
}

// UpdateSubscriptionCard replaces the card used for future charges.
func (c *Client) UpdateSubscriptionCard(ctx context.Context, id, cardTokenID string) (*Subscription, error) {
	return c.updateSubscription(ctx, id, map[string]any{"card_token_id": cardTokenID})
}

// CancelSubscription cancels a preapproval.
func (c *Client) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	return c.UpdateSubscriptionStatus(ctx, id, SubscriptionCancelled)
}

func (c *Client) updateSubscription(ctx context.Context, id string, body map[string]any) (*Subscription, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var sub Subscription
	if err := c.call(ctx, http.MethodPut, "/preapproval/"+id, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreatePayment creates a card or PIX payment.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	var p Payment
	if err := c.call(ctx, http.MethodPost, "/v1/payments", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentStatus fetches a payment by id.
func (c *Client) GetPaymentStatus(ctx context.Context, id string) (*Payment, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var p Payment
	if err := c.call(ctx, http.MethodGet, "/v1/payments/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetAuthorizedPayment fetches a recurring subscription charge.
func (c *Client) GetAuthorizedPayment(ctx context.Context, id string) (*AuthorizedPayment, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var p AuthorizedPayment
	if err := c.call(ctx, http.MethodGet, "/authorized_payments/"+id, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCardDetails fetches a stored card of a customer.
func (c *Client) GetCardDetails(ctx context.Context, customerID, cardID string) (*Card, error) {
	customer, err := escape(customerID)
	if err != nil {
		return nil, err
	}
	card, err := escape(cardID)
	if err != nil {
		return nil, err
	}
	var out Card
	if err := c.call(ctx, http.MethodGet, "/v1/customers/"+customer+"/cards/"+card, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChargeback fetches a chargeback by id.
func (c *Client) GetChargeback(ctx context.Context, id string) (*Chargeback, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var cb Chargeback
	if err := c.call(ctx, http.MethodGet, "/v1/chargebacks/"+id, nil, &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

// GetClaim fetches a claim by id.
func (c *Client) GetClaim(ctx context.Context, id string) (*Claim, error) {
	id, err := escape(id)
	if err != nil {
		return nil, err
	}
	var cl Claim
	if err := c.call(ctx, http.MethodGet, "/v1/claims/"+id, nil, &cl); err != nil {
		return nil, err
	}
	return &cl, nil
}

// SendClaimMessage posts a message to the claim's conversation.
func (c *Client) SendClaimMessage(ctx context.Context, claimID string, msg ClaimMessage) error {
	id, err := escape(claimID)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, "/v1/claims/"+id+"/actions/send-message", msg, nil)
}

// PaymentID formats a numeric payment id as used in local records.
func PaymentID(id int64) string {
	return strconv.FormatInt(id, 10)
}
