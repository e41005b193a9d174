// README: HTTP client for the external payment processor (payouts and charges).
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dispatch/internal/types"
)

// ErrDeclined is returned when the processor rejects an operation.
var ErrDeclined = errors.New("processor declined")

// Processor abstracts the third-party money-movement API. Amounts are in
// minor units; the processor owns the actual funds rails.
type Processor interface {
	Payout(ctx context.Context, accountRef string, amount types.Money) error
	ChargePaymentMethod(ctx context.Context, methodRef string, amount types.Money) error
}

// Client is an HTTP client for the processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client with a bounded call timeout.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type payoutRequest struct {
	AccountRef string `json:"account_ref"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type chargeRequest struct {
	MethodRef string `json:"method_ref"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type processorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (c *Client) Payout(ctx context.Context, accountRef string, amount types.Money) error {
	return c.post(ctx, "/v1/payouts", payoutRequest{
		AccountRef: accountRef,
		Amount:     amount.Amount,
		Currency:   amount.Currency,
	})
}

func (c *Client) ChargePaymentMethod(ctx context.Context, methodRef string, amount types.Money) error {
	return c.post(ctx, "/v1/charges", chargeRequest{
		MethodRef: methodRef,
		Amount:    amount.Amount,
		Currency:  amount.Currency,
	})
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pr processorResponse
		if err := json.Unmarshal(raw, &pr); err == nil && pr.Reason != "" {
			return fmt.Errorf("%w: %s", ErrDeclined, pr.Reason)
		}
		return fmt.Errorf("%w: status %d", ErrDeclined, resp.StatusCode)
	}
	return nil
}
