package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ridebook/internal/models"

	"github.com/google/uuid"
)

// Client is a minimal Razorpay-style orders API client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	keyID      string
	keySecret  string
}

// NewClient constructs a client. A nil httpClient gets a 10s timeout.
func NewClient(httpClient *http.Client, baseURL, keyID, keySecret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		keyID:      keyID,
		keySecret:  keySecret,
	}
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Receipt  string `json:"receipt"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder opens an order for amount minor units.
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, receipt string) (*models.PaymentOrder, error) {
	body, err := json.Marshal(createOrderRequest{Amount: amount, Currency: currency, Receipt: receipt})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: create order: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Description != "" {
			return nil, fmt.Errorf("gateway: %s: %s", resp.Status, apiErr.Error.Description)
		}
		return nil, fmt.Errorf("gateway: unexpected status %s", resp.Status)
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("gateway: decode order: %w", err)
	}
	if order.ID == "" {
		return nil, fmt.Errorf("gateway: order id missing in response")
	}

	return &models.PaymentOrder{
		ID:       order.ID,
		Amount:   order.Amount,
		Currency: order.Currency,
		Status:   models.OrderCreated,
	}, nil
}

// VerifySignature checks the checkout callback signature with the key secret.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifyPayment(orderID, paymentID, signature, c.keySecret)
}

// Local mints orders in-process. It is used when no processor URL is configured.
type Local struct {
	keySecret string
}

func NewLocal(keySecret string) *Local {
	return &Local{keySecret: keySecret}
}

func (l *Local) CreateOrder(_ context.Context, amount int64, currency, _ string) (*models.PaymentOrder, error) {
	return &models.PaymentOrder{
		ID:       "order_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:14],
		Amount:   amount,
		Currency: currency,
		Status:   models.OrderCreated,
	}, nil
}

func (l *Local) VerifySignature(orderID, paymentID, signature string) bool {
	return VerifyPayment(orderID, paymentID, signature, l.keySecret)
}
