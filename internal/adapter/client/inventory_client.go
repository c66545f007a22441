// Package client implements the orchestrator's HTTP client for the
// inventory deduction engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

type InventoryClient struct {
	baseURL string
	http    *http.Client
}

// New creates a client. Calls are additionally bounded by the circuit
// breaker's per-call timeout through the request context; the
// client-level timeout is a backstop.
func New(baseURL string, timeout time.Duration) *InventoryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &InventoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type deductRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id"`
}

type deductResponse struct {
	Deducted bool `json:"deducted"`
	Replay   bool `json:"replay"`
	Item     struct {
		ItemID   string `json:"item_id"`
		ItemName string `json:"item_name"`
		Quantity int    `json:"quantity"`
		Reserved int    `json:"reserved_quantity"`
	} `json:"item"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

// Deduct calls the engine. Business rejections come back as
// domain.ErrItemNotFound or *domain.InsufficientStockError; every
// other failure, including a severed connection after the engine
// committed, is an ambiguous outcome the caller must treat as
// retry-with-same-order-id, never as "no effect".
func (c *InventoryClient) Deduct(ctx context.Context, itemID string, quantity int, orderID string) (*domain.DeductionResult, error) {
	payload, err := json.Marshal(deductRequest{ItemID: itemID, Quantity: quantity, OrderID: orderID})
	if err != nil {
		return nil, fmt.Errorf("encode deduct request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/inventory/deduct", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build deduct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call inventory service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body deductResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode deduct response: %w", err)
		}
		return &domain.DeductionResult{
			Deducted: body.Deducted,
			Replay:   body.Replay,
			Item: domain.Item{
				ItemID:   body.Item.ItemID,
				Name:     body.Item.ItemName,
				Quantity: body.Item.Quantity,
				Reserved: body.Item.Reserved,
			},
		}, nil

	case http.StatusNotFound:
		return nil, domain.ErrItemNotFound

	case http.StatusUnprocessableEntity:
		var body errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode rejection: %w", err)
		}
		return nil, &domain.InsufficientStockError{
			ItemID:    itemID,
			Available: body.Available,
			Requested: body.Requested,
		}

	default:
		return nil, fmt.Errorf("inventory service: unexpected status %d", resp.StatusCode)
	}
}
