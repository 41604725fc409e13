// Package webhook notifies an external endpoint about feed activity.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sendrec/reelfeed/internal/database"
)

const (
	maxResponseBodyBytes = 1024
	asyncTimeout         = 30 * time.Second

	EventVideoView    = "video.view"
	EventVideoComment = "video.comment"
)

type Event struct {
	Name      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Client posts signed events to one configured endpoint. Every attempt is
// recorded in webhook_deliveries under a shared delivery id.
type Client struct {
	db          database.DBTX
	url         string
	secret      string
	http        *http.Client
	retryDelays []time.Duration
	inflight    sync.WaitGroup
}

func New(db database.DBTX, url, secret string) *Client {
	return &Client{
		db:          db,
		url:         url,
		secret:      secret,
		http:        &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{1 * time.Second, 4 * time.Second},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// SignPayload computes the HMAC-SHA256 signature sent in X-Webhook-Signature.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch sends event with up to 1+len(retryDelays) attempts.
func (c *Client) Dispatch(ctx context.Context, event Event) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	deliveryID := uuid.NewString()
	signature := SignPayload(c.secret, body)
	attempts := 1 + len(c.retryDelays)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		status, respBody, err := c.post(ctx, deliveryID, body, signature)
		c.logDelivery(ctx, deliveryID, event.Name, body, status, respBody, attempt)

		switch {
		case err != nil:
			lastErr = err
		case *status >= 200 && *status < 300:
			return nil
		default:
			lastErr = fmt.Errorf("webhook returned status %d", *status)
		}

		if attempt < attempts {
			select {
			case <-time.After(c.retryDelays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("deliver %s after %d attempts: %w", event.Name, attempts, lastErr)
}

// DispatchAsync delivers event in the background, detached from the request
// that produced it.
func (c *Client) DispatchAsync(event Event) {
	if !c.Enabled() {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := c.Dispatch(ctx, event); err != nil {
			slog.Error("webhook: dispatch failed", "event", event.Name, "error", err)
		}
	}()
}

// Wait blocks until background deliveries have finished.
func (c *Client) Wait() {
	if c != nil {
		c.inflight.Wait()
	}
}

func (c *Client) post(ctx context.Context, deliveryID string, body []byte, signature string) (*int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Delivery", deliveryID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err.Error(), err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	return &resp.StatusCode, string(raw), nil
}

func (c *Client) logDelivery(ctx context.Context, deliveryID, event string, payload []byte, status *int, responseBody string, attempt int) {
	if _, err := c.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, event, payload, status_code, response_body, attempt)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		deliveryID, event, payload, status, responseBody, attempt,
	); err != nil {
		slog.Error("webhook: failed to log delivery", "delivery_id", deliveryID, "error", err)
	}
}
