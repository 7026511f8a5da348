// Package events pushes balance lifecycle notifications to an external
// webhook endpoint.
//
// The conversation and notification surfaces live in another system; it
// learns about wallet movement through these events:
// - wallet.credited
// - escrow.frozen
// - escrow.released
// - escrow.refunded
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/collably/collably/internal/circuitbreaker"
)

// Type labels an event.
type Type string

const (
	TypeWalletCredited Type = "wallet.credited"
	TypeEscrowFrozen   Type = "escrow.frozen"
	TypeEscrowReleased Type = "escrow.released"
	TypeEscrowRefunded Type = "escrow.refunded"
)

// Event is the wire payload delivered to the webhook endpoint.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sink delivers events somewhere. Delivery failures are the sink's to
// report; callers treat them as best-effort.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
}

// WebhookSink posts events as JSON to a single configured URL, signing the
// body with HMAC-SHA256 when a secret is configured.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewWebhookSink creates a sink for the given endpoint. A tripped breaker
// sheds deliveries instead of hammering an endpoint that keeps failing.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New("event_webhook", 5, 30*time.Second),
	}
}

// Deliver posts the event. Non-2xx responses are errors so the emitter can
// count and log them.
func (s *WebhookSink) Deliver(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return s.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Collably-Event", string(event.Type))
		req.Header.Set("X-Collably-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if s.secret != "" {
			req.Header.Set("X-Collably-Signature", Sign(payload, s.secret))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("deliver event: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
		}
		return nil
	})
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute it to authenticate deliveries.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
