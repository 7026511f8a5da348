// Package payments turns Stripe checkout webhooks into wallet credits.
//
// Brand owners top up through Stripe Checkout; the completed-session webhook
// lands here and credits their wallet in minor units. The Stripe event ID is
// the credit reference, so redelivered webhooks apply exactly once.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/collably/collably/internal/wallet"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collably",
		Subsystem: "payments",
		Name:      "stripe_webhooks_total",
		Help:      "Stripe webhook deliveries by outcome.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(webhooksTotal)
}

// ErrUnverified means the webhook signature did not check out.
var ErrUnverified = errors.New("stripe webhook signature verification failed")

// Wallets is the slice of the wallet service the payments layer needs.
type Wallets interface {
	Credit(ctx context.Context, userID string, amount int64, reference, description string) (*wallet.Wallet, error)
}

// Verifier authenticates a raw webhook payload and returns the parsed event.
// Swappable so tests can inject events without real Stripe signatures.
type Verifier func(payload []byte, sigHeader, secret string) (stripe.Event, error)

// Service processes Stripe webhook events.
type Service struct {
	wallets       Wallets
	webhookSecret string
	verify        Verifier
	logger        *slog.Logger
}

// NewService creates a payments service using Stripe's signature
// verification.
func NewService(wallets Wallets, webhookSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		wallets:       wallets,
		webhookSecret: webhookSecret,
		verify:        webhook.ConstructEvent,
		logger:        logger,
	}
}

// WithVerifier overrides signature verification.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verify = v
	return s
}

// Outcome describes how a webhook delivery was handled.
type Outcome string

const (
	OutcomeCredited Outcome = "credited"
	OutcomeIgnored  Outcome = "ignored"
)

// HandleWebhook verifies and processes one webhook delivery. Event types
// other than completed checkout sessions are acknowledged and ignored.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (Outcome, error) {
	event, err := s.verify(payload, sigHeader, s.webhookSecret)
	if err != nil {
		webhooksTotal.WithLabelValues("unverified").Inc()
		return "", fmt.Errorf("%w: %v", ErrUnverified, err)
	}

	if event.Type != "checkout.session.completed" {
		webhooksTotal.WithLabelValues("ignored").Inc()
		return OutcomeIgnored, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		webhooksTotal.WithLabelValues("malformed").Inc()
		return "", fmt.Errorf("unmarshal checkout session: %w", err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		// Nothing to credit and a retry cannot fix it; acknowledge so
		// Stripe stops redelivering.
		s.logger.Error("checkout session has no client reference", "event_id", event.ID)
		webhooksTotal.WithLabelValues("no_reference").Inc()
		return OutcomeIgnored, nil
	}
	if session.AmountTotal <= 0 {
		s.logger.Error("checkout session has no amount", "event_id", event.ID, "user_id", userID)
		webhooksTotal.WithLabelValues("no_amount").Inc()
		return OutcomeIgnored, nil
	}

	// The event ID as reference makes redeliveries idempotent.
	reference := "stripe_" + event.ID
	w, err := s.wallets.Credit(ctx, userID, session.AmountTotal, reference,
		fmt.Sprintf("stripe checkout %s", session.ID))
	if err != nil {
		webhooksTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("credit wallet for event %s: %w", event.ID, err)
	}

	s.logger.Info("stripe checkout credited",
		"event_id", event.ID,
		"user_id", userID,
		"amount", session.AmountTotal,
		"balance", w.TotalBalance,
	)
	webhooksTotal.WithLabelValues("credited").Inc()
	return OutcomeCredited, nil
}
