package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/collably/collably/internal/retry"
	"github.com/collably/collably/internal/wallet"
	stripe "github.com/stripe/stripe-go/v81"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEvent builds the verifier output for a completed checkout session.
func fakeEvent(eventID, userID string, amount int64) stripe.Event {
	session := map[string]interface{}{
		"id":                  "cs_" + eventID,
		"client_reference_id": userID,
		"amount_total":        amount,
	}
	raw, _ := json.Marshal(session)
	return stripe.Event{
		ID:   eventID,
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}
}

func staticVerifier(event stripe.Event, err error) Verifier {
	return func(payload []byte, sigHeader, secret string) (stripe.Event, error) {
		return event, err
	}
}

func newTestService(v Verifier) (*Service, *wallet.Service) {
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	wallets := wallet.NewService(wallet.NewMemoryStore(), exec, testLogger())
	svc := NewService(wallets, "whsec_test", testLogger()).WithVerifier(v)
	return svc, wallets
}

func TestHandleWebhook_CreditsWallet(t *testing.T) {
	svc, wallets := newTestService(staticVerifier(fakeEvent("evt_1", "usr_brand0001", 2500), nil))

	outcome, err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if outcome != OutcomeCredited {
		t.Fatalf("expected credited outcome, got %s", outcome)
	}

	w, err := wallets.GetOrCreateBalance(context.Background(), "usr_brand0001")
	if err != nil {
		t.Fatalf("GetOrCreateBalance failed: %v", err)
	}
	if w.TotalBalance != 2500 || w.WithdrawableBalance != 2500 {
		t.Fatalf("unexpected wallet: %+v", w)
	}
}

func TestHandleWebhook_RedeliveryAppliesOnce(t *testing.T) {
	svc, wallets := newTestService(staticVerifier(fakeEvent("evt_1", "usr_brand0001", 2500), nil))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.HandleWebhook(ctx, []byte("{}"), "sig"); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	w, _ := wallets.GetOrCreateBalance(ctx, "usr_brand0001")
	if w.TotalBalance != 2500 {
		t.Fatalf("redelivered webhook credited more than once: %d", w.TotalBalance)
	}
}

func TestHandleWebhook_DistinctEventsAccumulate(t *testing.T) {
	ctx := context.Background()
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	wallets := wallet.NewService(wallet.NewMemoryStore(), exec, testLogger())

	for i := 0; i < 3; i++ {
		event := fakeEvent(fmt.Sprintf("evt_%d", i), "usr_brand0001", 1000)
		svc := NewService(wallets, "whsec_test", testLogger()).WithVerifier(staticVerifier(event, nil))
		if _, err := svc.HandleWebhook(ctx, []byte("{}"), "sig"); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}

	w, _ := wallets.GetOrCreateBalance(ctx, "usr_brand0001")
	if w.TotalBalance != 3000 {
		t.Fatalf("expected 3000 across three events, got %d", w.TotalBalance)
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	svc, _ := newTestService(staticVerifier(stripe.Event{}, errors.New("bad signature")))

	_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected ErrUnverified, got %v", err)
	}
}

func TestHandleWebhook_IgnoresOtherEventTypes(t *testing.T) {
	event := stripe.Event{
		ID:   "evt_other",
		Type: "invoice.paid",
		Data: &stripe.EventData{Raw: []byte("{}")},
	}
	svc, wallets := newTestService(staticVerifier(event, nil))

	outcome, err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		t.Fatalf("HandleWebhook failed: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %s", outcome)
	}

	w, _ := wallets.GetOrCreateBalance(context.Background(), "usr_brand0001")
	if w.TotalBalance != 0 {
		t.Fatalf("ignored event changed a balance: %+v", w)
	}
}

func TestHandleWebhook_MissingReferenceAcknowledged(t *testing.T) {
	svc, _ := newTestService(staticVerifier(fakeEvent("evt_1", "", 2500), nil))

	outcome, err := svc.HandleWebhook(context.Background(), []byte("{}"), "sig")
	if err != nil {
		t.Fatalf("expected acknowledgement, got error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected ignored outcome, got %s", outcome)
	}
}
