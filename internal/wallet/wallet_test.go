package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/collably/collably/internal/pagination"
	"github.com/collably/collably/internal/retry"
)

func cursorFor(t *Transaction) *pagination.Cursor {
	return &pagination.Cursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	return NewService(store, exec, testLogger()), store
}

func checkInvariant(t *testing.T, w *Wallet) {
	t.Helper()
	if w.TotalBalance != w.WithdrawableBalance+w.FrozenBalance {
		t.Fatalf("balance invariant broken for %s: total=%d withdrawable=%d frozen=%d",
			w.UserID, w.TotalBalance, w.WithdrawableBalance, w.FrozenBalance)
	}
	if w.WithdrawableBalance < 0 || w.FrozenBalance < 0 {
		t.Fatalf("negative balance for %s: %+v", w.UserID, w)
	}
}

func mustBalance(t *testing.T, svc *Service, userID string, total, withdrawable, frozen int64) {
	t.Helper()
	w, err := svc.GetOrCreateBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetOrCreateBalance(%s) failed: %v", userID, err)
	}
	checkInvariant(t, w)
	if w.TotalBalance != total || w.WithdrawableBalance != withdrawable || w.FrozenBalance != frozen {
		t.Fatalf("wallet %s = {%d, %d, %d}, want {%d, %d, %d}",
			userID, w.TotalBalance, w.WithdrawableBalance, w.FrozenBalance, total, withdrawable, frozen)
	}
}

func TestWallet_FullLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	brand := "usr_brand0001"
	influencer := "usr_influencer1"

	// Brand funds their wallet.
	w, err := svc.Credit(ctx, brand, 50000, "dep_001", "card deposit")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	checkInvariant(t, w)
	mustBalance(t, svc, brand, 50000, 50000, 0)

	// Engagement agreed, funds frozen.
	hold, err := svc.FreezeForEscrow(ctx, brand, 30000, "conv_1", "order_001")
	if err != nil {
		t.Fatalf("FreezeForEscrow failed: %v", err)
	}
	if hold.State != HoldHeld {
		t.Fatalf("expected hold state held, got %s", hold.State)
	}
	mustBalance(t, svc, brand, 50000, 20000, 30000)

	// Work delivered, funds released to the influencer.
	released, err := svc.ReleaseEscrow(ctx, hold.ID, influencer)
	if err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}
	if released.State != HoldReleased {
		t.Fatalf("expected state released, got %s", released.State)
	}
	if released.PayeeUserID != influencer {
		t.Fatalf("expected payee %s, got %s", influencer, released.PayeeUserID)
	}
	if released.ResolvedAt == nil {
		t.Fatal("expected resolvedAt to be set")
	}

	// Amount left the payer entirely and landed withdrawable at the payee.
	mustBalance(t, svc, brand, 20000, 20000, 0)
	mustBalance(t, svc, influencer, 30000, 30000, 0)

	// Journal reflects every step, newest first.
	txns, err := svc.ListTransactions(ctx, brand, 0, nil)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("expected 3 payer journal entries, got %d", len(txns))
	}
	if txns[0].Kind != TxRelease || txns[0].Amount != -30000 {
		t.Fatalf("unexpected newest payer entry: %+v", txns[0])
	}
	if txns[1].Kind != TxFreeze || txns[1].Amount != 30000 {
		t.Fatalf("unexpected freeze entry: %+v", txns[1])
	}
	if txns[2].Kind != TxCredit || txns[2].Amount != 50000 {
		t.Fatalf("unexpected credit entry: %+v", txns[2])
	}

	payeeTxns, err := svc.ListTransactions(ctx, influencer, 0, nil)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(payeeTxns) != 1 || payeeTxns[0].Kind != TxRelease || payeeTxns[0].Amount != 30000 {
		t.Fatalf("unexpected payee journal: %+v", payeeTxns)
	}
}

func TestCredit_IdempotentOnReference(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	if _, err := svc.Credit(ctx, user, 1000, "pay_abc", "first"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	// Redelivered webhook, same reference.
	w, err := svc.Credit(ctx, user, 1000, "pay_abc", "redelivered")
	if err != nil {
		t.Fatalf("replayed Credit failed: %v", err)
	}
	if w.TotalBalance != 1000 {
		t.Fatalf("replayed credit applied twice: total=%d", w.TotalBalance)
	}

	if _, err := svc.Credit(ctx, user, 500, "pay_def", "second"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	mustBalance(t, svc, user, 1500, 1500, 0)

	// Only two journal entries despite three calls.
	txns, _ := svc.ListTransactions(ctx, user, 0, nil)
	if len(txns) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(txns))
	}
}

func TestCredit_RejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Credit(ctx, "usr_brand0001", 0, "ref", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := svc.Credit(ctx, "usr_brand0001", -50, "ref", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := svc.Credit(ctx, "usr_brand0001", 100, "", ""); !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
}

func TestFreeze_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	if _, err := svc.Credit(ctx, user, 100, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, err := svc.FreezeForEscrow(ctx, user, 200, "conv_1", "order_1")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// Nothing changed: no deduction, no hold, no journal entry.
	mustBalance(t, svc, user, 100, 100, 0)
	holds, _ := svc.ListHoldsForUser(ctx, user, 10)
	if len(holds) != 0 {
		t.Fatalf("expected no holds, got %d", len(holds))
	}
	txns, _ := svc.ListTransactions(ctx, user, 0, nil)
	if len(txns) != 1 {
		t.Fatalf("expected only the credit entry, got %d entries", len(txns))
	}
}

func TestFreeze_IdempotentOnPaymentOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	if _, err := svc.Credit(ctx, user, 1000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	first, err := svc.FreezeForEscrow(ctx, user, 400, "conv_1", "order_1")
	if err != nil {
		t.Fatalf("FreezeForEscrow failed: %v", err)
	}
	second, err := svc.FreezeForEscrow(ctx, user, 400, "conv_1", "order_1")
	if err != nil {
		t.Fatalf("replayed FreezeForEscrow failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a second hold: %s vs %s", second.ID, first.ID)
	}
	// Deducted exactly once.
	mustBalance(t, svc, user, 1000, 600, 400)
}

func TestRelease_TerminalStateGuard(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	brand := "usr_brand0001"
	influencer := "usr_influencer1"

	if _, err := svc.Credit(ctx, brand, 1000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	hold, err := svc.FreezeForEscrow(ctx, brand, 600, "conv_1", "order_1")
	if err != nil {
		t.Fatalf("FreezeForEscrow failed: %v", err)
	}
	if _, err := svc.ReleaseEscrow(ctx, hold.ID, influencer); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	// Double release must fail and must not move funds again.
	if _, err := svc.ReleaseEscrow(ctx, hold.ID, influencer); !errors.Is(err, ErrInvalidHoldState) {
		t.Fatalf("expected ErrInvalidHoldState on double release, got %v", err)
	}
	if _, err := svc.RefundEscrow(ctx, hold.ID); !errors.Is(err, ErrInvalidHoldState) {
		t.Fatalf("expected ErrInvalidHoldState on refund after release, got %v", err)
	}

	mustBalance(t, svc, brand, 400, 400, 0)
	mustBalance(t, svc, influencer, 600, 600, 0)
}

func TestRefund_ReturnsFundsToPayer(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	if _, err := svc.Credit(ctx, user, 1000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	hold, err := svc.FreezeForEscrow(ctx, user, 400, "conv_1", "order_1")
	if err != nil {
		t.Fatalf("FreezeForEscrow failed: %v", err)
	}

	refunded, err := svc.RefundEscrow(ctx, hold.ID)
	if err != nil {
		t.Fatalf("RefundEscrow failed: %v", err)
	}
	if refunded.State != HoldRefunded {
		t.Fatalf("expected state refunded, got %s", refunded.State)
	}
	mustBalance(t, svc, user, 1000, 1000, 0)

	// Refunded is terminal too.
	if _, err := svc.ReleaseEscrow(ctx, hold.ID, "usr_influencer1"); !errors.Is(err, ErrInvalidHoldState) {
		t.Fatalf("expected ErrInvalidHoldState on release after refund, got %v", err)
	}
}

func TestRelease_UnknownHold(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.ReleaseEscrow(context.Background(), "hold_missing", "usr_influencer1"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
	if _, err := svc.RefundEscrow(context.Background(), "hold_missing"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestConcurrentCredits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := svc.Credit(ctx, user, 10, fmt.Sprintf("ref_%d", n), ""); err != nil {
				t.Errorf("Credit %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	mustBalance(t, svc, user, workers*10, workers*10, 0)
}

func TestConcurrentFreezes_SamePaymentOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	if _, err := svc.Credit(ctx, user, 1000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	const workers = 10
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := svc.FreezeForEscrow(ctx, user, 300, "conv_1", "order_race")
			if err != nil {
				t.Errorf("FreezeForEscrow failed: %v", err)
				return
			}
			ids <- h.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected one hold across concurrent freezes, got %d", len(seen))
	}
	// Deducted exactly once despite the race.
	mustBalance(t, svc, user, 1000, 700, 300)
}

// flakyStore fails the first failures calls to Credit with a classified
// error, then delegates.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyStore) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.Store.Credit(ctx, userID, amount, reference, description)
}

func TestRetry_TransientFaultsAreAbsorbed(t *testing.T) {
	flaky := &flakyStore{
		Store:    NewMemoryStore(),
		failures: 2,
		err:      retry.Transient(errors.New("connection refused")),
	}
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	svc := NewService(flaky, exec, testLogger())

	w, err := svc.Credit(context.Background(), "usr_brand0001", 100, "dep_1", "")
	if err != nil {
		t.Fatalf("expected retries to absorb transient faults, got %v", err)
	}
	if w.TotalBalance != 100 {
		t.Fatalf("expected balance 100, got %d", w.TotalBalance)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 store calls, got %d", flaky.calls)
	}
}

func TestRetry_ValidationFailsFast(t *testing.T) {
	flaky := &flakyStore{
		Store:    NewMemoryStore(),
		failures: 100,
		err:      retry.Validation(ErrInsufficientFunds),
	}
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	svc := NewService(flaky, exec, testLogger())

	_, err := svc.Credit(context.Background(), "usr_brand0001", 100, "dep_1", "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if flaky.calls != 1 {
		t.Fatalf("validation errors must not be retried, got %d calls", flaky.calls)
	}
}

func TestRetry_ExhaustionSurfacesLastError(t *testing.T) {
	cause := errors.New("server unavailable")
	flaky := &flakyStore{
		Store:    NewMemoryStore(),
		failures: 100,
		err:      retry.Transient(cause),
	}
	exec := retry.NewExecutor(2, time.Millisecond, 4*time.Millisecond, testLogger())
	svc := NewService(flaky, exec, testLogger())

	_, err := svc.Credit(context.Background(), "usr_brand0001", 100, "dep_1", "")
	if !errors.Is(err, cause) {
		t.Fatalf("expected underlying cause, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d calls", flaky.calls)
	}
}

func TestListHoldsForUser_NewestFirstBothSides(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	brand := "usr_brand0001"
	influencer := "usr_influencer1"

	if _, err := svc.Credit(ctx, brand, 10000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	var holdIDs []string
	for i := 0; i < 3; i++ {
		h, err := svc.FreezeForEscrow(ctx, brand, 100, "conv_1", fmt.Sprintf("order_%d", i))
		if err != nil {
			t.Fatalf("FreezeForEscrow %d failed: %v", i, err)
		}
		holdIDs = append(holdIDs, h.ID)
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := svc.ReleaseEscrow(ctx, holdIDs[1], influencer); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	holds, err := svc.ListHoldsForUser(ctx, brand, 10)
	if err != nil {
		t.Fatalf("ListHoldsForUser failed: %v", err)
	}
	if len(holds) != 3 {
		t.Fatalf("expected 3 holds for payer, got %d", len(holds))
	}
	for i := 1; i < len(holds); i++ {
		if holds[i].CreatedAt.After(holds[i-1].CreatedAt) {
			t.Fatalf("holds not sorted newest first at index %d", i)
		}
	}

	// The influencer only sees the hold released to them.
	payeeHolds, err := svc.ListHoldsForUser(ctx, influencer, 10)
	if err != nil {
		t.Fatalf("ListHoldsForUser failed: %v", err)
	}
	if len(payeeHolds) != 1 || payeeHolds[0].ID != holdIDs[1] {
		t.Fatalf("unexpected payee holds: %+v", payeeHolds)
	}
}

func TestListTransactions_CursorPagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	user := "usr_brand0001"

	for i := 0; i < 5; i++ {
		if _, err := svc.Credit(ctx, user, 10, fmt.Sprintf("ref_%d", i), ""); err != nil {
			t.Fatalf("Credit %d failed: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	page1, err := svc.ListTransactions(ctx, user, 2, nil)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(page1))
	}
	if page1[0].Reference != "ref_4" || page1[1].Reference != "ref_3" {
		t.Fatalf("unexpected first page order: %s, %s", page1[0].Reference, page1[1].Reference)
	}

	seen := map[string]bool{page1[0].ID: true, page1[1].ID: true}
	cursor := cursorFor(page1[1])
	for {
		page, err := svc.ListTransactions(ctx, user, 2, cursor)
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, txn := range page {
			if seen[txn.ID] {
				t.Fatalf("entry %s returned twice across pages", txn.ID)
			}
			seen[txn.ID] = true
		}
		cursor = cursorFor(page[len(page)-1])
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct entries across pages, got %d", len(seen))
	}
}

// mockEmitter records balance-changed notifications.
type mockEmitter struct {
	mu     sync.Mutex
	events []string
}

func (m *mockEmitter) BalanceChanged(ctx context.Context, kind, userID string, total, withdrawable, frozen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, kind+":"+userID)
}

func TestEmitter_NotifiedOnEveryMove(t *testing.T) {
	store := NewMemoryStore()
	exec := retry.NewExecutor(3, time.Millisecond, 8*time.Millisecond, testLogger())
	emitter := &mockEmitter{}
	svc := NewService(store, exec, testLogger()).WithEmitter(emitter)
	ctx := context.Background()

	brand := "usr_brand0001"
	influencer := "usr_influencer1"

	if _, err := svc.Credit(ctx, brand, 1000, "dep_1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	hold, err := svc.FreezeForEscrow(ctx, brand, 400, "conv_1", "order_1")
	if err != nil {
		t.Fatalf("FreezeForEscrow failed: %v", err)
	}
	if _, err := svc.ReleaseEscrow(ctx, hold.ID, influencer); err != nil {
		t.Fatalf("ReleaseEscrow failed: %v", err)
	}

	want := []string{
		"credit:" + brand,
		"freeze:" + brand,
		"release:" + brand,
		"release:" + influencer,
	}
	if len(emitter.events) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(emitter.events), emitter.events)
	}
	for i, e := range want {
		if emitter.events[i] != e {
			t.Fatalf("event %d = %s, want %s", i, emitter.events[i], e)
		}
	}
}
