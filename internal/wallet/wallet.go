// Package wallet is the funds-movement core of the marketplace.
//
// Flow:
//  1. Brand owner funds their wallet → Credit (total and withdrawable grow)
//  2. Engagement starts → FreezeForEscrow (withdrawable → frozen, hold opened)
//  3. Work delivered → ReleaseEscrow (payer's frozen → influencer's withdrawable)
//  4. Engagement cancelled → RefundEscrow (frozen → payer's withdrawable)
//
// Every balance-affecting operation appends to the wallet's transaction
// journal in the same commit, and every remote-store call runs through the
// retry executor. Amounts are integer minor units (cents/paise).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/collably/collably/internal/idgen"
	"github.com/collably/collably/internal/pagination"
	"github.com/collably/collably/internal/retry"
	"github.com/collably/collably/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrHoldNotFound      = errors.New("escrow hold not found")
	ErrInvalidAmount     = errors.New("amount must be a positive number of minor units")
	ErrInsufficientFunds = errors.New("insufficient withdrawable balance")
	ErrInvalidHoldState  = errors.New("escrow hold is not in a releasable state")
	ErrMissingReference  = errors.New("idempotency reference is required")
)

// HoldState represents the lifecycle state of an escrow hold.
type HoldState string

const (
	HoldHeld     HoldState = "held"     // Funds frozen, engagement in flight
	HoldReleased HoldState = "released" // Funds moved to the payee (terminal)
	HoldRefunded HoldState = "refunded" // Funds returned to the payer (terminal)
)

// Wallet is the per-user balance record. The invariant
// TotalBalance == WithdrawableBalance + FrozenBalance holds after every
// committed operation.
type Wallet struct {
	UserID              string    `json:"userId"`
	TotalBalance        int64     `json:"totalBalance"`
	WithdrawableBalance int64     `json:"withdrawableBalance"`
	FrozenBalance       int64     `json:"frozenBalance"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Hold is a reservation of payer funds backing one engagement.
// For every wallet, FrozenBalance == Σ(amount of its holds in state held).
type Hold struct {
	ID             string     `json:"id"`
	PayerUserID    string     `json:"payerUserId"`
	PayeeUserID    string     `json:"payeeUserId,omitempty"` // set when released
	Amount         int64      `json:"amount"`
	ConversationID string     `json:"conversationId"`
	PaymentOrderID string     `json:"paymentOrderId"` // freeze idempotency key
	State          HoldState  `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true once the hold has been released or refunded.
func (h *Hold) IsTerminal() bool {
	return h.State == HoldReleased || h.State == HoldRefunded
}

// TxKind labels a journal entry.
type TxKind string

const (
	TxCredit  TxKind = "credit"
	TxFreeze  TxKind = "freeze"
	TxRelease TxKind = "release"
	TxRefund  TxKind = "refund"
)

// Transaction is one immutable journal entry. Amount is signed: positive for
// value entering the user's total balance, negative for value leaving it,
// and positive-but-total-neutral for pool moves (freeze, refund), where the
// kind defines which pools the amount moved between.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Kind        TxKind    `json:"kind"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	HoldID      string    `json:"holdId,omitempty"`
	Reference   string    `json:"reference,omitempty"` // credit idempotency key
	CreatedAt   time.Time `json:"createdAt"`
}

// TxStatusCompleted is the only journal status written by this core; the
// journal records committed state changes, never intents.
const TxStatusCompleted = "completed"

// Store is the remote-store boundary. Implementations must make every
// multi-row transition atomic (all-or-nothing) and return errors classified
// with the retry package so the executor can tell transient faults from
// invalid requests.
type Store interface {
	// GetOrCreateWallet returns the user's wallet, creating a zero-balance row
	// on first access. Safe to call concurrently: duplicate-key is success.
	GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error)

	// GetWallet returns the wallet or a not-found classified error.
	GetWallet(ctx context.Context, userID string) (*Wallet, error)

	// Credit atomically increments total and withdrawable and appends a credit
	// journal entry. Idempotent on reference: a duplicate reference returns
	// the current wallet without re-applying.
	Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error)

	// Freeze moves amount from withdrawable to frozen and inserts the hold and
	// its journal entry in one commit. Idempotent on
	// (payer_user_id, payment_order_id): a duplicate returns the existing hold.
	Freeze(ctx context.Context, hold *Hold) (*Hold, error)

	// Release resolves a held hold: the payer's frozen (and total) balance
	// drops by the hold amount and the payee's withdrawable (and total) grows
	// by it, both wallets in one commit.
	Release(ctx context.Context, holdID, payeeUserID string) (*Hold, error)

	// Refund resolves a held hold back into the payer's withdrawable balance.
	Refund(ctx context.Context, holdID string) (*Hold, error)

	GetHold(ctx context.Context, holdID string) (*Hold, error)

	// ListHolds returns holds where the user is payer or payee, newest first.
	ListHolds(ctx context.Context, userID string, limit int) ([]*Hold, error)

	// ListTransactions returns journal entries newest first. limit <= 0 means
	// no limit; a non-nil cursor returns entries strictly older than it.
	ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error)

	// SumHeldAmounts returns Σ(amount) over the user's holds in state held.
	SumHeldAmounts(ctx context.Context, userID string) (int64, error)

	// ListUserIDs returns every user with a wallet row.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// EventEmitter receives best-effort notifications after a balance-affecting
// operation commits. Implementations must not block and must not fail the
// calling operation.
type EventEmitter interface {
	BalanceChanged(ctx context.Context, kind, userID string, total, withdrawable, frozen int64)
}

// Service implements the wallet operations on top of a Store, routing every
// store call through the retry executor.
type Service struct {
	store   Store
	exec    *retry.Executor
	emitter EventEmitter
	logger  *slog.Logger
}

// NewService creates a wallet service.
func NewService(store Store, exec *retry.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, exec: exec, logger: logger}
}

// WithEmitter attaches a domain-event emitter.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// GetOrCreateBalance returns the user's wallet, lazily creating it.
func (s *Service) GetOrCreateBalance(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: user id is required")
	}
	ctx, span := traces.StartSpan(ctx, "wallet.get_or_create",
		attribute.String("user_id", userID))
	defer span.End()

	var w *Wallet
	err := s.exec.Do(ctx, "wallet.get_or_create", func() error {
		var err error
		w, err = s.store.GetOrCreateWallet(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds amount to the user's total and withdrawable balances.
// reference is the caller-supplied idempotency key; retried or redelivered
// credits with the same reference apply exactly once.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: user id is required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		return nil, ErrMissingReference
	}
	ctx, span := traces.StartSpan(ctx, "wallet.credit",
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount))
	defer span.End()

	var w *Wallet
	err := s.exec.Do(ctx, "wallet.credit", func() error {
		var err error
		w, err = s.store.Credit(ctx, userID, amount, reference, description)
		return err
	})
	if err != nil {
		s.logger.Error("credit failed",
			"user_id", userID, "amount", amount, "reference", reference, "error", err)
		opsTotal.WithLabelValues("credit", "error").Inc()
		return nil, err
	}

	opsTotal.WithLabelValues("credit", "ok").Inc()
	s.emit(ctx, string(TxCredit), w)
	return w, nil
}

// FreezeForEscrow reserves amount of the payer's withdrawable balance for an
// engagement, opening a hold in state held. paymentOrderID is the idempotency
// key: freezing twice for the same order yields one hold and one deduction.
func (s *Service) FreezeForEscrow(ctx context.Context, userID string, amount int64, conversationID, paymentOrderID string) (*Hold, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: user id is required")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if paymentOrderID == "" {
		return nil, ErrMissingReference
	}
	ctx, span := traces.StartSpan(ctx, "wallet.freeze",
		attribute.String("user_id", userID),
		attribute.Int64("amount", amount),
		attribute.String("payment_order_id", paymentOrderID))
	defer span.End()

	hold := &Hold{
		ID:             idgen.WithPrefix("hold_"),
		PayerUserID:    userID,
		Amount:         amount,
		ConversationID: conversationID,
		PaymentOrderID: paymentOrderID,
		State:          HoldHeld,
		CreatedAt:      time.Now().UTC(),
	}

	var created *Hold
	err := s.exec.Do(ctx, "wallet.freeze", func() error {
		var err error
		created, err = s.store.Freeze(ctx, hold)
		return err
	})
	if err != nil {
		s.logger.Error("freeze failed",
			"user_id", userID, "amount", amount, "payment_order_id", paymentOrderID, "error", err)
		opsTotal.WithLabelValues("freeze", "error").Inc()
		return nil, err
	}

	opsTotal.WithLabelValues("freeze", "ok").Inc()
	if created.ID == hold.ID {
		// A replayed payment order returns the prior hold instead.
		holdsOpen.Inc()
	}
	s.emitForUser(ctx, string(TxFreeze), userID)
	return created, nil
}

// ReleaseEscrow resolves a held hold in the payee's favor: the amount leaves
// the payer's frozen pool and lands in payeeUserID's withdrawable pool, both
// wallets moving in one atomic unit. Double release fails with
// ErrInvalidHoldState and changes nothing.
func (s *Service) ReleaseEscrow(ctx context.Context, holdID, payeeUserID string) (*Hold, error) {
	if holdID == "" || payeeUserID == "" {
		return nil, fmt.Errorf("wallet: hold id and payee user id are required")
	}
	ctx, span := traces.StartSpan(ctx, "wallet.release",
		attribute.String("hold_id", holdID),
		attribute.String("payee_user_id", payeeUserID))
	defer span.End()

	var hold *Hold
	err := s.exec.Do(ctx, "wallet.release", func() error {
		var err error
		hold, err = s.store.Release(ctx, holdID, payeeUserID)
		return err
	})
	if err != nil {
		s.logger.Error("release failed", "hold_id", holdID, "payee_user_id", payeeUserID, "error", err)
		opsTotal.WithLabelValues("release", "error").Inc()
		return nil, err
	}

	opsTotal.WithLabelValues("release", "ok").Inc()
	holdsOpen.Dec()
	s.emitForUser(ctx, string(TxRelease), hold.PayerUserID)
	s.emitForUser(ctx, string(TxRelease), payeeUserID)
	return hold, nil
}

// RefundEscrow resolves a held hold back to the payer: frozen shrinks,
// withdrawable grows, total unchanged. Same terminal-state guard as release.
func (s *Service) RefundEscrow(ctx context.Context, holdID string) (*Hold, error) {
	if holdID == "" {
		return nil, fmt.Errorf("wallet: hold id is required")
	}
	ctx, span := traces.StartSpan(ctx, "wallet.refund",
		attribute.String("hold_id", holdID))
	defer span.End()

	var hold *Hold
	err := s.exec.Do(ctx, "wallet.refund", func() error {
		var err error
		hold, err = s.store.Refund(ctx, holdID)
		return err
	})
	if err != nil {
		s.logger.Error("refund failed", "hold_id", holdID, "error", err)
		opsTotal.WithLabelValues("refund", "error").Inc()
		return nil, err
	}

	opsTotal.WithLabelValues("refund", "ok").Inc()
	holdsOpen.Dec()
	s.emitForUser(ctx, string(TxRefund), hold.PayerUserID)
	return hold, nil
}

// GetHold returns a hold by ID.
func (s *Service) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	var hold *Hold
	err := s.exec.Do(ctx, "wallet.get_hold", func() error {
		var err error
		hold, err = s.store.GetHold(ctx, holdID)
		return err
	})
	return hold, err
}

// ListHoldsForUser returns holds involving the user (payer or payee side),
// newest first.
func (s *Service) ListHoldsForUser(ctx context.Context, userID string, limit int) ([]*Hold, error) {
	if limit <= 0 {
		limit = 50
	}
	var holds []*Hold
	err := s.exec.Do(ctx, "wallet.list_holds", func() error {
		var err error
		holds, err = s.store.ListHolds(ctx, userID, limit)
		return err
	})
	return holds, err
}

// ListTransactions returns the user's journal entries newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	var txns []*Transaction
	err := s.exec.Do(ctx, "wallet.list_transactions", func() error {
		var err error
		txns, err = s.store.ListTransactions(ctx, userID, limit, before)
		return err
	})
	return txns, err
}

// emit sends a balance-changed event using the wallet returned by the store.
func (s *Service) emit(ctx context.Context, kind string, w *Wallet) {
	if s.emitter == nil || w == nil {
		return
	}
	s.emitter.BalanceChanged(ctx, kind, w.UserID, w.TotalBalance, w.WithdrawableBalance, w.FrozenBalance)
}

// emitForUser re-reads the wallet for its post-commit balances. The event is
// best-effort: a read failure only costs the notification.
func (s *Service) emitForUser(ctx context.Context, kind, userID string) {
	if s.emitter == nil {
		return
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		s.logger.Warn("skipping balance event, wallet re-read failed",
			"kind", kind, "user_id", userID, "error", err)
		return
	}
	s.emit(ctx, kind, w)
}
