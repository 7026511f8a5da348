// Package escrow orchestrates the engagement escrow lifecycle on top of the
// wallet core: initiate freezes the payer's funds, release pays the
// influencer resolved from the engagement conversation, refund returns the
// funds to the payer. All balance arithmetic lives in the wallet package;
// this layer adds payee resolution and per-hold serialization.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/collably/collably/internal/wallet"
)

var (
	// ErrPayeeUnresolved means no payee could be determined for the hold's
	// conversation and none was supplied explicitly.
	ErrPayeeUnresolved = errors.New("payee could not be resolved for conversation")
)

// Wallets is the slice of the wallet service the escrow layer needs.
type Wallets interface {
	FreezeForEscrow(ctx context.Context, userID string, amount int64, conversationID, paymentOrderID string) (*wallet.Hold, error)
	ReleaseEscrow(ctx context.Context, holdID, payeeUserID string) (*wallet.Hold, error)
	RefundEscrow(ctx context.Context, holdID string) (*wallet.Hold, error)
	GetHold(ctx context.Context, holdID string) (*wallet.Hold, error)
	ListHoldsForUser(ctx context.Context, userID string, limit int) ([]*wallet.Hold, error)
}

// ConversationResolver maps an engagement conversation to the influencer who
// gets paid when the hold is released. The conversation workflow lives in
// another system; this boundary keeps the escrow layer independent of it.
type ConversationResolver interface {
	PayeeFor(ctx context.Context, conversationID string) (string, error)
}

// Service coordinates escrow operations.
type Service struct {
	wallets  Wallets
	resolver ConversationResolver
	logger   *slog.Logger

	// Per-hold mutexes so concurrent resolutions of one hold serialize here
	// instead of burning store round trips on the terminal-state guard.
	locks sync.Map
}

// NewService creates an escrow service.
func NewService(wallets Wallets, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, logger: logger}
}

// WithResolver attaches a conversation-to-payee resolver.
func (s *Service) WithResolver(r ConversationResolver) *Service {
	s.resolver = r
	return s
}

// lockHold acquires the mutex for a hold ID and returns an unlock function.
func (s *Service) lockHold(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// InitiateRequest describes a new escrow hold.
type InitiateRequest struct {
	PayerUserID    string `json:"payerUserId" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	ConversationID string `json:"conversationId" binding:"required"`
	PaymentOrderID string `json:"paymentOrderId" binding:"required"`
}

// Initiate freezes the payer's funds for an engagement. Replays with the
// same payment order return the existing hold.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*wallet.Hold, error) {
	hold, err := s.wallets.FreezeForEscrow(ctx, req.PayerUserID, req.Amount, req.ConversationID, req.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow initiated",
		"hold_id", hold.ID,
		"payer_user_id", hold.PayerUserID,
		"amount", hold.Amount,
		"conversation_id", hold.ConversationID,
	)
	return hold, nil
}

// Release resolves the hold in favor of the payee. When payeeUserID is empty
// the payee is resolved from the hold's conversation.
func (s *Service) Release(ctx context.Context, holdID, payeeUserID string) (*wallet.Hold, error) {
	unlock := s.lockHold(holdID)
	defer unlock()

	if payeeUserID == "" {
		hold, err := s.wallets.GetHold(ctx, holdID)
		if err != nil {
			return nil, err
		}
		payeeUserID, err = s.resolvePayee(ctx, hold.ConversationID)
		if err != nil {
			return nil, err
		}
	}

	hold, err := s.wallets.ReleaseEscrow(ctx, holdID, payeeUserID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow released",
		"hold_id", hold.ID,
		"payer_user_id", hold.PayerUserID,
		"payee_user_id", hold.PayeeUserID,
		"amount", hold.Amount,
	)
	return hold, nil
}

// Refund resolves the hold back to the payer.
func (s *Service) Refund(ctx context.Context, holdID string) (*wallet.Hold, error) {
	unlock := s.lockHold(holdID)
	defer unlock()

	hold, err := s.wallets.RefundEscrow(ctx, holdID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow refunded",
		"hold_id", hold.ID,
		"payer_user_id", hold.PayerUserID,
		"amount", hold.Amount,
	)
	return hold, nil
}

// Get returns a hold by ID.
func (s *Service) Get(ctx context.Context, holdID string) (*wallet.Hold, error) {
	return s.wallets.GetHold(ctx, holdID)
}

// ListForUser returns holds involving the user, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*wallet.Hold, error) {
	return s.wallets.ListHoldsForUser(ctx, userID, limit)
}

func (s *Service) resolvePayee(ctx context.Context, conversationID string) (string, error) {
	if s.resolver == nil || conversationID == "" {
		return "", ErrPayeeUnresolved
	}
	payee, err := s.resolver.PayeeFor(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayeeUnresolved, err)
	}
	if payee == "" {
		return "", ErrPayeeUnresolved
	}
	return payee, nil
}
