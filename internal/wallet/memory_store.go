package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/collably/collably/internal/idgen"
	"github.com/collably/collably/internal/pagination"
	"github.com/collably/collably/internal/retry"
	"github.com/collably/collably/internal/syncutil"
)

// MemoryStore is an in-memory Store for development and tests.
//
// A sharded mutex keyed by user ID serializes all mutations of a given
// wallet, mirroring the row-level locking the PostgreSQL store gets from
// serializable transactions. The inner RWMutex only guards map and slice
// structure and is held for short final sections.
type MemoryStore struct {
	locks syncutil.ShardedMutex

	mu           sync.RWMutex
	wallets      map[string]*Wallet
	holds        map[string]*Hold
	holdsByOrder map[string]string // payerUserID + "|" + paymentOrderID -> hold ID
	creditRefs   map[string]string // credit reference -> transaction ID
	txns         []*Transaction    // append-only, oldest first
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*Wallet),
		holds:        make(map[string]*Hold),
		holdsByOrder: make(map[string]string),
		creditRefs:   make(map[string]string),
	}
}

func (m *MemoryStore) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneWallet(m.getOrCreateLocked(userID)), nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, retry.NotFound(ErrWalletNotFound)
	}
	return cloneWallet(w), nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replayed reference: already applied, return current state untouched.
	if _, seen := m.creditRefs[reference]; seen {
		return cloneWallet(m.getOrCreateLocked(userID)), nil
	}

	w := m.getOrCreateLocked(userID)
	w.TotalBalance += amount
	w.WithdrawableBalance += amount
	w.UpdatedAt = time.Now().UTC()

	txn := m.appendTxnLocked(userID, amount, TxCredit, description, "", reference)
	m.creditRefs[reference] = txn.ID
	return cloneWallet(w), nil
}

func (m *MemoryStore) Freeze(ctx context.Context, hold *Hold) (*Hold, error) {
	unlock := m.locks.Lock(hold.PayerUserID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	orderKey := hold.PayerUserID + "|" + hold.PaymentOrderID
	if existingID, ok := m.holdsByOrder[orderKey]; ok {
		return cloneHold(m.holds[existingID]), nil
	}

	w := m.getOrCreateLocked(hold.PayerUserID)
	if w.WithdrawableBalance < hold.Amount {
		return nil, retry.Validation(ErrInsufficientFunds)
	}
	w.WithdrawableBalance -= hold.Amount
	w.FrozenBalance += hold.Amount
	w.UpdatedAt = time.Now().UTC()

	h := cloneHold(hold)
	m.holds[h.ID] = h
	m.holdsByOrder[orderKey] = h.ID
	m.appendTxnLocked(h.PayerUserID, h.Amount, TxFreeze, "escrow freeze", h.ID, "")
	return cloneHold(h), nil
}

func (m *MemoryStore) Release(ctx context.Context, holdID, payeeUserID string) (*Hold, error) {
	m.mu.RLock()
	h, ok := m.holds[holdID]
	var payerUserID string
	if ok {
		payerUserID = h.PayerUserID
	}
	m.mu.RUnlock()
	if !ok {
		return nil, retry.NotFound(ErrHoldNotFound)
	}

	unlock := m.locks.Lock2(payerUserID, payeeUserID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	h = m.holds[holdID]
	if h == nil || h.State != HoldHeld {
		return nil, retry.Validation(ErrInvalidHoldState)
	}

	payer := m.wallets[payerUserID]
	payer.FrozenBalance -= h.Amount
	payer.TotalBalance -= h.Amount
	payer.UpdatedAt = time.Now().UTC()

	payee := m.getOrCreateLocked(payeeUserID)
	payee.TotalBalance += h.Amount
	payee.WithdrawableBalance += h.Amount
	payee.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	h.State = HoldReleased
	h.PayeeUserID = payeeUserID
	h.ResolvedAt = &now

	m.appendTxnLocked(payerUserID, -h.Amount, TxRelease, "escrow released to payee", h.ID, "")
	m.appendTxnLocked(payeeUserID, h.Amount, TxRelease, "escrow payout received", h.ID, "")
	return cloneHold(h), nil
}

func (m *MemoryStore) Refund(ctx context.Context, holdID string) (*Hold, error) {
	m.mu.RLock()
	h, ok := m.holds[holdID]
	var payerUserID string
	if ok {
		payerUserID = h.PayerUserID
	}
	m.mu.RUnlock()
	if !ok {
		return nil, retry.NotFound(ErrHoldNotFound)
	}

	unlock := m.locks.Lock(payerUserID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	h = m.holds[holdID]
	if h == nil || h.State != HoldHeld {
		return nil, retry.Validation(ErrInvalidHoldState)
	}

	payer := m.wallets[payerUserID]
	payer.FrozenBalance -= h.Amount
	payer.WithdrawableBalance += h.Amount
	payer.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	h.State = HoldRefunded
	h.ResolvedAt = &now

	m.appendTxnLocked(payerUserID, h.Amount, TxRefund, "escrow refunded", h.ID, "")
	return cloneHold(h), nil
}

func (m *MemoryStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[holdID]
	if !ok {
		return nil, retry.NotFound(ErrHoldNotFound)
	}
	return cloneHold(h), nil
}

func (m *MemoryStore) ListHolds(ctx context.Context, userID string, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Hold
	for _, h := range m.holds {
		if h.PayerUserID == userID || h.PayeeUserID == userID {
			out = append(out, cloneHold(h))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	// The slice is append-only oldest first, so a backwards walk yields
	// newest first without sorting.
	for i := len(m.txns) - 1; i >= 0; i-- {
		t := m.txns[i]
		if t.UserID != userID {
			continue
		}
		if before != nil && !olderThanCursor(t, before) {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SumHeldAmounts(ctx context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, h := range m.holds {
		if h.PayerUserID == userID && h.State == HoldHeld {
			sum += h.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// getOrCreateLocked requires m.mu held for writing.
func (m *MemoryStore) getOrCreateLocked(userID string) *Wallet {
	if w, ok := m.wallets[userID]; ok {
		return w
	}
	now := time.Now().UTC()
	w := &Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	m.wallets[userID] = w
	return w
}

// appendTxnLocked requires m.mu held for writing.
func (m *MemoryStore) appendTxnLocked(userID string, amount int64, kind TxKind, description, holdID, reference string) *Transaction {
	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Status:      TxStatusCompleted,
		Description: description,
		HoldID:      holdID,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
	}
	m.txns = append(m.txns, txn)
	return txn
}

func olderThanCursor(t *Transaction, c *pagination.Cursor) bool {
	if t.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return t.CreatedAt.Equal(c.CreatedAt) && t.ID < c.ID
}

func cloneWallet(w *Wallet) *Wallet {
	cp := *w
	return &cp
}

func cloneHold(h *Hold) *Hold {
	cp := *h
	if h.ResolvedAt != nil {
		at := *h.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}
