package wallet

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/collably/collably/internal/idgen"
	"github.com/collably/collably/internal/pagination"
	"github.com/collably/collably/internal/retry"
	"github.com/lib/pq"
)

// PostgresStore persists wallets, holds and the journal in PostgreSQL.
// Every multi-row transition runs in a serializable transaction so the
// balance invariant survives concurrent writers; serialization failures
// come back classified as transient and the retry executor replays them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Constraint names from the migrations, used to turn race-lost inserts into
// idempotent successes.
const (
	creditReferenceConstraint = "wallet_transactions_credit_reference_key"
	paymentOrderConstraint    = "escrow_holds_payer_order_key"
)

// classify maps database errors onto retry classifications. Connection-class
// failures (08xxx), serialization failures (40001) and deadlocks (40P01) are
// transient; data and integrity violations (22xxx, 23xxx) are validation
// errors; missing rows are not-found. Anything else stays unknown and is
// retried up to the budget.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return retry.NotFound(err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return retry.Transient(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "40001" || code == "40P01" || strings.HasPrefix(code, "08"):
			return retry.Transient(err)
		case strings.HasPrefix(code, "22") || strings.HasPrefix(code, "23"):
			return retry.Validation(err)
		}
	}
	return err
}

// isUniqueViolation reports whether err is a unique violation on the named
// constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// withTx runs fn in a serializable transaction.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

const walletColumns = `user_id, total_balance, withdrawable_balance, frozen_balance, created_at, updated_at`

func (p *PostgresStore) GetOrCreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, total_balance, withdrawable_balance, frozen_balance)
		VALUES ($1, 0, 0, 0)
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, classify(err)
	}
	return p.GetWallet(ctx, userID)
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.NotFound(ErrWalletNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	var w *Wallet
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// The journal insert doubles as the idempotency check: a partial
		// unique index on credit references rejects replays.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, user_id, amount, kind, status, description, reference)
			VALUES ($1, $2, $3, 'credit', 'completed', $4, $5)`,
			idgen.WithPrefix("txn_"), userID, amount, description, reference)
		if err != nil {
			if isUniqueViolation(err, creditReferenceConstraint) {
				return errDuplicateCredit
			}
			return classify(err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO wallets (user_id, total_balance, withdrawable_balance, frozen_balance)
			VALUES ($1, $2, $2, 0)
			ON CONFLICT (user_id) DO UPDATE SET
				total_balance = wallets.total_balance + EXCLUDED.total_balance,
				withdrawable_balance = wallets.withdrawable_balance + EXCLUDED.withdrawable_balance,
				updated_at = now()
			RETURNING `+walletColumns, userID, amount)
		w, err = scanWallet(row)
		return classify(err)
	})
	if errors.Is(err, errDuplicateCredit) {
		// Already applied in a previous call. Return the current state.
		return p.GetWallet(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// errDuplicateCredit is internal to Credit: it aborts the transaction so the
// replay can resolve to the committed state.
var errDuplicateCredit = errors.New("duplicate credit reference")

const holdColumns = `id, payer_user_id, payee_user_id, amount, conversation_id, payment_order_id, state, created_at, resolved_at`

func (p *PostgresStore) Freeze(ctx context.Context, hold *Hold) (*Hold, error) {
	existing, err := p.findHoldByOrder(ctx, hold.PayerUserID, hold.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	err = p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, total_balance, withdrawable_balance, frozen_balance)
			VALUES ($1, 0, 0, 0)
			ON CONFLICT (user_id) DO NOTHING`, hold.PayerUserID)
		if err != nil {
			return classify(err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET withdrawable_balance = withdrawable_balance - $2,
			    frozen_balance = frozen_balance + $2,
			    updated_at = now()
			WHERE user_id = $1 AND withdrawable_balance >= $2`,
			hold.PayerUserID, hold.Amount)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return retry.Validation(ErrInsufficientFunds)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_holds (id, payer_user_id, amount, conversation_id, payment_order_id, state, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			hold.ID, hold.PayerUserID, hold.Amount, hold.ConversationID,
			hold.PaymentOrderID, string(hold.State), hold.CreatedAt)
		if err != nil {
			return classify(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, user_id, amount, kind, status, description, hold_id)
			VALUES ($1, $2, $3, 'freeze', 'completed', 'escrow freeze', $4)`,
			idgen.WithPrefix("txn_"), hold.PayerUserID, hold.Amount, hold.ID)
		return classify(err)
	})
	if err != nil {
		// A concurrent freeze for the same payment order won the insert race.
		// That freeze already did the deduction, so surface its hold.
		if isUniqueViolation(err, paymentOrderConstraint) {
			return p.findExistingHold(ctx, hold.PayerUserID, hold.PaymentOrderID)
		}
		return nil, err
	}
	return cloneHold(hold), nil
}

func (p *PostgresStore) findExistingHold(ctx context.Context, payerUserID, paymentOrderID string) (*Hold, error) {
	existing, err := p.findHoldByOrder(ctx, payerUserID, paymentOrderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, retry.Transient(fmt.Errorf("hold for payment order %s vanished after conflict", paymentOrderID))
	}
	return existing, nil
}

// findHoldByOrder returns nil, nil when no hold exists for the order.
func (p *PostgresStore) findHoldByOrder(ctx context.Context, payerUserID, paymentOrderID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE payer_user_id = $1 AND payment_order_id = $2`,
		payerUserID, paymentOrderID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (p *PostgresStore) Release(ctx context.Context, holdID, payeeUserID string) (*Hold, error) {
	var hold *Hold
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		hold, err = p.lockHold(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.State != HoldHeld {
			return retry.Validation(ErrInvalidHoldState)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET frozen_balance = frozen_balance - $2,
			    total_balance = total_balance - $2,
			    updated_at = now()
			WHERE user_id = $1 AND frozen_balance >= $2`,
			hold.PayerUserID, hold.Amount)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("hold %s frozen funds missing from payer wallet %s", holdID, hold.PayerUserID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallets (user_id, total_balance, withdrawable_balance, frozen_balance)
			VALUES ($1, $2, $2, 0)
			ON CONFLICT (user_id) DO UPDATE SET
				total_balance = wallets.total_balance + EXCLUDED.total_balance,
				withdrawable_balance = wallets.withdrawable_balance + EXCLUDED.withdrawable_balance,
				updated_at = now()`,
			payeeUserID, hold.Amount)
		if err != nil {
			return classify(err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_holds
			SET state = 'released', payee_user_id = $2, resolved_at = $3
			WHERE id = $1`, holdID, payeeUserID, now)
		if err != nil {
			return classify(err)
		}
		hold.State = HoldReleased
		hold.PayeeUserID = payeeUserID
		hold.ResolvedAt = &now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, user_id, amount, kind, status, description, hold_id)
			VALUES ($1, $2, $3, 'release', 'completed', 'escrow released to payee', $4),
			       ($5, $6, $7, 'release', 'completed', 'escrow payout received', $4)`,
			idgen.WithPrefix("txn_"), hold.PayerUserID, -hold.Amount, holdID,
			idgen.WithPrefix("txn_"), payeeUserID, hold.Amount)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

func (p *PostgresStore) Refund(ctx context.Context, holdID string) (*Hold, error) {
	var hold *Hold
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		hold, err = p.lockHold(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.State != HoldHeld {
			return retry.Validation(ErrInvalidHoldState)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE wallets
			SET frozen_balance = frozen_balance - $2,
			    withdrawable_balance = withdrawable_balance + $2,
			    updated_at = now()
			WHERE user_id = $1 AND frozen_balance >= $2`,
			hold.PayerUserID, hold.Amount)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("hold %s frozen funds missing from payer wallet %s", holdID, hold.PayerUserID)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_holds
			SET state = 'refunded', resolved_at = $2
			WHERE id = $1`, holdID, now)
		if err != nil {
			return classify(err)
		}
		hold.State = HoldRefunded
		hold.ResolvedAt = &now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, user_id, amount, kind, status, description, hold_id)
			VALUES ($1, $2, $3, 'refund', 'completed', 'escrow refunded', $4)`,
			idgen.WithPrefix("txn_"), hold.PayerUserID, hold.Amount, holdID)
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// lockHold reads the hold FOR UPDATE so the state check and the balance
// moves see a consistent row.
func (p *PostgresStore) lockHold(ctx context.Context, tx *sql.Tx, holdID string) (*Hold, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, holdID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.NotFound(ErrHoldNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (p *PostgresStore) GetHold(ctx context.Context, holdID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, holdID)
	h, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, retry.NotFound(ErrHoldNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return h, nil
}

func (p *PostgresStore) ListHolds(ctx context.Context, userID string, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE payer_user_id = $1 OR payee_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, h)
	}
	return result, classify(rows.Err())
}

const txnColumns = `id, user_id, amount, kind, status, description, hold_id, reference, created_at`

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM wallet_transactions WHERE user_id = $1`
	args := []interface{}{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, t)
	}
	return result, classify(rows.Err())
}

func (p *PostgresStore) SumHeldAmounts(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_holds
		WHERE payer_user_id = $1 AND state = 'held'`, userID).Scan(&sum)
	return sum, classify(err)
}

func (p *PostgresStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	err := s.Scan(&w.UserID, &w.TotalBalance, &w.WithdrawableBalance, &w.FrozenBalance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanHold(s scanner) (*Hold, error) {
	h := &Hold{}
	var (
		payee      sql.NullString
		state      string
		resolvedAt sql.NullTime
	)
	err := s.Scan(&h.ID, &h.PayerUserID, &payee, &h.Amount, &h.ConversationID,
		&h.PaymentOrderID, &state, &h.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	h.PayeeUserID = payee.String
	h.State = HoldState(state)
	if resolvedAt.Valid {
		h.ResolvedAt = &resolvedAt.Time
	}
	return h, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		kind        string
		description sql.NullString
		holdID      sql.NullString
		reference   sql.NullString
	)
	err := s.Scan(&t.ID, &t.UserID, &t.Amount, &kind, &t.Status, &description, &holdID, &reference, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Kind = TxKind(kind)
	t.Description = description.String
	t.HoldID = holdID.String
	t.Reference = reference.String
	return t, nil
}
