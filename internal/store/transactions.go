package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/avdm/gop2pd/internal/domain"
)

// TransactionRepository persists the unit-of-work records and applies
// all status transitions with a compare-and-swap on
// (id, expected status), which makes concurrent observers idempotent.
type TransactionRepository struct {
	s *Store
}

const txColumns = `id, payout_id, ad_id, order_id, account_id, status, chat_step,
	amount, failure_reason, release_error, created_at, updated_at`

func scanTx(row interface{ Scan(...interface{}) error }) (*domain.Transaction, error) {
	var t domain.Transaction
	var payoutID sql.NullString
	err := row.Scan(&t.ID, &payoutID, &t.AdID, &t.OrderID, &t.AccountID, &t.Status,
		&t.ChatStep, &t.Amount, &t.FailureReason, &t.ReleaseError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_transaction")
	}
	t.PayoutID = payoutID.String
	return &t, nil
}

// Create inserts a transaction in its initial status. An empty payout
// id is stored as NULL: orphan-order transactions have no payout, and
// the partial unique index enforces the 1-1 linkage only on real ones.
func (r *TransactionRepository) Create(ctx context.Context, t *domain.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.TxPending
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, nullStr(t.PayoutID), t.AdID, t.OrderID, t.AccountID, t.Status, t.ChatStep,
		t.Amount, t.FailureReason, t.ReleaseError, t.CreatedAt, t.UpdatedAt)
	return WrapError(err, "create_transaction")
}

// Get returns a transaction by internal id.
func (r *TransactionRepository) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return scanTx(row)
}

// GetByOrderID returns the transaction linked to a Bybit order.
func (r *TransactionRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Transaction, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = $1`, orderID)
	return scanTx(row)
}

// GetByPayoutID returns the transaction backing a payout.
func (r *TransactionRepository) GetByPayoutID(ctx context.Context, payoutID string) (*domain.Transaction, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE payout_id = $1`, payoutID)
	return scanTx(row)
}

// GetByAdID returns the transaction linked to an advertisement.
func (r *TransactionRepository) GetByAdID(ctx context.Context, adID string) (*domain.Transaction, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE ad_id = $1`, adID)
	return scanTx(row)
}

// ListByStatus returns transactions in the given statuses.
func (r *TransactionRepository) ListByStatus(ctx context.Context, statuses ...domain.TxStatus) ([]*domain.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE status IN (`
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += placeholder(i + 1)
		args = append(args, st)
	}
	query += `) ORDER BY created_at`
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(err, "list_transactions")
	}
	defer rows.Close()
	return collectTxs(rows)
}

// ListWithOrder returns all transactions that already carry an order
// id; used to seed the known-order-ids cache on boot.
func (r *TransactionRepository) ListWithOrder(ctx context.Context) ([]*domain.Transaction, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE order_id != ''`)
	if err != nil {
		return nil, WrapError(err, "list_transactions_with_order")
	}
	defer rows.Close()
	return collectTxs(rows)
}

// CountByStatus returns a status → count map for the stats event.
func (r *TransactionRepository) CountByStatus(ctx context.Context) (map[domain.TxStatus]int, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, WrapError(err, "count_by_status")
	}
	defer rows.Close()
	out := make(map[domain.TxStatus]int)
	for rows.Next() {
		var st domain.TxStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, WrapError(err, "scan_status_count")
		}
		out[st] = n
	}
	return out, WrapError(rows.Err(), "iterate_status_counts")
}

// Transition moves id from expected to next. It returns ErrStaleStatus
// when the row is no longer in expected, and ErrIllegalTransition when
// the edge is not allowed by the state machine. A stale CAS is normal
// under concurrency; callers re-read and decide from the new status.
func (r *TransactionRepository) Transition(ctx context.Context, id string, expected, next domain.TxStatus) error {
	if !domain.CanTransition(expected, next) {
		return ErrIllegalTransition
	}
	return r.casUpdate(ctx, id, expected, next, "")
}

// TransitionWithReason is Transition plus a recorded failure reason,
// used for failed / stupid / cancelled terminal edges.
func (r *TransactionRepository) TransitionWithReason(ctx context.Context, id string, expected, next domain.TxStatus, reason string) error {
	if !domain.CanTransition(expected, next) {
		return ErrIllegalTransition
	}
	return r.casUpdate(ctx, id, expected, next, reason)
}

// ForceStatus sets a status regardless of the current one. Reserved
// for the admin release path; everything else goes through Transition.
func (r *TransactionRepository) ForceStatus(ctx context.Context, id string, next domain.TxStatus) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3`,
		next, time.Now().UTC(), id)
	if err != nil {
		return WrapError(err, "force_status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TransactionRepository) casUpdate(ctx context.Context, id string, expected, next domain.TxStatus, reason string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, failure_reason = CASE WHEN $2 != '' THEN $2 ELSE failure_reason END, updated_at = $3
		WHERE id = $4 AND status = $5`,
		next, reason, time.Now().UTC(), id, expected)
	if err != nil {
		return WrapError(err, "transition")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// LinkOrder attaches a Bybit order id to a transaction that has none.
// The guard in the WHERE clause makes concurrent discovery ticks
// idempotent: only one of them wins, the rest see ErrStaleStatus.
func (r *TransactionRepository) LinkOrder(ctx context.Context, id, orderID string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE transactions SET order_id = $1, updated_at = $2
		WHERE id = $3 AND (order_id = '' OR order_id = $1)`,
		orderID, time.Now().UTC(), id)
	if err != nil {
		return WrapError(err, "link_order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return nil
}

// SetChatStep advances the chat script pointer. Steps only move
// forward.
func (r *TransactionRepository) SetChatStep(ctx context.Context, id string, step int) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE transactions SET chat_step = $1, updated_at = $2
		WHERE id = $3 AND chat_step < $1`,
		step, time.Now().UTC(), id)
	return WrapError(err, "set_chat_step")
}

// SetReleaseError records a release API failure on an otherwise
// completed transaction.
func (r *TransactionRepository) SetReleaseError(ctx context.Context, id, msg string) error {
	_, err := r.s.db.ExecContext(ctx,
		`UPDATE transactions SET release_error = $1, updated_at = $2 WHERE id = $3`,
		msg, time.Now().UTC(), id)
	return WrapError(err, "set_release_error")
}

// Delete removes the transaction record. Chat messages must be
// deleted first to respect foreign-key order.
func (r *TransactionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return WrapError(err, "delete_transaction")
}

func collectTxs(rows *sql.Rows) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, WrapError(rows.Err(), "iterate_transactions")
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}
