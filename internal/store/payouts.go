package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/avdm/gop2pd/internal/domain"
)

// PayoutRepository persists Gate payouts.
//
// Both the sqlite and postgres drivers accept $N placeholders, so the
// queries below are shared.
type PayoutRepository struct {
	s *Store
}

const payoutColumns = `id, external_id, account_id, amount, wallet, bank, recipient_name,
	status_code, decision, pending_receipt_id, accepted_at, created_at`

func scanPayout(row interface{ Scan(...interface{}) error }) (*domain.Payout, error) {
	var p domain.Payout
	var acceptedAt sql.NullTime
	err := row.Scan(&p.ID, &p.ExternalID, &p.AccountID, &p.Amount, &p.Wallet, &p.Bank,
		&p.RecipientName, &p.StatusCode, &p.Decision, &p.PendingReceiptID, &acceptedAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_payout")
	}
	if acceptedAt.Valid {
		p.AcceptedAt = acceptedAt.Time
	}
	return &p, nil
}

// Upsert inserts the payout or refreshes its mutable fields when it
// already exists for the same (external_id, account_id). The
// requisites are mutable too: accepting a payout reveals the real
// wallet, bank and recipient, which may differ from the pre-accept
// listing.
func (r *PayoutRepository) Upsert(ctx context.Context, p *domain.Payout) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (external_id, account_id) DO UPDATE SET
			amount = excluded.amount,
			wallet = excluded.wallet,
			bank = excluded.bank,
			recipient_name = excluded.recipient_name,
			status_code = excluded.status_code,
			decision = excluded.decision,
			accepted_at = excluded.accepted_at`,
		p.ID, p.ExternalID, p.AccountID, p.Amount, p.Wallet, p.Bank, p.RecipientName,
		p.StatusCode, p.Decision, p.PendingReceiptID, nullTime(p.AcceptedAt), p.CreatedAt)
	return WrapError(err, "upsert_payout")
}

// Get returns a payout by internal id.
func (r *PayoutRepository) Get(ctx context.Context, id string) (*domain.Payout, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
	return scanPayout(row)
}

// GetByExternalID returns a payout by its Gate id on one account.
func (r *PayoutRepository) GetByExternalID(ctx context.Context, externalID, accountID string) (*domain.Payout, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE external_id = $1 AND account_id = $2`,
		externalID, accountID)
	return scanPayout(row)
}

// ListAcceptedWithoutTransaction returns accepted payouts not yet
// linked by any transaction; these are the ad-placement queue.
func (r *PayoutRepository) ListAcceptedWithoutTransaction(ctx context.Context) ([]*domain.Payout, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payouts p
		WHERE p.decision = $1
		  AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.payout_id = p.id)
		ORDER BY p.created_at`, domain.DecisionAccepted)
	if err != nil {
		return nil, WrapError(err, "list_accepted_payouts")
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// ListAccepted returns every accepted payout, used by the receipt
// matcher.
func (r *PayoutRepository) ListAccepted(ctx context.Context) ([]*domain.Payout, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE decision = $1 ORDER BY accepted_at`,
		domain.DecisionAccepted)
	if err != nil {
		return nil, WrapError(err, "list_accepted_payouts")
	}
	defer rows.Close()
	return collectPayouts(rows)
}

// SetPendingReceipt records a receipt that matched before the order
// existed. It refuses to overwrite a different pending receipt.
func (r *PayoutRepository) SetPendingReceipt(ctx context.Context, payoutID, receiptID string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE payouts SET pending_receipt_id = $1
		WHERE id = $2 AND (pending_receipt_id = '' OR pending_receipt_id = $1)`,
		receiptID, payoutID)
	if err != nil {
		return WrapError(err, "set_pending_receipt")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPayoutAlreadyMatched
	}
	return nil
}

// UpdateStatusCode syncs the external Gate status code.
func (r *PayoutRepository) UpdateStatusCode(ctx context.Context, id string, code int) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE payouts SET status_code = $1 WHERE id = $2`, code, id)
	return WrapError(err, "update_payout_status")
}

func collectPayouts(rows *sql.Rows) ([]*domain.Payout, error) {
	var out []*domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, WrapError(rows.Err(), "iterate_payouts")
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
