package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/avdm/gop2pd/internal/domain"
)

// ReceiptRepository persists parsed bank receipts. Raw PDF bytes live
// in the blob store; only the parse result and the match state are
// kept here.
type ReceiptRepository struct {
	s *Store
}

const receiptColumns = `id, email_id, blob_key, file_hash, parsed, parse_error,
	processed, payout_id, transaction_id, received_at`

func scanReceipt(row interface{ Scan(...interface{}) error }) (*domain.Receipt, error) {
	var r domain.Receipt
	var parsed string
	var processed int
	err := row.Scan(&r.ID, &r.EmailID, &r.BlobKey, &r.FileHash, &parsed, &r.ParseError,
		&processed, &r.PayoutID, &r.TransactionID, &r.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_receipt")
	}
	r.Processed = processed != 0
	if parsed != "" {
		var pr domain.ParsedReceipt
		if err := json.Unmarshal([]byte(parsed), &pr); err != nil {
			return nil, WrapError(err, "decode_parsed_receipt")
		}
		r.Parsed = &pr
	}
	return &r, nil
}

// Upsert inserts the receipt or refreshes its parse state when the
// same email attachment is seen again with a changed file hash.
func (r *ReceiptRepository) Upsert(ctx context.Context, rec *domain.Receipt) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	parsed := ""
	if rec.Parsed != nil {
		b, err := json.Marshal(rec.Parsed)
		if err != nil {
			return WrapError(err, "encode_parsed_receipt")
		}
		parsed = string(b)
	}
	processed := 0
	if rec.Processed {
		processed = 1
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (email_id) DO UPDATE SET
			file_hash = excluded.file_hash,
			parsed = excluded.parsed,
			parse_error = excluded.parse_error`,
		rec.ID, rec.EmailID, rec.BlobKey, rec.FileHash, parsed, rec.ParseError,
		processed, rec.PayoutID, rec.TransactionID, rec.ReceivedAt)
	return WrapError(err, "upsert_receipt")
}

// Get returns a receipt by internal id.
func (r *ReceiptRepository) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
	return scanReceipt(row)
}

// GetByEmailID returns a receipt by the email attachment that carried
// it.
func (r *ReceiptRepository) GetByEmailID(ctx context.Context, emailID string) (*domain.Receipt, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE email_id = $1`, emailID)
	return scanReceipt(row)
}

// ListUnmatched returns parsed receipts that have not matched a payout
// yet, oldest first so matching runs in persistence order.
func (r *ReceiptRepository) ListUnmatched(ctx context.Context) ([]*domain.Receipt, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE processed = 0 AND payout_id = '' AND parse_error = ''
		ORDER BY received_at`)
	if err != nil {
		return nil, WrapError(err, "list_unmatched_receipts")
	}
	defer rows.Close()
	var out []*domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, WrapError(rows.Err(), "iterate_receipts")
}

// Match links the receipt to a payout (and optionally the transaction)
// and marks it processed. The guard enforces first-match-wins: a
// receipt matches at most one payout in its lifetime.
func (r *ReceiptRepository) Match(ctx context.Context, receiptID, payoutID, txID string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE receipts SET payout_id = $1, transaction_id = $2, processed = 1
		WHERE id = $3 AND payout_id = ''`,
		payoutID, txID, receiptID)
	if err != nil {
		return WrapError(err, "match_receipt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReceiptAlreadyMatched
	}
	return nil
}

// LinkTransaction records the transaction a matched receipt settled,
// once discovery has produced one.
func (r *ReceiptRepository) LinkTransaction(ctx context.Context, receiptID, txID string) error {
	_, err := r.s.db.ExecContext(ctx,
		`UPDATE receipts SET transaction_id = $1 WHERE id = $2`, txID, receiptID)
	return WrapError(err, "link_receipt_transaction")
}

// PayoutMatched reports whether a payout already has a matched
// receipt.
func (r *ReceiptRepository) PayoutMatched(ctx context.Context, payoutID string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipts WHERE payout_id = $1`, payoutID).Scan(&n)
	return n > 0, WrapError(err, "payout_matched")
}
