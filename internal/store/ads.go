package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avdm/gop2pd/internal/domain"
)

// AdRepository persists Bybit advertisements.
type AdRepository struct {
	s *Store
}

const adColumns = `id, bybit_id, account_id, side, asset, fiat, price, quantity,
	min_amount, max_amount, payments, status, needs_review, created_at`

func scanAd(row interface{ Scan(...interface{}) error }) (*domain.Advertisement, error) {
	var a domain.Advertisement
	var payments string
	var needsReview int
	err := row.Scan(&a.ID, &a.BybitID, &a.AccountID, &a.Side, &a.Asset, &a.Fiat,
		&a.Price, &a.Quantity, &a.MinAmount, &a.MaxAmount, &payments, &a.Status,
		&needsReview, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_ad")
	}
	if payments != "" {
		a.Payments = strings.Split(payments, ",")
	}
	a.NeedsReview = needsReview != 0
	return &a, nil
}

// Create inserts a new advertisement.
func (r *AdRepository) Create(ctx context.Context, a *domain.Advertisement) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	needsReview := 0
	if a.NeedsReview {
		needsReview = 1
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO advertisements (`+adColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.BybitID, a.AccountID, a.Side, a.Asset, a.Fiat, a.Price, a.Quantity,
		a.MinAmount, a.MaxAmount, strings.Join(a.Payments, ","), a.Status, needsReview, a.CreatedAt)
	return WrapError(err, "create_ad")
}

// Get returns an advertisement by internal id.
func (r *AdRepository) Get(ctx context.Context, id string) (*domain.Advertisement, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM advertisements WHERE id = $1`, id)
	return scanAd(row)
}

// GetByBybitID returns an advertisement by its exchange-side id.
func (r *AdRepository) GetByBybitID(ctx context.Context, bybitID string) (*domain.Advertisement, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM advertisements WHERE bybit_id = $1`, bybitID)
	return scanAd(row)
}

// FindRecentByAmount returns non-deleted ads on one account created
// after the cutoff whose quantity equals amount, most recent first.
// This is the last rung of the order→ad resolution ladder.
func (r *AdRepository) FindRecentByAmount(ctx context.Context, accountID string, amount int64, since time.Time) ([]*domain.Advertisement, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+adColumns+` FROM advertisements
		WHERE account_id = $1 AND quantity = $2 AND created_at >= $3 AND status != $4
		ORDER BY created_at DESC`,
		accountID, amount, since, domain.AdDeleted)
	if err != nil {
		return nil, WrapError(err, "find_recent_ads")
	}
	defer rows.Close()
	var out []*domain.Advertisement
	for rows.Next() {
		a, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, WrapError(rows.Err(), "iterate_ads")
}

// CountActiveByAccount counts non-deleted ads on an account, used for
// slot-capacity checks.
func (r *AdRepository) CountActiveByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM advertisements WHERE account_id = $1 AND status != $2`,
		accountID, domain.AdDeleted).Scan(&n)
	return n, WrapError(err, "count_active_ads")
}

// SetStatus updates the lifecycle status.
func (r *AdRepository) SetStatus(ctx context.Context, id string, status domain.AdStatus) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE advertisements SET status = $1 WHERE id = $2`, status, id)
	return WrapError(err, "set_ad_status")
}

// Delete removes the advertisement record. Callers must have removed
// the dependent transaction first.
func (r *AdRepository) Delete(ctx context.Context, id string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM advertisements WHERE id = $1`, id)
	return WrapError(err, "delete_ad")
}
