package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/avdm/gop2pd/internal/domain"
)

// AccountRepository persists platform account session records.
// Credential material stays in configuration; only runtime session
// state lives here.
type AccountRepository struct {
	s *Store
}

const accountColumns = `id, platform, status, last_error, next_refresh_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*domain.Account, error) {
	var a domain.Account
	var next sql.NullTime
	err := row.Scan(&a.ID, &a.Platform, &a.Status, &a.LastError, &next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_account")
	}
	if next.Valid {
		a.NextRefreshAt = next.Time
	}
	return &a, nil
}

// Upsert inserts or replaces the account session record.
func (r *AccountRepository) Upsert(ctx context.Context, a *domain.Account) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			next_refresh_at = excluded.next_refresh_at`,
		a.ID, a.Platform, a.Status, a.LastError, nullTime(a.NextRefreshAt))
	return WrapError(err, "upsert_account")
}

// Get returns an account session record.
func (r *AccountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// List returns all account records, optionally filtered by platform.
func (r *AccountRepository) List(ctx context.Context, platform string) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []interface{}
	if platform != "" {
		query += ` WHERE platform = $1`
		args = append(args, platform)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, WrapError(err, "list_accounts")
	}
	defer rows.Close()
	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, WrapError(rows.Err(), "iterate_accounts")
}

// SetStatus updates status and error message, scheduling the next
// refresh attempt.
func (r *AccountRepository) SetStatus(ctx context.Context, id string, status domain.AccountStatus, lastError string, nextRefresh time.Time) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $1, last_error = $2, next_refresh_at = $3 WHERE id = $4`,
		status, lastError, nullTime(nextRefresh), id)
	return WrapError(err, "set_account_status")
}
