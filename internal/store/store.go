package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"          // postgres driver
	_ "modernc.org/sqlite"         // sqlite driver

	"github.com/avdm/gop2pd/internal/logging"
)

// Config selects the backing database. DSN starting with "postgres://"
// selects lib/pq, anything else is treated as a sqlite file path
// (":memory:" included).
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DefaultTimeout  time.Duration
}

// DefaultConfig returns a sqlite store in the given data directory.
func DefaultConfig(path string) Config {
	return Config{
		DSN:             path,
		MaxOpenConns:    8,
		MaxIdleConns:    4,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  30 * time.Second,
	}
}

func (c Config) driver() string {
	if strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the single source of truth for all domain records. All
// repositories hang off it; callers re-read by id on every step rather
// than holding object graphs.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger logging.Logger

	payouts      *PayoutRepository
	ads          *AdRepository
	transactions *TransactionRepository
	chat         *ChatRepository
	receipts     *ReceiptRepository
	accounts     *AccountRepository
}

// Open opens the database, configures pooling and initializes the
// schema.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, NewConfigurationError("open", "empty DSN", nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	db, err := sql.Open(cfg.driver(), cfg.DSN)
	if err != nil {
		return nil, NewConnectionError("open", "failed to open database", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, NewConnectionError("open", "failed to ping database", err)
	}

	s := &Store{db: db, cfg: cfg, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, WrapError(err, "init_schema")
	}

	s.payouts = &PayoutRepository{s: s}
	s.ads = &AdRepository{s: s}
	s.transactions = &TransactionRepository{s: s}
	s.chat = &ChatRepository{s: s}
	s.receipts = &ReceiptRepository{s: s}
	s.accounts = &AccountRepository{s: s}

	logger.Info("store opened", "driver", cfg.driver())
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return NewConnectionError("close", "failed to close database", err)
	}
	return nil
}

func (s *Store) Payouts() *PayoutRepository           { return s.payouts }
func (s *Store) Ads() *AdRepository                   { return s.ads }
func (s *Store) Transactions() *TransactionRepository { return s.transactions }
func (s *Store) Chat() *ChatRepository                { return s.chat }
func (s *Store) Receipts() *ReceiptRepository         { return s.receipts }
func (s *Store) Accounts() *AccountRepository         { return s.accounts }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

// WithTx runs fn in a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewConnectionError("begin_tx", "failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return WrapError(err, "commit_tx")
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS payouts (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		wallet TEXT NOT NULL,
		bank TEXT NOT NULL,
		recipient_name TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		decision TEXT NOT NULL,
		pending_receipt_id TEXT NOT NULL DEFAULT '',
		accepted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (external_id, account_id)
	)`,
	`CREATE TABLE IF NOT EXISTS advertisements (
		id TEXT PRIMARY KEY,
		bybit_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		side TEXT NOT NULL,
		asset TEXT NOT NULL,
		fiat TEXT NOT NULL,
		price BIGINT NOT NULL,
		quantity BIGINT NOT NULL,
		min_amount BIGINT NOT NULL,
		max_amount BIGINT NOT NULL,
		payments TEXT NOT NULL,
		status TEXT NOT NULL,
		needs_review INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		payout_id TEXT REFERENCES payouts(id),
		ad_id TEXT NOT NULL REFERENCES advertisements(id),
		order_id TEXT NOT NULL DEFAULT '',
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		chat_step INTEGER NOT NULL DEFAULT 0,
		amount BIGINT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		release_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (ad_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		external_id TEXT NOT NULL UNIQUE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		content_type TEXT NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		step INTEGER NOT NULL DEFAULT -1
	)`,
	`CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		email_id TEXT NOT NULL UNIQUE,
		blob_key TEXT NOT NULL,
		file_hash TEXT NOT NULL,
		parsed TEXT NOT NULL DEFAULT '',
		parse_error TEXT NOT NULL DEFAULT '',
		processed INTEGER NOT NULL DEFAULT 0,
		payout_id TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		next_refresh_at TIMESTAMP
	)`,
	// Orphan-order transactions carry no payout (NULL), so the 1-1
	// linkage is a partial unique index rather than a table constraint.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_payout
		ON transactions(payout_id) WHERE payout_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ads_account_created ON advertisements(account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_payouts_decision ON payouts(decision)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_tx ON chat_messages(transaction_id)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
