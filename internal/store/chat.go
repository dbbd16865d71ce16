package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/avdm/gop2pd/internal/domain"
)

// ChatRepository persists order chat messages. The UNIQUE constraint
// on external_id is the idempotence key: re-upserting a message seen
// on a previous discovery tick is a no-op.
type ChatRepository struct {
	s *Store
}

const chatColumns = `id, transaction_id, external_id, sender, body, content_type, sent_at, processed, step`

func scanChat(row interface{ Scan(...interface{}) error }) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	var processed int
	err := row.Scan(&m.ID, &m.TransactionID, &m.ExternalID, &m.Sender, &m.Body,
		&m.ContentType, &m.SentAt, &processed, &m.Step)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, WrapError(err, "scan_chat_message")
	}
	m.Processed = processed != 0
	return &m, nil
}

// Upsert inserts the message unless its external id is already known.
// Returns true when a new row was written.
func (r *ChatRepository) Upsert(ctx context.Context, m *domain.ChatMessage) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	processed := 0
	if m.Processed {
		processed = 1
	}
	res, err := r.s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (`+chatColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.TransactionID, m.ExternalID, m.Sender, m.Body, m.ContentType,
		m.SentAt, processed, m.Step)
	if err != nil {
		return false, WrapError(err, "upsert_chat_message")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListByTransaction returns a transaction's messages ordered by their
// external id, regardless of discovery order.
func (r *ChatRepository) ListByTransaction(ctx context.Context, txID string) ([]*domain.ChatMessage, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chat_messages WHERE transaction_id = $1 ORDER BY external_id`,
		txID)
	if err != nil {
		return nil, WrapError(err, "list_chat_messages")
	}
	defer rows.Close()
	var out []*domain.ChatMessage
	for rows.Next() {
		m, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, WrapError(rows.Err(), "iterate_chat_messages")
}

// LatestUnprocessedFrom returns the newest unprocessed message from
// the given sender, or ErrNotFound.
func (r *ChatRepository) LatestUnprocessedFrom(ctx context.Context, txID string, sender domain.Sender) (*domain.ChatMessage, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chat_messages
		WHERE transaction_id = $1 AND sender = $2 AND processed = 0
		ORDER BY external_id DESC LIMIT 1`,
		txID, sender)
	return scanChat(row)
}

// HasOutgoingForStep reports whether we already sent the message for a
// given chat-script step; used to skip resends after restart.
func (r *ChatRepository) HasOutgoingForStep(ctx context.Context, txID string, step int) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages
		WHERE transaction_id = $1 AND sender = $2 AND step = $3`,
		txID, domain.SenderUs, step).Scan(&n)
	return n > 0, WrapError(err, "has_outgoing_for_step")
}

// HasOutgoing reports whether any message from us exists for the
// transaction.
func (r *ChatRepository) HasOutgoing(ctx context.Context, txID string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE transaction_id = $1 AND sender = $2`,
		txID, domain.SenderUs).Scan(&n)
	return n > 0, WrapError(err, "has_outgoing")
}

// MarkProcessed flags a message as handled by the chat script.
func (r *ChatRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE chat_messages SET processed = 1 WHERE id = $1`, id)
	return WrapError(err, "mark_processed")
}

// DeleteByTransaction removes all messages of a transaction. Called
// before deleting the transaction itself.
func (r *ChatRepository) DeleteByTransaction(ctx context.Context, txID string) error {
	_, err := r.s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE transaction_id = $1`, txID)
	return WrapError(err, "delete_chat_messages")
}
