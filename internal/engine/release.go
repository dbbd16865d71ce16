package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/store"
)

// ReleaseReady is the successer task: every transaction in
// check_received gets a thank-you message and an escrow release. The
// transaction completes even when the release API fails — the fiat leg
// is settled, so the error is recorded for manual reconciliation
// instead of blocking the terminal state.
func (e *Engine) ReleaseReady(ctx context.Context) error {
	txs, err := e.store.Transactions().ListByStatus(ctx, domain.TxCheckReceived)
	if err != nil {
		return err
	}
	var firstErr error
	for _, tx := range txs {
		if err := e.releaseOne(ctx, tx); err != nil {
			e.logger.Error("release failed", "transaction", tx.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) releaseOne(ctx context.Context, tx *domain.Transaction) error {
	client, ok := e.registry.Bybit(tx.AccountID)
	if !ok {
		return fmt.Errorf("engine: no client for account %q", tx.AccountID)
	}
	if tx.OrderID == "" {
		return fmt.Errorf("engine: transaction %s has no order to release", tx.ID)
	}

	if err := e.sendStepMessage(ctx, client, tx, stepThanks,
		"Чек получил, всё сходится. Отпускаю средства, спасибо за сделку!"); err != nil {
		e.logger.Warn("thanks message failed", "transaction", tx.ID, "error", err)
	}

	releaseErr := client.ReleaseOrder(ctx, tx.OrderID)

	err := e.store.Transactions().Transition(ctx, tx.ID, domain.TxCheckReceived, domain.TxCompleted)
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil
		}
		return err
	}
	if releaseErr != nil {
		if err := e.store.Transactions().SetReleaseError(ctx, tx.ID, releaseErr.Error()); err != nil {
			e.logger.Warn("recording release error failed", "transaction", tx.ID, "error", err)
		}
		e.logger.Error("escrow release API failed, transaction completed with recorded error",
			"transaction", tx.ID, "order", tx.OrderID, "error", releaseErr)
	}

	if err := e.store.Ads().SetStatus(ctx, tx.AdID, domain.AdDeleted); err != nil {
		e.logger.Warn("ad status update failed", "ad", tx.AdID, "error", err)
	}
	e.publishTx(events.TransactionUpdated, tx.ID, string(domain.TxCompleted))
	e.logger.Info("transaction completed", "transaction", tx.ID, "order", tx.OrderID)
	return nil
}

// AdminRelease forces a release from any state; the escape hatch for
// disputes. It bypasses the state machine deliberately.
func (e *Engine) AdminRelease(ctx context.Context, txID string) error {
	tx, err := e.store.Transactions().Get(ctx, txID)
	if err != nil {
		return err
	}
	client, ok := e.registry.Bybit(tx.AccountID)
	if !ok {
		return fmt.Errorf("engine: no client for account %q", tx.AccountID)
	}
	if tx.OrderID == "" {
		return fmt.Errorf("engine: transaction %s has no order to release", tx.ID)
	}
	if err := client.ReleaseOrder(ctx, tx.OrderID); err != nil {
		return err
	}
	if err := e.store.Transactions().ForceStatus(ctx, tx.ID, domain.TxCompleted); err != nil {
		return err
	}
	e.publishTx(events.TransactionUpdated, tx.ID, string(domain.TxCompleted))
	e.logger.Info("admin release", "transaction", tx.ID, "order", tx.OrderID)
	return nil
}
