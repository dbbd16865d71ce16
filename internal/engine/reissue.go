package engine

import (
	"context"
	"errors"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/store"
)

// reissue terminates a transaction, takes its advertisement down, and
// removes the records so the payout re-enters the ad-placement queue
// on the next tick. Deletion order respects the foreign keys: chat
// messages, then the transaction, then the advertisement.
func (e *Engine) reissue(ctx context.Context, tx *domain.Transaction, terminal domain.TxStatus, reason string) error {
	err := e.store.Transactions().TransitionWithReason(ctx, tx.ID, tx.Status, terminal, reason)
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		return err
	}
	e.publishTx(events.TransactionUpdated, tx.ID, string(terminal))

	ad, err := e.store.Ads().Get(ctx, tx.AdID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if ad != nil && !ad.IsPlaceholder() {
		client, ok := e.registry.Bybit(tx.AccountID)
		if ok {
			// Best effort: the exchange may have taken the ad down on its
			// own when the order was cancelled.
			if err := client.CancelAd(ctx, ad.BybitID); err != nil {
				e.logger.Warn("ad cancel failed", "ad", ad.BybitID, "error", err)
			}
		}
	}

	if err := e.store.Chat().DeleteByTransaction(ctx, tx.ID); err != nil {
		return err
	}
	if err := e.store.Transactions().Delete(ctx, tx.ID); err != nil {
		return err
	}
	if ad != nil {
		if err := e.store.Ads().Delete(ctx, ad.ID); err != nil {
			return err
		}
		if e.bus != nil {
			e.bus.Publish(events.AdvertisementDeleted, map[string]string{
				"ad_id":    ad.ID,
				"bybit_id": ad.BybitID,
			}, events.AccountRoom(tx.AccountID))
		}
	}
	if tx.OrderID != "" {
		e.knownOrders.Remove(tx.OrderID)
	}
	e.publishTx(events.TransactionDeleted, tx.ID, string(terminal))
	e.logger.Info("transaction reissued", "transaction", tx.ID, "terminal", string(terminal), "reason", reason)
	return nil
}
