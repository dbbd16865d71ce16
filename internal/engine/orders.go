package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/store"
)

// adScanWindow bounds the amount+recency fallback when an order
// carries no item id.
const adScanWindow = 10 * time.Minute

// staleOrderAge fails transactions with no progress for this long.
const staleOrderAge = 30 * time.Minute

// amountTolerance is one fiat unit in minor units; anything beyond is
// a mismatch, never auto-healed.
const amountTolerance = 100

// systemMessagePrefixes identify exchange-generated chat messages that
// arrive with a non-zero message type.
var systemMessagePrefixes = []string{
	"Your payment",
	"The order",
	"Please complete the payment",
}

// CheckOrders is the order_checker task: enumerate open orders on all
// exchange accounts, link new ones to their advertisements, advance
// transaction statuses, and mirror order chats into the store. Each
// account is token-bucketed to one listing per five seconds no matter
// how fast the task ticks.
func (e *Engine) CheckOrders(ctx context.Context) error {
	var firstErr error
	for _, accountID := range e.registry.BybitIDs() {
		if !e.listLimiter(accountID).Allow() {
			continue
		}
		client, ok := e.registry.Bybit(accountID)
		if !ok {
			continue
		}
		orders, err := client.PendingOrders(ctx, []int{domain.OrderStatusPaying, domain.OrderStatusWaiting})
		if err != nil {
			if bybit.IsRateLimited(err) {
				e.logger.Warn("order listing rate limited", "account", accountID)
				continue
			}
			e.logger.Error("order listing failed", "account", accountID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		seen := make(map[string]bool, len(orders))
		for i := range orders {
			o := &orders[i]
			seen[o.ID] = true
			if err := e.handleOrder(ctx, accountID, client, o); err != nil {
				e.logger.Error("order handling failed", "account", accountID, "order", o.ID, "error", err)
			}
		}
		if err := e.checkVanishedOrders(ctx, accountID, client, seen); err != nil {
			e.logger.Error("vanished order check failed", "account", accountID, "error", err)
		}
	}
	return firstErr
}

// handleOrder links one order to its transaction (creating a
// placeholder when nothing resolves) and advances the state machine.
func (e *Engine) handleOrder(ctx context.Context, accountID string, client bybitClient, o *bybit.Order) error {
	tx, err := e.lookupTransaction(ctx, o.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if tx == nil {
		tx, err = e.linkNewOrder(ctx, accountID, client, o)
		if err != nil {
			return err
		}
	}
	e.knownOrders.Add(o.ID, tx.ID)

	if ok, err := e.amountGuard(ctx, tx, o); err != nil || !ok {
		return err
	}
	if err := e.advanceFromOrderStatus(ctx, tx, o.Status); err != nil {
		return err
	}
	return e.syncChat(ctx, client, tx, o)
}

// lookupTransaction fast-paths via the in-memory cache, falling back
// to the store.
func (e *Engine) lookupTransaction(ctx context.Context, orderID string) (*domain.Transaction, error) {
	if txID, ok := e.knownOrders.Get(orderID); ok {
		return e.store.Transactions().Get(ctx, txID)
	}
	return e.store.Transactions().GetByOrderID(ctx, orderID)
}

// linkNewOrder resolves the advertisement behind a new order and CAS
// links the waiting transaction. Orders that resolve to nothing get a
// placeholder ad and transaction flagged for review: an order is never
// silently dropped.
func (e *Engine) linkNewOrder(ctx context.Context, accountID string, client bybitClient, o *bybit.Order) (*domain.Transaction, error) {
	ad, err := e.resolveAd(ctx, accountID, client, o)
	if err != nil {
		return nil, err
	}
	if ad == nil {
		return e.createOrphan(ctx, accountID, o)
	}

	tx, err := e.store.Transactions().GetByAdID(ctx, ad.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.createOrphan(ctx, accountID, o)
		}
		return nil, err
	}
	if tx.OrderID != "" && tx.OrderID != o.ID {
		// The ad's transaction belongs to another order; treat this one
		// as an orphan.
		return e.createOrphan(ctx, accountID, o)
	}
	if err := e.store.Transactions().LinkOrder(ctx, tx.ID, o.ID); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			// A concurrent tick won the link; re-read.
			return e.store.Transactions().GetByOrderID(ctx, o.ID)
		}
		return nil, err
	}
	tx.OrderID = o.ID
	e.logger.Info("order linked", "order", o.ID, "transaction", tx.ID, "ad", ad.BybitID)
	return tx, nil
}

// resolveAd climbs the resolution ladder: the order's itemId, then one
// order-info call, then a recency+amount scan over our own ads.
func (e *Engine) resolveAd(ctx context.Context, accountID string, client bybitClient, o *bybit.Order) (*domain.Advertisement, error) {
	itemID := o.ItemID
	if itemID == "" {
		info, err := client.OrderInfo(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		itemID = info.ItemID
	}
	if itemID != "" {
		ad, err := e.store.Ads().GetByBybitID(ctx, itemID)
		if err == nil {
			return ad, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	recent, err := e.store.Ads().FindRecentByAmount(ctx, accountID, o.AmountMinor(), time.Now().Add(-adScanWindow))
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		return recent[0], nil
	}
	return nil, nil
}

// createOrphan synthesizes a placeholder advertisement and transaction
// for an order we cannot explain, and alerts the operator.
func (e *Engine) createOrphan(ctx context.Context, accountID string, o *bybit.Order) (*domain.Transaction, error) {
	ad := &domain.Advertisement{
		BybitID:     "temp_" + o.ID,
		AccountID:   accountID,
		Side:        "SELL",
		Asset:       o.TokenID,
		Fiat:        o.CurrencyID,
		Quantity:    o.AmountMinor(),
		Status:      domain.AdOffline,
		NeedsReview: true,
	}
	if err := e.store.Ads().Create(ctx, ad); err != nil {
		return nil, err
	}
	tx := &domain.Transaction{
		AdID:      ad.ID,
		OrderID:   o.ID,
		AccountID: accountID,
		Status:    domain.TxPending,
		Amount:    o.AmountMinor(),
	}
	if err := e.store.Transactions().Create(ctx, tx); err != nil {
		return nil, err
	}
	e.alert(events.AlertOrphanOrder, map[string]interface{}{
		"order_id":   o.ID,
		"account_id": accountID,
		"amount":     o.AmountMinor(),
	})
	e.logger.Warn("orphan order reconstructed", "order", o.ID, "account", accountID)
	return tx, nil
}

// amountGuard compares the order amount with the linked payout. On a
// mismatch beyond one fiat unit it alerts and freezes the transaction
// in place; wrong-payout linkages are for operators, not heuristics.
func (e *Engine) amountGuard(ctx context.Context, tx *domain.Transaction, o *bybit.Order) (bool, error) {
	if tx.PayoutID == "" {
		// Placeholder transactions have no payout to compare against.
		return true, nil
	}
	payout, err := e.store.Payouts().Get(ctx, tx.PayoutID)
	if err != nil {
		return false, err
	}
	diff := o.AmountMinor() - payout.Amount
	if diff < 0 {
		diff = -diff
	}
	if diff > amountTolerance {
		e.logger.Error("order amount does not match payout",
			"transaction", tx.ID, "order", o.ID, "order_amount", o.AmountMinor(), "payout_amount", payout.Amount)
		e.alert(events.AlertAmountMismatch, map[string]interface{}{
			"transaction_id": tx.ID,
			"order_id":       o.ID,
			"order_amount":   o.AmountMinor(),
			"payout_amount":  payout.Amount,
		})
		return false, nil
	}
	return true, nil
}

// advanceFromOrderStatus applies the platform-observed order status to
// the state machine. Stale CAS results are normal: another observer
// already applied the same fact.
func (e *Engine) advanceFromOrderStatus(ctx context.Context, tx *domain.Transaction, status int) error {
	txs := e.store.Transactions()
	switch status {
	case domain.OrderStatusPaying:
		if tx.Status == domain.TxPending {
			if err := txs.Transition(ctx, tx.ID, domain.TxPending, domain.TxChatStarted); err == nil {
				tx.Status = domain.TxChatStarted
				e.publishTx(events.TransactionUpdated, tx.ID, string(tx.Status))
			} else if !errors.Is(err, store.ErrStaleStatus) {
				return err
			}
		}
	case domain.OrderStatusWaiting:
		for _, from := range []domain.TxStatus{domain.TxPending, domain.TxChatStarted} {
			if tx.Status != from {
				continue
			}
			if err := txs.Transition(ctx, tx.ID, from, domain.TxWaitingPayment); err == nil {
				tx.Status = domain.TxWaitingPayment
				e.publishTx(events.TransactionUpdated, tx.ID, string(tx.Status))
			} else if !errors.Is(err, store.ErrStaleStatus) {
				return err
			}
			break
		}
		// Status 20 is the buyer's paid click on the platform.
		if tx.Status == domain.TxWaitingPayment {
			if err := txs.Transition(ctx, tx.ID, domain.TxWaitingPayment, domain.TxPaymentReceived); err == nil {
				tx.Status = domain.TxPaymentReceived
				e.publishTx(events.TransactionUpdated, tx.ID, string(tx.Status))
			} else if !errors.Is(err, store.ErrStaleStatus) {
				return err
			}
		}
		// The paid signal arrived out of band; skip the chat paid-ack
		// step if the script is behind.
		if tx.ChatStep < stepAwaitReceipt {
			if err := txs.SetChatStep(ctx, tx.ID, stepAwaitReceipt); err != nil {
				return err
			}
			tx.ChatStep = stepAwaitReceipt
		}
		if err := e.applyPendingReceipt(ctx, tx); err != nil {
			return err
		}
	case domain.OrderStatusCancelled:
		return e.reissue(ctx, tx, domain.TxCancelledByCounterparty, "order cancelled by counterparty")
	case domain.OrderStatusDispute:
		e.alert(events.AlertDispute, map[string]interface{}{
			"transaction_id": tx.ID,
			"order_id":       tx.OrderID,
		})
	}
	return nil
}

// applyPendingReceipt fires the receipt-before-order transition: a
// receipt matched this payout while the order did not exist yet.
func (e *Engine) applyPendingReceipt(ctx context.Context, tx *domain.Transaction) error {
	if tx.PayoutID == "" {
		return nil
	}
	payout, err := e.store.Payouts().Get(ctx, tx.PayoutID)
	if err != nil {
		return err
	}
	if payout.PendingReceiptID == "" {
		return nil
	}
	if tx.Status != domain.TxWaitingPayment && tx.Status != domain.TxPaymentReceived {
		return nil
	}
	err = e.store.Transactions().Transition(ctx, tx.ID, tx.Status, domain.TxCheckReceived)
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil
		}
		return err
	}
	tx.Status = domain.TxCheckReceived
	if err := e.store.Receipts().LinkTransaction(ctx, payout.PendingReceiptID, tx.ID); err != nil {
		return err
	}
	e.publishTx(events.TransactionUpdated, tx.ID, string(domain.TxCheckReceived))
	e.logger.Info("pending receipt applied", "transaction", tx.ID, "receipt", payout.PendingReceiptID)
	return nil
}

// syncChat mirrors the most recent chat messages into the store and
// classifies senders. Reads are token-bucketed per order.
func (e *Engine) syncChat(ctx context.Context, client bybitClient, tx *domain.Transaction, o *bybit.Order) error {
	if !e.chatLimiter(o.ID).Allow() {
		return nil
	}
	msgs, err := client.ChatMessages(ctx, o.ID, 10)
	if err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		sender := classifySender(m, o.UserID)
		contentType := chatContentType(m.ContentType)
		inserted, err := e.store.Chat().Upsert(ctx, &domain.ChatMessage{
			TransactionID: tx.ID,
			ExternalID:    m.ID,
			Sender:        sender,
			Body:          m.Message,
			ContentType:   contentType,
			SentAt:        parseChatDate(m.CreateDate),
			Step:          -1,
		})
		if err != nil {
			return err
		}
		// Buyers sometimes send the receipt in chat instead of (or
		// before) the bank email; hand those to an operator while the
		// mail poller keeps looking for the emailed original.
		if inserted && sender == domain.SenderThem && contentType != "text" {
			e.alert(events.AlertChatAttachment, map[string]interface{}{
				"transaction_id": tx.ID,
				"order_id":       o.ID,
				"message_id":     m.ID,
				"content_type":   contentType,
				"url":            m.Message,
			})
		}
	}
	return nil
}

// classifySender maps a chat message to us / them / system: ours iff
// the sender id equals the order's seller id, system for type-0 or
// known platform prefixes.
func classifySender(m *bybit.ChatMessage, sellerUserID string) domain.Sender {
	if m.MsgType == 0 {
		return domain.SenderSystem
	}
	for _, prefix := range systemMessagePrefixes {
		if strings.HasPrefix(m.Message, prefix) {
			return domain.SenderSystem
		}
	}
	if m.UserID == sellerUserID {
		return domain.SenderUs
	}
	return domain.SenderThem
}

func chatContentType(wire string) string {
	switch wire {
	case "pic":
		return "image"
	case "pdf":
		return "pdf"
	default:
		return "text"
	}
}

// parseChatDate tolerates the millisecond-epoch strings the exchange
// uses.
func parseChatDate(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	var ms int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Now().UTC()
		}
		ms = ms*10 + int64(r-'0')
	}
	return time.UnixMilli(ms).UTC()
}

// checkVanishedOrders sweeps non-terminal transactions with an order.
// Orders gone from the pending listing are re-read: cancelled ones
// reissue, disputes freeze with an alert. The inactivity window
// applies to every order, listed or not — a buyer who opens an order
// and goes silent fails it either way.
func (e *Engine) checkVanishedOrders(ctx context.Context, accountID string, client bybitClient, seen map[string]bool) error {
	txs, err := e.store.Transactions().ListByStatus(ctx,
		domain.TxChatStarted, domain.TxWaitingPayment, domain.TxPaymentReceived)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if tx.AccountID != accountID || tx.OrderID == "" {
			continue
		}
		if seen[tx.OrderID] {
			if time.Since(tx.UpdatedAt) > staleOrderAge {
				if err := e.reissue(ctx, tx, domain.TxFailed, "no buyer activity for 30 minutes"); err != nil {
					e.logger.Error("stale reissue failed", "transaction", tx.ID, "error", err)
				}
			}
			continue
		}
		info, err := client.OrderInfo(ctx, tx.OrderID)
		if err != nil {
			e.logger.Warn("order info failed for vanished order", "order", tx.OrderID, "error", err)
			continue
		}
		switch info.Status {
		case domain.OrderStatusCancelled:
			if err := e.reissue(ctx, tx, domain.TxCancelledByCounterparty, "order cancelled by counterparty"); err != nil {
				e.logger.Error("reissue failed", "transaction", tx.ID, "error", err)
			}
		case domain.OrderStatusDispute:
			e.alert(events.AlertDispute, map[string]interface{}{
				"transaction_id": tx.ID,
				"order_id":       tx.OrderID,
			})
		default:
			if time.Since(tx.UpdatedAt) > staleOrderAge {
				if err := e.reissue(ctx, tx, domain.TxFailed, "order stale for 30 minutes"); err != nil {
					e.logger.Error("stale reissue failed", "transaction", tx.ID, "error", err)
				}
			}
		}
	}
	return nil
}
