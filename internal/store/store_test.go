package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "p2pd.db"))
	s, err := Open(context.Background(), cfg, logging.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedPair(t *testing.T, s *Store, amount int64) (*domain.Payout, *domain.Advertisement, *domain.Transaction) {
	t.Helper()
	ctx := context.Background()

	p := &domain.Payout{
		ExternalID:    "gate-1",
		AccountID:     "acc-1",
		Amount:        amount,
		Wallet:        "+79991234567",
		Bank:          "Сбербанк",
		RecipientName: "Иванов Иван Иванович",
		StatusCode:    5,
		Decision:      domain.DecisionAccepted,
		AcceptedAt:    time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.Payouts().Upsert(ctx, p))

	a := &domain.Advertisement{
		BybitID:   "ad-1",
		AccountID: "bybit-1",
		Side:      "SELL",
		Asset:     "USDT",
		Fiat:      "RUB",
		Price:     10000,
		Quantity:  amount,
		MinAmount: amount,
		MaxAmount: amount,
		Payments:  []string{"sbp"},
		Status:    domain.AdOnline,
	}
	require.NoError(t, s.Ads().Create(ctx, a))

	tx := &domain.Transaction{
		PayoutID:  p.ID,
		AdID:      a.ID,
		AccountID: "bybit-1",
		Amount:    amount,
		Status:    domain.TxPending,
	}
	require.NoError(t, s.Transactions().Create(ctx, tx))
	return p, a, tx
}

func TestOneToOneLinkage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, a, _ := seedPair(t, s, 1500000)

	// A second transaction for the same payout or ad must violate the
	// unique constraints.
	other := &domain.Advertisement{BybitID: "ad-2", AccountID: "bybit-1", Side: "SELL",
		Asset: "USDT", Fiat: "RUB", Price: 1, Quantity: 1, MinAmount: 1, MaxAmount: 1,
		Status: domain.AdOnline}
	require.NoError(t, s.Ads().Create(ctx, other))

	err := s.Transactions().Create(ctx, &domain.Transaction{
		PayoutID: p.ID, AdID: other.ID, AccountID: "bybit-1", Amount: 1})
	assert.Error(t, err, "duplicate payout linkage must fail")

	otherPayout := &domain.Payout{ExternalID: "gate-2", AccountID: "acc-1",
		Amount: 1, Decision: domain.DecisionAccepted}
	require.NoError(t, s.Payouts().Upsert(ctx, otherPayout))
	err = s.Transactions().Create(ctx, &domain.Transaction{
		PayoutID: otherPayout.ID, AdID: a.ID, AccountID: "bybit-1", Amount: 1})
	assert.Error(t, err, "duplicate ad linkage must fail")
}

func TestOrphanTransactionsShareNoPayout(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Orphan-order transactions carry no payout; any number of them
	// must coexist without tripping the payout linkage.
	for i := 1; i <= 2; i++ {
		ad := &domain.Advertisement{
			BybitID: fmt.Sprintf("temp_ord-%d", i), AccountID: "bybit-1", Side: "SELL",
			Asset: "USDT", Fiat: "RUB", Status: domain.AdOffline, NeedsReview: true,
		}
		require.NoError(t, s.Ads().Create(ctx, ad))
		require.NoError(t, s.Transactions().Create(ctx, &domain.Transaction{
			AdID: ad.ID, OrderID: fmt.Sprintf("ord-%d", i), AccountID: "bybit-1", Amount: 100,
		}))
	}

	txs, err := s.Transactions().ListWithOrder(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Empty(t, tx.PayoutID)
	}
}

func TestPayoutUpsertRefreshesRevealedRequisites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Payouts().Upsert(ctx, &domain.Payout{
		ExternalID: "gate-9", AccountID: "acc-1",
		StatusCode: 4, Decision: domain.DecisionPending,
	}))

	// Accepting reveals the real requisites; the same row picks them up.
	require.NoError(t, s.Payouts().Upsert(ctx, &domain.Payout{
		ExternalID: "gate-9", AccountID: "acc-1", Amount: 1500000,
		Wallet: "+79991234567", Bank: "Сбербанк", RecipientName: "Иванов Иван Иванович",
		StatusCode: 5, Decision: domain.DecisionAccepted, AcceptedAt: time.Now().UTC(),
	}))

	got, err := s.Payouts().GetByExternalID(ctx, "gate-9", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "+79991234567", got.Wallet)
	assert.Equal(t, "Сбербанк", got.Bank)
	assert.Equal(t, "Иванов Иван Иванович", got.RecipientName)
	assert.Equal(t, domain.DecisionAccepted, got.Decision)
}

func TestTransitionCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPair(t, s, 1500000)

	require.NoError(t, s.Transactions().Transition(ctx, tx.ID, domain.TxPending, domain.TxChatStarted))

	// A concurrent observer still holding the old status loses the CAS.
	err := s.Transactions().Transition(ctx, tx.ID, domain.TxPending, domain.TxWaitingPayment)
	assert.ErrorIs(t, err, ErrStaleStatus)

	got, err := s.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxChatStarted, got.Status)
}

func TestNoTransitionOutOfTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPair(t, s, 1500000)

	require.NoError(t, s.Transactions().TransitionWithReason(ctx, tx.ID, domain.TxPending, domain.TxStupid, "wrong bank"))

	err := s.Transactions().Transition(ctx, tx.ID, domain.TxStupid, domain.TxCompleted)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := s.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStupid, got.Status)
	assert.Equal(t, "wrong bank", got.FailureReason)
}

func TestLinkOrderIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPair(t, s, 1500000)

	require.NoError(t, s.Transactions().LinkOrder(ctx, tx.ID, "order-1"))
	// Relinking the same order is a no-op success.
	require.NoError(t, s.Transactions().LinkOrder(ctx, tx.ID, "order-1"))
	// A different order loses.
	assert.ErrorIs(t, s.Transactions().LinkOrder(ctx, tx.ID, "order-2"), ErrStaleStatus)

	got, err := s.Transactions().GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
}

func TestChatUpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPair(t, s, 1500000)

	msg := &domain.ChatMessage{
		TransactionID: tx.ID,
		ExternalID:    "m-100",
		Sender:        domain.SenderThem,
		Body:          "да",
		ContentType:   "text",
		SentAt:        time.Now().UTC(),
		Step:          -1,
	}
	inserted, err := s.Chat().Upsert(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Replay of the same external message writes nothing.
	inserted, err = s.Chat().Upsert(ctx, &domain.ChatMessage{
		TransactionID: tx.ID, ExternalID: "m-100", Sender: domain.SenderThem,
		Body: "да", ContentType: "text", SentAt: time.Now().UTC(), Step: -1})
	require.NoError(t, err)
	assert.False(t, inserted)

	msgs, err := s.Chat().ListByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestChatStepResumeAfterRestart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, tx := seedPair(t, s, 1500000)

	_, err := s.Chat().Upsert(ctx, &domain.ChatMessage{
		TransactionID: tx.ID, ExternalID: "out-1", Sender: domain.SenderUs,
		Body: "greeting", ContentType: "text", SentAt: time.Now().UTC(), Step: 0})
	require.NoError(t, err)

	sent, err := s.Chat().HasOutgoingForStep(ctx, tx.ID, 0)
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = s.Chat().HasOutgoingForStep(ctx, tx.ID, 1)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestReceiptMatchFirstWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _, tx := seedPair(t, s, 1500000)

	rec := &domain.Receipt{EmailID: "e-1", BlobKey: "e-1/a-1", FileHash: "h1"}
	require.NoError(t, s.Receipts().Upsert(ctx, rec))

	require.NoError(t, s.Receipts().Match(ctx, rec.ID, p.ID, tx.ID))
	assert.ErrorIs(t, s.Receipts().Match(ctx, rec.ID, "other-payout", ""), ErrReceiptAlreadyMatched)

	matched, err := s.Receipts().PayoutMatched(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestPendingReceiptPointer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	p, _, _ := seedPair(t, s, 1500000)

	require.NoError(t, s.Payouts().SetPendingReceipt(ctx, p.ID, "r-1"))
	// Same receipt again is fine, a different one is refused.
	require.NoError(t, s.Payouts().SetPendingReceipt(ctx, p.ID, "r-1"))
	assert.ErrorIs(t, s.Payouts().SetPendingReceipt(ctx, p.ID, "r-2"), ErrPayoutAlreadyMatched)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	bs, err := OpenBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	defer bs.Close()

	ctx := context.Background()
	hash, err := bs.Put(ctx, "e-1/a-1", []byte("%PDF-1.4 receipt"))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	data, err := bs.Get(ctx, "e-1/a-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4 receipt"), data)

	_, err = bs.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
