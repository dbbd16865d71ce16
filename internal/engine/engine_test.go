package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/avdm/gop2pd/internal/accounts"
	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/config"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/logging"
	"github.com/avdm/gop2pd/internal/mail"
	"github.com/avdm/gop2pd/internal/store"
)

// fakeGate simulates the payment platform: pending payouts hide their
// amount until accepted.
type fakeGate struct {
	id string

	mu         sync.Mutex
	pending    []gate.Payout
	waiting    []gate.Payout
	balances   []int64
	logins     int
	pageSize   int
	payoutsErr error
}

func (f *fakeGate) AccountID() string { return f.id }

func (f *fakeGate) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return nil
}

func (f *fakeGate) PayoutAction(context.Context, string, string) error { return nil }
func (f *fakeGate) SMS(context.Context) (json.RawMessage, error)       { return nil, nil }
func (f *fakeGate) Pushes(context.Context) (json.RawMessage, error)    { return nil, nil }

func (f *fakeGate) SetBalance(_ context.Context, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = append(f.balances, amount)
	return nil
}

func (f *fakeGate) Payouts(_ context.Context, page int, statusFilters []int) (*gate.PayoutPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutsErr != nil {
		return nil, f.payoutsErr
	}
	var list []gate.Payout
	for _, code := range statusFilters {
		switch code {
		case 4:
			list = f.pending
		case 5:
			list = f.waiting
		}
	}
	if f.pageSize <= 0 {
		return &gate.PayoutPage{Data: append([]gate.Payout(nil), list...), CurrentPage: page}, nil
	}
	start := (page - 1) * f.pageSize
	if start >= len(list) {
		return &gate.PayoutPage{CurrentPage: page}, nil
	}
	end := start + f.pageSize
	next := ""
	if end < len(list) {
		next = fmt.Sprintf("/payouts?page=%d", page+1)
	} else {
		end = len(list)
	}
	return &gate.PayoutPage{
		Data:        append([]gate.Payout(nil), list[start:end]...),
		CurrentPage: page,
		NextPageURL: next,
	}, nil
}

func (f *fakeGate) AcceptPayout(_ context.Context, payoutID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.pending {
		if string(f.pending[i].ID) != payoutID {
			continue
		}
		revealed := f.pending[i]
		revealed.Status = 5
		f.waiting = append(f.waiting, revealed)
		f.pending = append(f.pending[:i], f.pending[i+1:]...)
		return nil
	}
	return fmt.Errorf("payout %s not pending", payoutID)
}

// addPending queues a payout whose amount is revealed once accepted.
func (f *fakeGate) addPending(externalID, wallet, bank, recipient, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, gate.Payout{
		ID:        gate.FlexString(externalID),
		Status:    4,
		Wallet:    wallet,
		Bank:      gate.BankRef{Name: bank},
		Recipient: recipient,
		Amount:    gate.AmountSet{Trader: map[string]gate.FlexString{"RUB": gate.FlexString(amount)}},
	})
}

// addWaiting queues an already-accepted payout with a visible amount.
func (f *fakeGate) addWaiting(externalID, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting = append(f.waiting, gate.Payout{
		ID:        gate.FlexString(externalID),
		Status:    5,
		Wallet:    "+79991234567",
		Bank:      gate.BankRef{Name: "Сбербанк"},
		Recipient: "Иванов Иван Иванович",
		Amount:    gate.AmountSet{Trader: map[string]gate.FlexString{"RUB": gate.FlexString(amount)}},
	})
}

func (f *fakeGate) setPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

func (f *fakeGate) setPayoutsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payoutsErr = err
}

func (f *fakeGate) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// fakeBybit simulates the exchange: ads, orders, chats, releases.
type fakeBybit struct {
	id string

	mu        sync.Mutex
	adSeq     int
	ads       []string
	orders    map[string]*bybit.Order
	delisted  map[string]bool
	chats     map[string][]bybit.ChatMessage
	sent      map[string][]string
	released  []string
	cancelled []string
	outSeq    int
}

func newFakeBybit(id string) *fakeBybit {
	return &fakeBybit{
		id:       id,
		orders:   make(map[string]*bybit.Order),
		delisted: make(map[string]bool),
		chats:    make(map[string][]bybit.ChatMessage),
		sent:     make(map[string][]string),
	}
}

func (f *fakeBybit) AccountID() string              { return f.id }
func (f *fakeBybit) SyncTime(context.Context) error { return nil }

func (f *fakeBybit) PendingOrders(_ context.Context, statuses []int) ([]bybit.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bybit.Order
	for _, o := range f.orders {
		if f.delisted[o.ID] {
			continue
		}
		for _, st := range statuses {
			if o.Status == st {
				out = append(out, *o)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBybit) OrderInfo(_ context.Context, orderID string) (*bybit.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeBybit) ChatMessages(_ context.Context, orderID string, _ int) ([]bybit.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bybit.ChatMessage(nil), f.chats[orderID]...), nil
}

func (f *fakeBybit) SendChatMessage(_ context.Context, orderID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outSeq++
	f.sent[orderID] = append(f.sent[orderID], text)
	return fmt.Sprintf("out-%d", f.outSeq), nil
}

func (f *fakeBybit) CreateAd(_ context.Context, _ *bybit.AdRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adSeq++
	itemID := fmt.Sprintf("item-%d", f.adSeq)
	f.ads = append(f.ads, itemID)
	return itemID, nil
}

func (f *fakeBybit) CancelAd(_ context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, itemID)
	return nil
}

func (f *fakeBybit) ReleaseOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, orderID)
	return nil
}

func (f *fakeBybit) addOrder(o *bybit.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
}

func (f *fakeBybit) setOrderStatus(orderID string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[orderID].Status = status
}

// delist drops an order from the pending listing while OrderInfo keeps
// answering for it.
func (f *fakeBybit) delist(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delisted[orderID] = true
}

func (f *fakeBybit) sentCount(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[orderID])
}

func (f *fakeBybit) lastAdID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ads) == 0 {
		return ""
	}
	return f.ads[len(f.ads)-1]
}

// fakeMail serves canned emails with in-memory attachments.
type fakeMail struct {
	mu     sync.Mutex
	emails []mail.Email
	data   map[string][]byte
}

func newFakeMail() *fakeMail {
	return &fakeMail{data: make(map[string][]byte)}
}

func (f *fakeMail) TrustedSender(string) bool { return true }

func (f *fakeMail) ListEmails(_ context.Context, sinceID string) ([]mail.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mail.Email
	for _, em := range f.emails {
		if sinceID == "" || em.ID > sinceID {
			out = append(out, em)
		}
	}
	return out, nil
}

func (f *fakeMail) FetchEmail(_ context.Context, emailID string) (*mail.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.emails {
		if f.emails[i].ID == emailID {
			cp := f.emails[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("email %s not found", emailID)
}

func (f *fakeMail) DownloadAttachment(_ context.Context, emailID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[emailID+"/"+attachmentID]
	if !ok {
		return nil, fmt.Errorf("attachment %s not found", attachmentID)
	}
	return data, nil
}

func (f *fakeMail) addPDF(emailID, attachmentID string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, mail.Email{
		ID:         emailID,
		From:       "noreply@sberbank.ru",
		Subject:    "Чек по операции",
		ReceivedAt: time.Now().UTC(),
		Attachments: []mail.Attachment{
			{ID: attachmentID, Filename: "receipt.pdf", ContentType: "application/pdf", Size: int64(len(body))},
		},
	})
	f.data[emailID+"/"+attachmentID] = body
}

type harness struct {
	engine *Engine
	store  *store.Store
	bus    *events.Bus
	gate   *fakeGate
	bybit  *fakeBybit
	mail   *fakeMail
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.DefaultConfig(filepath.Join(t.TempDir(), "p2pd.db")), logging.Nop{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobs, err := store.OpenBlobStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	bus := events.NewBus(logging.Nop{})
	fg := &fakeGate{id: "gate-1"}
	fb := newFakeBybit("bybit-1")
	fm := newFakeMail()

	reg := accounts.NewRegistry(st.Accounts(), bus, accounts.Options{}, logging.Nop{})
	reg.AddGate(fg)
	reg.AddBybit(fb)

	cfg := &config.Config{}
	cfg.Gate.DefaultBalance = 10_000_000
	cfg.Gate.StatusCodes = map[string]string{
		"1": "created", "2": "accepted", "3": "rejected",
		"4": "pending", "5": "accepted_waiting", "7": "completed",
	}
	cfg.Bybit.Accounts = []config.BybitAccountConfig{{
		ID: "bybit-1", APIKey: "k", APISecret: "s",
		MaxActiveAds: 1, Price: "100.00",
		PaymentIDs: []string{"382"}, TokenID: "USDT", CurrencyID: "RUB",
	}}
	cfg.Receipts.MaxConcurrentExtractions = 2

	deps := Deps{
		Config:   cfg,
		Store:    st,
		Blobs:    blobs,
		Registry: reg,
		Bus:      bus,
		Mail:     fm,
		Extract:  func(data []byte) (string, error) { return string(data), nil },
		Logger:   logging.Nop{},
	}
	eng := New(deps)
	require.NoError(t, eng.Init(ctx))

	return &harness{engine: eng, store: st, bus: bus, gate: fg, bybit: fb, mail: fm, deps: deps}
}

// resetLimiters hands every token bucket a fresh token so tests can
// drive consecutive ticks without waiting out the real intervals.
func (h *harness) resetLimiters() {
	h.engine.limMu.Lock()
	h.engine.listLimiters = make(map[string]*rate.Limiter)
	h.engine.chatLimiters.Purge()
	h.engine.limMu.Unlock()
}

// backdate ages a transaction past the inactivity window.
func (h *harness) backdate(t *testing.T, txID string, age time.Duration) {
	t.Helper()
	err := h.store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE transactions SET updated_at = $1 WHERE id = $2`,
			time.Now().UTC().Add(-age), txID)
		return err
	})
	require.NoError(t, err)
}

// drainForAlert reads bus events until the wanted operator alert kind
// shows up.
func drainForAlert(t *testing.T, ch <-chan []byte, kind string) {
	t.Helper()
	for {
		select {
		case payload := <-ch:
			var evt events.Event
			require.NoError(t, json.Unmarshal(payload, &evt))
			if evt.Type != events.OperatorAlert {
				continue
			}
			data, ok := evt.Data.(map[string]interface{})
			require.True(t, ok)
			if data["kind"] == kind {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s alert published", kind)
		}
	}
}

func (h *harness) buyerSays(t *testing.T, txID, msgID, text string) {
	t.Helper()
	_, err := h.store.Chat().Upsert(context.Background(), &domain.ChatMessage{
		TransactionID: txID,
		ExternalID:    msgID,
		Sender:        domain.SenderThem,
		Body:          text,
		ContentType:   "text",
		SentAt:        time.Now().UTC(),
		Step:          -1,
	})
	require.NoError(t, err)
}

func (h *harness) txByPayout(t *testing.T, externalID string) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	p, err := h.store.Payouts().GetByExternalID(ctx, externalID, "gate-1")
	require.NoError(t, err)
	tx, err := h.store.Transactions().GetByPayoutID(ctx, p.ID)
	require.NoError(t, err)
	return tx
}

const receiptTemplate = `Чек по операции
01.01.2030 10:00:00

Операция: Перевод по СБП
Статус: Исполнено
ФИО получателя: Иванов Иван И.
Номер телефона получателя: +7 (999) 123-45-67
Банк получателя: Сбербанк
Карта получателя: **** 5678
ФИО отправителя: Петров Петр Петрович
Счёт отправителя: **** 1234
Сумма перевода: 15 000,00 ₽
Комиссия: Без комиссии
Итого: 15 000,00 ₽
Идентификатор операции: B4086071234567890000110011234567
Код операции в СБП: A51234
Номер документа: 5803231233
`

// seedAccepted runs intake and ad placement for one standard payout
// and returns its pending transaction.
func seedAccepted(t *testing.T, h *harness) *domain.Transaction {
	t.Helper()
	ctx := context.Background()
	h.gate.addPending("po-1", "+79991234567", "Сбербанк", "Иванов Иван Иванович", "15000.00")
	require.NoError(t, h.engine.AcceptPayouts(ctx))
	require.NoError(t, h.engine.CreateAds(ctx))
	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxPending, tx.Status)
	return tx
}

func TestHappyPathReleasesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()
	require.NotEmpty(t, itemID)

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1", CreateDate: "1700000000000",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))

	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxChatStarted, tx.Status)
	require.Equal(t, "ord-1", tx.OrderID)

	// Greeting goes out, buyer confirms they are a physical person.
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	assert.Equal(t, 1, h.bybit.sentCount("ord-1"))

	h.buyerSays(t, tx.ID, "m1", "да")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	assert.Equal(t, 2, h.bybit.sentCount("ord-1"))

	// Bank confirmed: instructions go out, status advances.
	h.buyerSays(t, tx.ID, "m2", "Сбер")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	tx = h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxWaitingPayment, tx.Status)
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	assert.Equal(t, 3, h.bybit.sentCount("ord-1"))

	h.buyerSays(t, tx.ID, "m3", "оплатил")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	tx = h.txByPayout(t, "po-1")
	assert.Equal(t, stepAwaitReceipt, tx.ChatStep)
	assert.Equal(t, domain.TxPaymentReceived, tx.Status)

	h.bybit.setOrderStatus("ord-1", domain.OrderStatusWaiting)
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))

	// Receipt arrives and matches the payout.
	h.mail.addPDF("e1", "a1", []byte(receiptTemplate))
	require.NoError(t, h.engine.ProcessReceipts(ctx))
	tx = h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxCheckReceived, tx.Status)

	h.resetLimiters()
	require.NoError(t, h.engine.ReleaseReady(ctx))
	tx = h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxCompleted, tx.Status)
	assert.Equal(t, []string{"ord-1"}, h.bybit.released)
	assert.Equal(t, 4, h.bybit.sentCount("ord-1"))

	ad, err := h.store.Ads().Get(ctx, tx.AdID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdDeleted, ad.Status)

	// A second successer tick finds nothing to release.
	h.resetLimiters()
	require.NoError(t, h.engine.ReleaseReady(ctx))
	assert.Len(t, h.bybit.released, 1)
}

func TestWrongBankAnswerReissuesThePayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")

	// Walk to the bank question, then answer with the wrong bank.
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	h.buyerSays(t, tx.ID, "m1", "да")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	h.buyerSays(t, tx.ID, "m2", "Тинькофф")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))

	_, err := h.store.Transactions().Get(ctx, tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{itemID}, h.bybit.cancelled)

	// The payout is back in the queue and gets a fresh ad.
	queue, err := h.store.Payouts().ListAcceptedWithoutTransaction(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.NoError(t, h.engine.CreateAds(ctx))
	assert.Len(t, h.bybit.ads, 2)
}

func TestAmountMismatchAlertsAndFreezes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	ch, cancel := h.bus.Subscribe(events.UserRoom)
	defer cancel()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "20000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))

	// Linked but frozen: the status never leaves pending.
	tx := h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxPending, tx.Status)
	assert.Equal(t, "ord-1", tx.OrderID)

	drainForAlert(t, ch, events.AlertAmountMismatch)
}

func TestReceiptBeforeOrderParksOnThePayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	// The receipt lands while the transaction is still pending.
	h.mail.addPDF("e1", "a1", []byte(receiptTemplate))
	require.NoError(t, h.engine.ProcessReceipts(ctx))

	p, err := h.store.Payouts().GetByExternalID(ctx, "po-1", "gate-1")
	require.NoError(t, err)
	require.NotEmpty(t, p.PendingReceiptID)
	tx := h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxPending, tx.Status)

	// The order shows up already marked paid; the parked receipt fires.
	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusWaiting,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))

	tx = h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxCheckReceived, tx.Status)
	rec, err := h.store.Receipts().Get(ctx, p.PendingReceiptID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, rec.TransactionID)
}

func TestCancelledOrderReissuesAndReplacesAd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxChatStarted, tx.Status)

	// The order vanishes from the pending list as cancelled.
	h.bybit.setOrderStatus("ord-1", domain.OrderStatusCancelled)
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))

	_, err := h.store.Transactions().Get(ctx, tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{itemID}, h.bybit.cancelled)

	require.NoError(t, h.engine.CreateAds(ctx))
	assert.Len(t, h.bybit.ads, 2)
	tx2 := h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxPending, tx2.Status)
	assert.NotEqual(t, tx.ID, tx2.ID)
}

func TestRestartDoesNotRepeatChatPrompts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")

	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	h.buyerSays(t, tx.ID, "m1", "да")
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	h.resetLimiters()
	require.NoError(t, h.engine.ProcessChats(ctx))
	require.Equal(t, 2, h.bybit.sentCount("ord-1"))

	// A fresh engine over the same store resumes mid-script without
	// resending anything.
	restarted := New(h.deps)
	require.NoError(t, restarted.Init(ctx))
	require.NoError(t, restarted.ProcessChats(ctx))
	assert.Equal(t, 2, h.bybit.sentCount("ord-1"))

	// The order cache was reseeded, so discovery keeps working.
	require.NoError(t, restarted.CheckOrders(ctx))
	got := h.txByPayout(t, "po-1")
	assert.Equal(t, tx.ID, got.ID)

	// And the script continues where it left off.
	h.buyerSays(t, tx.ID, "m2", "сбербанк")
	require.NoError(t, restarted.ProcessChats(ctx))
	got = h.txByPayout(t, "po-1")
	assert.Equal(t, domain.TxWaitingPayment, got.Status)
	assert.Equal(t, stepInstructions, got.ChatStep)
}

func TestSetGateBalancesAppliesConfiguredAmount(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.SetGateBalances(context.Background()))
	assert.Equal(t, []int64{10_000_000}, h.gate.balances)
}

func TestReportStatsPublishesSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)

	ch, cancel := h.bus.Subscribe(events.UserRoom)
	defer cancel()
	require.NoError(t, h.engine.ReportStats(ctx))

	select {
	case payload := <-ch:
		var evt events.Event
		require.NoError(t, json.Unmarshal(payload, &evt))
		assert.Equal(t, events.StatsUpdate, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no stats event published")
	}
}

func TestParseFailureReceiptIsRecordedNotMatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)

	h.mail.addPDF("e1", "a1", []byte("not a receipt at all"))
	require.NoError(t, h.engine.ProcessReceipts(ctx))

	rec, err := h.store.Receipts().GetByEmailID(ctx, "e1/a1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ParseError)
	assert.Empty(t, rec.PayoutID)

	p, err := h.store.Payouts().GetByExternalID(ctx, "po-1", "gate-1")
	require.NoError(t, err)
	assert.Empty(t, p.PendingReceiptID)
}

func TestErrNotFoundDistinctFromStale(t *testing.T) {
	// Guards the sentinel split the processors rely on.
	assert.False(t, errors.Is(store.ErrNotFound, store.ErrStaleStatus))
}

func TestOrphanOrdersEachGetPlaceholders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Two orders against ads we never placed; both must be
	// reconstructed, not just the first.
	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: "foreign-1", Status: domain.OrderStatusPaying,
		Amount: "100.00", UserID: "seller-1",
	})
	h.bybit.addOrder(&bybit.Order{
		ID: "ord-2", ItemID: "foreign-2", Status: domain.OrderStatusPaying,
		Amount: "200.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))

	for _, orderID := range []string{"ord-1", "ord-2"} {
		tx, err := h.store.Transactions().GetByOrderID(ctx, orderID)
		require.NoError(t, err)
		assert.Empty(t, tx.PayoutID)
		ad, err := h.store.Ads().Get(ctx, tx.AdID)
		require.NoError(t, err)
		assert.True(t, ad.NeedsReview)
	}
}

func TestExpiredGateSessionSchedulesReauth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, 1, h.gate.loginCount())

	h.gate.setPayoutsErr(gate.ErrSessionExpired)
	require.Error(t, h.engine.AcceptPayouts(ctx))
	h.gate.setPayoutsErr(nil)

	// The session was marked stale, so the refresher re-auths now
	// instead of waiting out the session lifetime.
	require.NoError(t, h.deps.Registry.Refresh(ctx))
	assert.Equal(t, 2, h.gate.loginCount())
}

func TestListedButSilentOrderFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxChatStarted, tx.Status)

	// The order stays listed at status 10, but the buyer never says a
	// word for half an hour.
	h.backdate(t, tx.ID, staleOrderAge+time.Minute)
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))

	_, err := h.store.Transactions().Get(ctx, tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	queue, err := h.store.Payouts().ListAcceptedWithoutTransaction(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestVanishedOrderFailsAfterInactivityWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")

	// Gone from the listing, but order info still answers with a live
	// status: only the inactivity window fails it.
	h.bybit.delist("ord-1")
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))
	got, err := h.store.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TxChatStarted, got.Status)

	h.backdate(t, tx.ID, staleOrderAge+time.Minute)
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))

	_, err = h.store.Transactions().Get(ctx, tx.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{itemID}, h.bybit.cancelled)
}

func TestDisputedOrderAlertsAndHolds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "15000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxChatStarted, tx.Status)

	ch, cancel := h.bus.Subscribe(events.UserRoom)
	defer cancel()

	// The order drops out of the pending listing into a dispute: alert
	// the operator, touch nothing.
	h.bybit.setOrderStatus("ord-1", domain.OrderStatusDispute)
	h.resetLimiters()
	require.NoError(t, h.engine.CheckOrders(ctx))
	drainForAlert(t, ch, events.AlertDispute)

	got, err := h.store.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxChatStarted, got.Status)
	assert.Empty(t, h.bybit.released)
}

func TestAdminReleaseForcesCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedAccepted(t, h)
	itemID := h.bybit.lastAdID()

	// Frozen by an amount mismatch: linked but stuck in pending.
	h.bybit.addOrder(&bybit.Order{
		ID: "ord-1", ItemID: itemID, Status: domain.OrderStatusPaying,
		Amount: "20000.00", UserID: "seller-1",
	})
	require.NoError(t, h.engine.CheckOrders(ctx))
	tx := h.txByPayout(t, "po-1")
	require.Equal(t, domain.TxPending, tx.Status)
	require.Equal(t, "ord-1", tx.OrderID)

	require.NoError(t, h.engine.AdminRelease(ctx, tx.ID))

	got, err := h.store.Transactions().Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, got.Status)
	assert.Equal(t, []string{"ord-1"}, h.bybit.released)
}

func TestBootSyncFollowsPagination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gate.setPageSize(2)
	for i := 1; i <= 5; i++ {
		h.gate.addWaiting(fmt.Sprintf("po-%d", i), "15000.00")
	}
	require.NoError(t, h.engine.SyncAcceptedPayouts(ctx))

	queue, err := h.store.Payouts().ListAcceptedWithoutTransaction(ctx)
	require.NoError(t, err)
	assert.Len(t, queue, 5)
}
