package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdm/gop2pd/internal/bybit"
	"github.com/avdm/gop2pd/internal/domain"
	"github.com/avdm/gop2pd/internal/events"
	"github.com/avdm/gop2pd/internal/gate"
	"github.com/avdm/gop2pd/internal/logging"
)

type fakeGate struct {
	id       string
	loginErr error
	logins   int
}

func (f *fakeGate) AccountID() string { return f.id }
func (f *fakeGate) Login(context.Context) error {
	f.logins++
	return f.loginErr
}
func (f *fakeGate) Payouts(context.Context, int, []int) (*gate.PayoutPage, error) {
	return &gate.PayoutPage{}, nil
}
func (f *fakeGate) AcceptPayout(context.Context, string) error         { return nil }
func (f *fakeGate) PayoutAction(context.Context, string, string) error { return nil }
func (f *fakeGate) SetBalance(context.Context, int64) error            { return nil }
func (f *fakeGate) SMS(context.Context) (json.RawMessage, error)       { return nil, nil }
func (f *fakeGate) Pushes(context.Context) (json.RawMessage, error)    { return nil, nil }

type fakeBybit struct {
	id      string
	syncErr error
	syncs   int
}

func (f *fakeBybit) AccountID() string { return f.id }
func (f *fakeBybit) SyncTime(context.Context) error {
	f.syncs++
	return f.syncErr
}
func (f *fakeBybit) PendingOrders(context.Context, []int) ([]bybit.Order, error) { return nil, nil }
func (f *fakeBybit) OrderInfo(context.Context, string) (*bybit.Order, error)     { return nil, nil }
func (f *fakeBybit) ChatMessages(context.Context, string, int) ([]bybit.ChatMessage, error) {
	return nil, nil
}
func (f *fakeBybit) SendChatMessage(context.Context, string, string) (string, error) {
	return "msg-1", nil
}
func (f *fakeBybit) CreateAd(context.Context, *bybit.AdRequest) (string, error) { return "item-1", nil }
func (f *fakeBybit) CancelAd(context.Context, string) error                     { return nil }
func (f *fakeBybit) ReleaseOrder(context.Context, string) error                 { return nil }

func TestInitAuthenticatesEveryAccount(t *testing.T) {
	g := &fakeGate{id: "g1"}
	b := &fakeBybit{id: "b1"}
	r := NewRegistry(nil, nil, Options{}, logging.Nop{})
	r.AddGate(g)
	r.AddBybit(b)

	require.NoError(t, r.Init(context.Background()))
	assert.Equal(t, 1, g.logins)
	assert.Equal(t, 1, b.syncs)

	st, _, ok := r.Status("g1")
	require.True(t, ok)
	assert.Equal(t, domain.AccountActive, st)
}

func TestRefreshSkipsSessionsNotYetDue(t *testing.T) {
	g := &fakeGate{id: "g1"}
	r := NewRegistry(nil, nil, Options{RefreshInterval: time.Hour}, logging.Nop{})
	r.AddGate(g)
	require.NoError(t, r.Init(context.Background()))
	require.Equal(t, 1, g.logins)

	// Fresh session, next refresh an hour away: nothing to do.
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 1, g.logins)
}

func TestMarkStaleForcesNextRefresh(t *testing.T) {
	g := &fakeGate{id: "g1"}
	r := NewRegistry(nil, nil, Options{RefreshInterval: time.Hour}, logging.Nop{})
	r.AddGate(g)
	require.NoError(t, r.Init(context.Background()))
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, 1, g.logins)

	// A mid-lifetime expiry re-auths on the very next tick.
	r.MarkStale("g1")
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 2, g.logins)
}

func TestFailedRefreshMarksErrorAndRetries(t *testing.T) {
	g := &fakeGate{id: "g1", loginErr: errors.New("boom")}
	r := NewRegistry(nil, nil, Options{RetryInterval: time.Millisecond}, logging.Nop{})
	r.AddGate(g)

	require.Error(t, r.Init(context.Background()))
	st, lastErr, ok := r.Status("g1")
	require.True(t, ok)
	assert.Equal(t, domain.AccountError, st)
	assert.Equal(t, "boom", lastErr)

	// The retry window has elapsed; a later login success recovers.
	g.loginErr = nil
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Refresh(context.Background()))
	st, _, _ = r.Status("g1")
	assert.Equal(t, domain.AccountActive, st)
	assert.Equal(t, 2, g.logins)
}

func TestStatusChangePublishesEvent(t *testing.T) {
	bus := events.NewBus(logging.Nop{})
	ch, cancel := bus.Subscribe(events.UserRoom, events.AccountRoom("g1"))
	defer cancel()

	g := &fakeGate{id: "g1"}
	r := NewRegistry(nil, bus, Options{}, logging.Nop{})
	r.AddGate(g)
	require.NoError(t, r.Init(context.Background()))

	select {
	case raw := <-ch:
		var ev events.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, events.AccountStatusChange, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no account status event published")
	}
}
