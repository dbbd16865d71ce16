package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdm/gop2pd/internal/logging"
)

func TestPayoutDecodingToleratesLooseTypes(t *testing.T) {
	raw := `{
		"id": 123456,
		"status": 4,
		"wallet": "+79991234567",
		"bank": {"name": "Сбербанк"},
		"recipient_full_name": "Иванов Иван Иванович",
		"amount": {"trader": {"RUB": "15000.00", "USDT": 150.5}},
		"created_at": "2025-08-20T10:00:00Z"
	}`
	var p Payout
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, FlexString("123456"), p.ID)
	assert.Equal(t, "Сбербанк", p.Bank.Name)
	assert.Equal(t, int64(1500000), p.AmountMinor())
	assert.NotEmpty(t, p.Raw, "raw payload must be preserved for diagnostics")

	// Bank as a bare string, amount as a number.
	raw2 := `{"id": "77", "status": 5, "bank": "Тинькофф", "amount": {"trader": {"RUB": 100}}}`
	var p2 Payout
	require.NoError(t, json.Unmarshal([]byte(raw2), &p2))
	assert.Equal(t, "Тинькофф", p2.Bank.Name)
	assert.Equal(t, int64(10000), p2.AmountMinor())
}

func TestHiddenAmountDecodesToZero(t *testing.T) {
	raw := `{"id": "9", "status": 4, "amount": {"trader": {}}}`
	var p Payout
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Zero(t, p.AmountMinor())
}

func TestLoginPersistsCookiesAcrossClients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/basic/login":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
			w.Write([]byte(`{"success":true,"response":{"user":{"id":1}}}`))
		case "/payments/payouts":
			if ck, err := r.Cookie("sid"); err != nil || ck.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"response":{"payouts":{"data":[],"total":0,"current_page":1}}}`))
		}
	}))
	defer srv.Close()

	cookieFile := filepath.Join(t.TempDir(), "cookies.json")
	cfg := Config{AccountID: "g1", BaseURL: srv.URL, Login: "u", Password: "p", CookieFile: cookieFile}

	c1, err := NewClient(cfg, logging.Nop{})
	require.NoError(t, err)
	require.NoError(t, c1.Login(context.Background()))

	// A fresh client restores the persisted session without logging in.
	c2, err := NewClient(cfg, logging.Nop{})
	require.NoError(t, err)
	_, err = c2.Payouts(context.Background(), 1, []int{4})
	require.NoError(t, err)
}

func TestSessionExpiredSurfacesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := NewClient(Config{AccountID: "g1", BaseURL: srv.URL}, logging.Nop{})
	require.NoError(t, err)
	_, err = c.Payouts(context.Background(), 1, []int{4})
	assert.ErrorIs(t, err, ErrSessionExpired)
}
