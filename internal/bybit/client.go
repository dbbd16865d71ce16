package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avdm/gop2pd/internal/logging"
)

// Error codes the client understands beyond "non-zero is an error".
const (
	retCodeOK               = 0
	retCodeTimestampExpired = 10002 // request outside recv window, resync and retry once
	retCodeRateLimited      = 10006
	retCodeIPRateLimited    = 10018
)

var (
	ErrRateLimited = errors.New("bybit: rate limited")
)

// APIError is a non-zero retCode response.
type APIError struct {
	Code int
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d retMsg=%q", e.Path, e.Code, e.Msg)
}

// IsRateLimited reports whether err is a rate-limit retCode.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == retCodeRateLimited || apiErr.Code == retCodeIPRateLimited
	}
	return errors.Is(err, ErrRateLimited)
}

// isClockSkew reports a signature/timestamp failure that a time
// resync can fix.
func isClockSkew(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == retCodeTimestampExpired {
			return true
		}
		msg := strings.ToLower(apiErr.Msg)
		return strings.Contains(msg, "signature expired") || strings.Contains(msg, "timestamp")
	}
	return false
}

// Config holds one account's API credentials.
type Config struct {
	AccountID  string
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int // milliseconds
	Timeout    time.Duration
}

// Client signs every request with HMAC-SHA256 over
// timestamp||apiKey||recvWindow||payload, per the exchange contract.
// There is no session; the only shared state is the measured clock
// drift against the exchange.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger

	// driftMs is server time minus local time, applied to every signed
	// timestamp. Re-measured on clock-skew errors.
	driftMs atomic.Int64
}

// NewClient builds a client; call SyncTime once before signed use.
func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// AccountID returns the configured account identifier.
func (c *Client) AccountID() string { return c.cfg.AccountID }

// SyncTime measures clock drift against the exchange server-time
// endpoint.
func (c *Client) SyncTime(ctx context.Context) error {
	before := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v5/market/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bybit time sync: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("bybit time sync decode: %w", err)
	}
	if envelope.RetCode != retCodeOK {
		return &APIError{Code: envelope.RetCode, Msg: envelope.RetMsg, Path: "/v5/market/time"}
	}
	var st serverTimeResult
	if err := json.Unmarshal(envelope.Result, &st); err != nil {
		return fmt.Errorf("bybit time sync decode: %w", err)
	}
	serverSec, err := strconv.ParseInt(st.TimeSecond, 10, 64)
	if err != nil {
		return fmt.Errorf("bybit time sync parse: %w", err)
	}
	rtt := time.Since(before)
	local := before.Add(rtt / 2).UnixMilli()
	drift := serverSec*1000 - local
	c.driftMs.Store(drift)
	c.logger.Debug("bybit time synced", "account", c.cfg.AccountID, "drift_ms", drift)
	return nil
}

// timestamp returns the drift-corrected signing timestamp in
// milliseconds.
func (c *Client) timestamp() int64 {
	return time.Now().UnixMilli() + c.driftMs.Load()
}

// sign computes HMAC-SHA256(secret, timestamp||apiKey||recvWindow||payload).
func (c *Client) sign(timestamp int64, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(c.cfg.APIKey))
	mac.Write([]byte(strconv.Itoa(c.cfg.RecvWindow)))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// sortedQuery renders params as a query string with keys sorted, the
// canonical form the signature covers for GET requests.
func sortedQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// call performs one signed request and decodes the result payload
// into out. On a clock-skew error it resyncs time and retries once.
func (c *Client) call(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	err := c.doSigned(ctx, method, path, body, out)
	if err != nil && isClockSkew(err) {
		c.logger.Warn("bybit signature expired, resyncing time", "account", c.cfg.AccountID)
		if syncErr := c.SyncTime(ctx); syncErr != nil {
			return fmt.Errorf("resync after clock skew: %w", syncErr)
		}
		return c.doSigned(ctx, method, path, body, out)
	}
	return err
}

func (c *Client) doSigned(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload string
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	ts := c.timestamp()
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.cfg.RecvWindow))
	req.Header.Set("X-BAPI-SIGN", c.sign(ts, payload))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bybit %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("bybit %s read: %w", path, err)
	}
	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("bybit %s decode: %w", path, err)
	}
	if envelope.RetCode != retCodeOK {
		return &APIError{Code: envelope.RetCode, Msg: envelope.RetMsg, Path: path}
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bybit %s result decode: %w", path, err)
		}
	}
	return nil
}

// PendingOrders lists orders in the given statuses (10 and 20 in
// normal operation).
func (c *Client) PendingOrders(ctx context.Context, statuses []int) ([]Order, error) {
	body := map[string]interface{}{
		"page":   1,
		"size":   30,
		"status": statuses,
	}
	var res ordersResult
	if err := c.call(ctx, http.MethodPost, "/v5/p2p/order/pending/simplifyList", body, &res); err != nil {
		return nil, err
	}
	return res.Items, nil
}

// OrderInfo fetches one order, used when the pending list omits the
// itemId.
func (c *Client) OrderInfo(ctx context.Context, orderID string) (*Order, error) {
	body := map[string]string{"orderId": orderID}
	var o Order
	if err := c.call(ctx, http.MethodPost, "/v5/p2p/order/info", body, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ChatMessages returns the size most recent messages of an order chat.
func (c *Client) ChatMessages(ctx context.Context, orderID string, size int) ([]ChatMessage, error) {
	body := map[string]interface{}{
		"orderId":     orderID,
		"size":        strconv.Itoa(size),
		"currentPage": "1",
	}
	var res chatResult
	if err := c.call(ctx, http.MethodPost, "/v5/p2p/order/message/listpage", body, &res); err != nil {
		return nil, err
	}
	return res.Result, nil
}

// SendChatMessage posts a text message to an order chat and returns
// the external message id.
func (c *Client) SendChatMessage(ctx context.Context, orderID, text string) (string, error) {
	body := map[string]string{
		"orderId":     orderID,
		"message":     text,
		"contentType": "str",
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/v5/p2p/order/message/send", body, &res); err != nil {
		return "", err
	}
	return res.ID, nil
}

// CreateAd posts a sell advertisement and returns the exchange-side
// item id.
func (c *Client) CreateAd(ctx context.Context, req *AdRequest) (string, error) {
	var res AdResult
	if err := c.call(ctx, http.MethodPost, "/v5/p2p/ad/create", req, &res); err != nil {
		return "", err
	}
	return res.ItemID, nil
}

// CancelAd takes an advertisement down.
func (c *Client) CancelAd(ctx context.Context, itemID string) error {
	body := map[string]string{"itemId": itemID}
	return c.call(ctx, http.MethodPost, "/v5/p2p/ad/cancel", body, nil)
}

// ReleaseOrder releases the escrowed asset to the buyer.
func (c *Client) ReleaseOrder(ctx context.Context, orderID string) error {
	body := map[string]string{"orderId": orderID}
	return c.call(ctx, http.MethodPost, "/v5/p2p/order/release", body, nil)
}

// WalletBalance returns the raw wallet-balance result for
// observability surfaces.
func (c *Client) WalletBalance(ctx context.Context, accountType string) (json.RawMessage, error) {
	// GET endpoints sign the sorted query string instead of a body.
	params := map[string]string{"accountType": accountType}
	query := sortedQuery(params)

	ts := c.timestamp()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v5/account/wallet-balance?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.cfg.RecvWindow))
	req.Header.Set("X-BAPI-SIGN", c.sign(ts, query))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit wallet-balance: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("bybit wallet-balance decode: %w", err)
	}
	if envelope.RetCode != retCodeOK {
		return nil, &APIError{Code: envelope.RetCode, Msg: envelope.RetMsg, Path: "/v5/account/wallet-balance"}
	}
	return envelope.Result, nil
}
