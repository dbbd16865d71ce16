package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avdm/gop2pd/internal/logging"
)

var (
	// ErrSessionExpired is returned when the platform rejects the
	// session cookies; the account registry reacts by re-running login.
	ErrSessionExpired = errors.New("gate: session expired")
	ErrLoginFailed    = errors.New("gate: login failed")
)

// Config holds one Gate account's credentials.
type Config struct {
	AccountID string
	BaseURL   string
	Login     string
	Password  string
	// CookieFile persists session cookies across runs.
	CookieFile string
	Timeout    time.Duration
}

// Client talks to the payment-disbursement platform with a persisted
// cookie session.
type Client struct {
	cfg    Config
	http   *http.Client
	jar    *cookiejar.Jar
	logger logging.Logger
}

// NewClient creates a client, loading any cookies persisted by a
// previous run.
func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:    cfg,
		jar:    jar,
		http:   &http.Client{Timeout: cfg.Timeout, Jar: jar},
		logger: logger,
	}
	if cfg.CookieFile != "" {
		if err := c.loadCookies(); err != nil {
			logger.Warn("gate cookie restore failed, will re-login", "account", cfg.AccountID, "error", err)
		}
	}
	return c, nil
}

// AccountID returns the configured account identifier.
func (c *Client) AccountID() string { return c.cfg.AccountID }

type persistedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Path    string    `json:"path"`
	Domain  string    `json:"domain"`
	Expires time.Time `json:"expires"`
}

func (c *Client) loadCookies() error {
	raw, err := os.ReadFile(c.cfg.CookieFile)
	if err != nil {
		return err
	}
	var stored []persistedCookie
	if err := json.Unmarshal(raw, &stored); err != nil {
		return err
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return err
	}
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, pc := range stored {
		cookies = append(cookies, &http.Cookie{
			Name: pc.Name, Value: pc.Value, Path: pc.Path,
			Domain: pc.Domain, Expires: pc.Expires,
		})
	}
	c.jar.SetCookies(u, cookies)
	return nil
}

// persistCookies writes the current session cookies to disk so a
// restart does not force a fresh login.
func (c *Client) persistCookies() error {
	if c.cfg.CookieFile == "" {
		return nil
	}
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return err
	}
	var stored []persistedCookie
	for _, ck := range c.jar.Cookies(u) {
		stored = append(stored, persistedCookie{
			Name: ck.Name, Value: ck.Value, Path: ck.Path,
			Domain: ck.Domain, Expires: ck.Expires,
		})
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cfg.CookieFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.cfg.CookieFile, raw, 0o600)
}

// Login authenticates and persists the returned cookies.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{"login": c.cfg.Login, "password": c.cfg.Password}
	var res struct {
		Success  bool `json:"success"`
		Response struct {
			User json.RawMessage `json:"user"`
		} `json:"response"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/basic/login", body, &res); err != nil {
		return err
	}
	if !res.Success {
		return ErrLoginFailed
	}
	if err := c.persistCookies(); err != nil {
		c.logger.Warn("gate cookie persist failed", "account", c.cfg.AccountID, "error", err)
	}
	c.logger.Info("gate session established", "account", c.cfg.AccountID)
	return nil
}

// Payouts lists payouts filtered by external status codes, one page at
// a time.
func (c *Client) Payouts(ctx context.Context, page int, statusFilters []int) (*PayoutPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	for _, st := range statusFilters {
		q.Add("filters[status][]", strconv.Itoa(st))
	}
	var res struct {
		Response struct {
			Payouts PayoutPage `json:"payouts"`
		} `json:"response"`
	}
	if err := c.do(ctx, http.MethodGet, "/payments/payouts?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res.Response.Payouts, nil
}

// AcceptPayout accepts a pending payout. The platform reveals the
// previously hidden amount as a side effect; callers must re-read the
// payout afterwards.
func (c *Client) AcceptPayout(ctx context.Context, payoutID string) error {
	return c.do(ctx, http.MethodPost, "/payments/payouts/"+payoutID+"/accept", struct{}{}, nil)
}

// PayoutAction performs accept / reject / approve on a payout.
func (c *Client) PayoutAction(ctx context.Context, payoutID, action string) error {
	body := map[string]string{"action": action}
	return c.do(ctx, http.MethodPost, "/payments/payouts/"+payoutID+"/action", body, nil)
}

// SetBalance sets the fictitious working balance. The platform quirk
// requires this roughly every 4 hours.
func (c *Client) SetBalance(ctx context.Context, amount int64) error {
	body := map[string]int64{"amount": amount}
	return c.do(ctx, http.MethodPost, "/balance/set", body, nil)
}

// SMS returns the device SMS feed for observability.
func (c *Client) SMS(ctx context.Context) (json.RawMessage, error) {
	var res struct {
		Response json.RawMessage `json:"response"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices/sms", nil, &res); err != nil {
		return nil, err
	}
	return res.Response, nil
}

// Pushes returns the device push feed for observability.
func (c *Client) Pushes(ctx context.Context) (json.RawMessage, error) {
	var res struct {
		Response json.RawMessage `json:"response"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices/pushes", nil, &res); err != nil {
		return nil, err
	}
	return res.Response, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gate %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrSessionExpired
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gate %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gate %s decode: %w", path, err)
	}
	return nil
}
