package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avdm/gop2pd/internal/logging"
)

// Config points at the inbox vendor API.
type Config struct {
	BaseURL string
	Token   string
	InboxID string
	// TrustedSenders lists the sender domains whose attachments are
	// treated as bank receipts.
	TrustedSenders []string
	Timeout        time.Duration
}

// Email is one inbox message with its attachment listing.
type Email struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Subject     string       `json:"subject"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a downloadable attachment reference.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// IsPDF reports whether the attachment looks like a PDF receipt.
func (a Attachment) IsPDF() bool {
	return a.ContentType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(a.Filename), ".pdf")
}

// Client consumes the inbox vendor REST API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// NewClient builds a mail client.
func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// TrustedSender reports whether the from address belongs to a trusted
// sender domain.
func (c *Client) TrustedSender(from string) bool {
	from = strings.ToLower(from)
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return false
	}
	domain := strings.TrimSuffix(from[at+1:], ">")
	for _, trusted := range c.cfg.TrustedSenders {
		if domain == strings.ToLower(trusted) {
			return true
		}
	}
	return false
}

// ListEmails returns inbox messages newer than sinceID, oldest first.
func (c *Client) ListEmails(ctx context.Context, sinceID string) ([]Email, error) {
	q := url.Values{}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var res struct {
		Emails []Email `json:"emails"`
	}
	path := fmt.Sprintf("/inboxes/%s/emails", c.cfg.InboxID)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return res.Emails, nil
}

// FetchEmail returns one message with headers and attachment listing.
func (c *Client) FetchEmail(ctx context.Context, emailID string) (*Email, error) {
	var e Email
	if err := c.get(ctx, fmt.Sprintf("/inboxes/%s/emails/%s", c.cfg.InboxID, emailID), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DownloadAttachment returns the raw attachment bytes.
func (c *Client) DownloadAttachment(ctx context.Context, emailID, attachmentID string) ([]byte, error) {
	path := fmt.Sprintf("/inboxes/%s/emails/%s/attachments/%s", c.cfg.InboxID, emailID, attachmentID)
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mail %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mail %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mail %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mail %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mail %s decode: %w", path, err)
	}
	return nil
}
