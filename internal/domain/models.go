package domain

import (
	"strings"
	"time"
)

// Payout is a single fiat disbursement request surfaced by Gate.
// Amounts are integer minor units (kopecks for RUB). A payout is
// immutable after acceptance except for external status updates.
type Payout struct {
	ID            string         `json:"id"`
	ExternalID    string         `json:"external_id"`
	AccountID     string         `json:"account_id"`
	Amount        int64          `json:"amount"`
	Wallet        string         `json:"wallet"` // card / phone / wallet the buyer must pay to
	Bank          string         `json:"bank"`
	RecipientName string         `json:"recipient_name"`
	StatusCode    int            `json:"status_code"`
	Decision      PayoutDecision `json:"decision"`
	// PendingReceiptID points at a Receipt that matched this payout
	// before its order existed; the transition to check_received fires
	// as soon as the transaction reaches waiting_payment.
	PendingReceiptID string    `json:"pending_receipt_id,omitempty"`
	AcceptedAt       time.Time `json:"accepted_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Advertisement is a sell offer on Bybit backed by one payout.
type Advertisement struct {
	ID        string   `json:"id"`
	BybitID   string   `json:"bybit_id"` // "temp_<orderId>" for reconstructed orphans
	AccountID string   `json:"account_id"`
	Side      string   `json:"side"` // SELL
	Asset     string   `json:"asset"`
	Fiat      string   `json:"fiat"`
	Price     int64    `json:"price"`    // fiat minor units per asset unit
	Quantity  int64    `json:"quantity"` // equals payout amount, minor units
	MinAmount int64    `json:"min_amount"`
	MaxAmount int64    `json:"max_amount"`
	Payments  []string `json:"payments"`
	Status    AdStatus `json:"status"`
	// NeedsReview flags placeholder ads synthesized for orphan orders.
	NeedsReview bool      `json:"needs_review"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsPlaceholder reports whether the ad was reconstructed from an
// orphan order rather than created by us.
func (a *Advertisement) IsPlaceholder() bool {
	return strings.HasPrefix(a.BybitID, "temp_")
}

// Transaction is the unit of work: one payout, one advertisement, and
// (after discovery) one Bybit order.
type Transaction struct {
	ID            string    `json:"id"`
	PayoutID      string    `json:"payout_id"`
	AdID          string    `json:"ad_id"`
	OrderID       string    `json:"order_id,omitempty"`
	AccountID     string    `json:"account_id"`
	Status        TxStatus  `json:"status"`
	ChatStep      int       `json:"chat_step"`
	Amount        int64     `json:"amount"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ReleaseError  string    `json:"release_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatMessage is one message in an order chat. ExternalID is unique
// per external system and is the idempotence key for upserts.
type ChatMessage struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	ExternalID    string    `json:"external_id"`
	Sender        Sender    `json:"sender"`
	Body          string    `json:"body"`
	ContentType   string    `json:"content_type"` // text | image | pdf
	SentAt        time.Time `json:"sent_at"`
	Processed     bool      `json:"processed"`
	// Step records which chat-script step produced an outgoing message,
	// -1 for inbound ones. Used to skip resends after a restart.
	Step int `json:"step"`
}

// Receipt is a parsed bank PDF confirming a fiat transfer. Raw PDF
// bytes live in the blob store under BlobKey.
type Receipt struct {
	ID            string         `json:"id"`
	EmailID       string         `json:"email_id"`
	BlobKey       string         `json:"blob_key"`
	FileHash      string         `json:"file_hash"`
	Parsed        *ParsedReceipt `json:"parsed,omitempty"`
	ParseError    string         `json:"parse_error,omitempty"`
	Processed     bool           `json:"processed"`
	PayoutID      string         `json:"payout_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// ParsedReceipt holds the structured fields extracted from the PDF
// text. All money values are integer minor units.
type ParsedReceipt struct {
	Datetime       time.Time `json:"datetime"`
	Total          int64     `json:"total"`
	Amount         int64     `json:"amount"`
	Commission     int64     `json:"commission"`
	Status         string    `json:"status"`
	TransferType   string    `json:"transfer_type"`
	SenderName     string    `json:"sender_name"`
	SenderAccount  string    `json:"sender_account"`
	RecipientName  string    `json:"recipient_name"`
	RecipientPhone string    `json:"recipient_phone"`
	RecipientBank  string    `json:"recipient_bank"`
	RecipientCard  string    `json:"recipient_card"`
	OperationID    string    `json:"operation_id"`
	SBPCode        string    `json:"sbp_code"`
	ReceiptNumber  string    `json:"receipt_number"`
}

// Account is a configured platform account.
type Account struct {
	ID            string        `json:"id"`
	Platform      string        `json:"platform"` // gate | bybit
	Status        AccountStatus `json:"status"`
	LastError     string        `json:"last_error,omitempty"`
	NextRefreshAt time.Time     `json:"next_refresh_at"`
}

// NormalizeBank lowercases and trims a bank name for the equality
// checks used by the chat classifier and the receipt matcher.
func NormalizeBank(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	// Common aliases seen in buyer replies and bank PDFs.
	switch {
	case strings.Contains(s, "сбер"), strings.Contains(s, "sber"):
		return "сбербанк"
	case strings.Contains(s, "тинькофф"), strings.Contains(s, "t-bank"), strings.Contains(s, "тбанк"), strings.Contains(s, "т-банк"), strings.Contains(s, "tinkoff"):
		return "тинькофф"
	case strings.Contains(s, "альфа"), strings.Contains(s, "alfa"):
		return "альфа-банк"
	case strings.Contains(s, "втб"), strings.Contains(s, "vtb"):
		return "втб"
	case strings.Contains(s, "райффайзен"), strings.Contains(s, "raiffeisen"):
		return "райффайзен"
	}
	return s
}

// NormalizeName collapses whitespace and case for recipient-name
// equality. Receipts frequently abbreviate patronymics, so a prefix
// match on the abbreviated form is accepted.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NamesMatch compares two full names, tolerating an abbreviated form
// ("Иванов Иван И." vs "Иванов Иван Иванович").
func NamesMatch(a, b string) bool {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == b {
		return true
	}
	fa, fb := strings.Fields(a), strings.Fields(b)
	if len(fa) != len(fb) {
		return false
	}
	for i := range fa {
		x, y := fa[i], fb[i]
		x = strings.TrimSuffix(x, ".")
		y = strings.TrimSuffix(y, ".")
		if x == y {
			continue
		}
		if !strings.HasPrefix(y, x) && !strings.HasPrefix(x, y) {
			return false
		}
	}
	return true
}

// NormalizePhone strips formatting and maps a leading 8 to +7 so that
// receipt phone numbers compare against payout wallets.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "8") && len(out) == 11 {
		out = "+7" + out[1:]
	}
	if strings.HasPrefix(out, "7") && len(out) == 11 {
		out = "+" + out
	}
	return out
}
