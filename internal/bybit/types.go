package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Order is one P2P order as returned by the pending list and info
// endpoints. Money fields come over the wire as decimal strings; the
// Minor helpers convert to integer minor units.
type Order struct {
	ID         string `json:"id"`
	ItemID     string `json:"itemId"`
	Side       int    `json:"side"`
	Status     int    `json:"status"`
	Amount     string `json:"amount"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	CurrencyID string `json:"currencyId"`
	TokenID    string `json:"tokenId"`
	UserID     string `json:"userId"`
	TargetUser string `json:"targetNickName"`
	CreateDate string `json:"createDate"`
}

// AmountMinor returns the fiat amount in integer minor units.
func (o *Order) AmountMinor() int64 {
	return decimalToMinor(o.Amount)
}

// ChatMessage is one message in an order chat.
type ChatMessage struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	UserID      string `json:"userId"`
	MsgType     int    `json:"msgType"`
	ContentType string `json:"contentType"` // str | pic | pdf
	OrderID     string `json:"orderId"`
	CreateDate  string `json:"createDate"`
}

// AdRequest is the body for ad create / update.
type AdRequest struct {
	TokenID     string   `json:"tokenId"`
	CurrencyID  string   `json:"currencyId"`
	Side        string   `json:"side"` // "1" = sell
	PriceType   string   `json:"priceType"`
	Price       string   `json:"price"`
	Quantity    string   `json:"quantity"`
	MinAmount   string   `json:"minAmount"`
	MaxAmount   string   `json:"maxAmount"`
	PaymentIDs  []string `json:"paymentIds"`
	Remark      string   `json:"remark,omitempty"`
	TradingPref struct{} `json:"tradingPreferenceSet"`
}

// AdResult is returned by ad create.
type AdResult struct {
	ItemID string `json:"itemId"`
}

// ordersResult wraps the pending order list payload.
type ordersResult struct {
	Count int     `json:"count"`
	Items []Order `json:"items"`
}

// chatResult wraps the message list payload.
type chatResult struct {
	Result []ChatMessage `json:"result"`
}

// serverTimeResult is the market time payload.
type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

// apiResponse is the envelope every endpoint returns.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// decimalToMinor parses a decimal string into integer minor units
// (two decimal places), truncating anything beyond.
func decimalToMinor(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(s, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	if len(frac) > 2 {
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return n * 100
	}
	if n < 0 {
		return n*100 - f
	}
	return n*100 + f
}

// minorToDecimal renders integer minor units as a decimal string.
func minorToDecimal(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + strconv.FormatInt(v/100, 10) + "." + pad2(v%100)
}

func pad2(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}
