package gate

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Payout is one disbursement request as the platform returns it. The
// platform is loose with types (ids and amounts arrive as numbers or
// strings depending on endpoint), so the flexible fields are decoded
// through FlexString / FlexAmount. Unknown fields are preserved in Raw
// for diagnostics.
type Payout struct {
	ID        FlexString `json:"id"`
	Status    int        `json:"status"`
	Wallet    string     `json:"wallet"`
	Bank      BankRef    `json:"bank"`
	Recipient string     `json:"recipient_full_name"`
	Amount    AmountSet  `json:"amount"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`

	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw payload alongside the typed fields.
func (p *Payout) UnmarshalJSON(data []byte) error {
	type alias Payout
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Payout(a)
	p.Raw = append([]byte(nil), data...)
	return nil
}

// AmountMinor returns the RUB amount in integer minor units, zero when
// the platform has not revealed it yet.
func (p *Payout) AmountMinor() int64 {
	return p.Amount.Minor("RUB")
}

// PayoutPage is one page of the payout listing.
type PayoutPage struct {
	Data        []Payout `json:"data"`
	Total       int      `json:"total"`
	CurrentPage int      `json:"current_page"`
	NextPageURL string   `json:"next_page_url"`
}

// BankRef decodes the bank field, which arrives either as an object
// {"name": …} or as a bare string.
type BankRef struct {
	Name string
}

func (b *BankRef) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "{") {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		b.Name = obj.Name
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	b.Name = name
	return nil
}

// AmountSet decodes {"trader": {"RUB": "15000.00", "USDT": …}} style
// amount maps; values arrive as numbers or strings.
type AmountSet struct {
	Trader map[string]FlexString `json:"trader"`
}

// Minor returns the amount for one currency in integer minor units.
func (a AmountSet) Minor(currency string) int64 {
	v, ok := a.Trader[currency]
	if !ok {
		return 0
	}
	s := string(v)
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
	f, _ := strconv.ParseInt(frac, 10, 64)
	return n*100 + f
}

// FlexString tolerates numeric or string JSON values.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = FlexString(v)
		return nil
	}
	*f = FlexString(s)
	return nil
}
