// Package config loads the daemon configuration from TOML with
// environment overrides.
package config

import "time"

// Config is the complete daemon configuration, mirroring p2pd.toml.
type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator" mapstructure:"orchestrator"`
	Automation   AutomationConfig   `toml:"automation" mapstructure:"automation"`
	Gate         GateConfig         `toml:"gate" mapstructure:"gate"`
	Bybit        BybitConfig        `toml:"bybit" mapstructure:"bybit"`
	Email        EmailConfig        `toml:"email" mapstructure:"email"`
	Receipts     ReceiptsConfig     `toml:"receipts" mapstructure:"receipts"`
	Database     DatabaseConfig     `toml:"database" mapstructure:"database"`
	Events       EventsConfig       `toml:"events" mapstructure:"events"`
	DataDir      string             `toml:"data_dir" mapstructure:"data_dir"`
	ExternalIP   string             `toml:"external_ip" mapstructure:"external_ip"`

	configPath string `toml:"-" mapstructure:"-"`
}

// ConfigPath returns the file the configuration was loaded from.
func (c *Config) ConfigPath() string { return c.configPath }

// OrchestratorConfig controls the task scheduler.
type OrchestratorConfig struct {
	// StartPaused boots with the periodic ticker disabled; tasks only
	// run when triggered by an operator.
	StartPaused bool            `toml:"start_paused" mapstructure:"start_paused"`
	Intervals   IntervalsConfig `toml:"intervals" mapstructure:"intervals"`
	// FailureBudget is the consecutive-failure count after which a
	// task's interval is widened by exponential backoff.
	FailureBudget int `toml:"failure_budget" mapstructure:"failure_budget"`
}

// IntervalsConfig holds per-task tick intervals.
type IntervalsConfig struct {
	WorkAcceptor      time.Duration `toml:"work_acceptor" mapstructure:"work_acceptor"`
	AdCreator         time.Duration `toml:"ad_creator" mapstructure:"ad_creator"`
	OrderChecker      time.Duration `toml:"order_checker" mapstructure:"order_checker"`
	ChatProcessor     time.Duration `toml:"chat_processor" mapstructure:"chat_processor"`
	ReceiptProcessor  time.Duration `toml:"receipt_processor" mapstructure:"receipt_processor"`
	Successer         time.Duration `toml:"successer" mapstructure:"successer"`
	AccountRefresher  time.Duration `toml:"account_refresher" mapstructure:"account_refresher"`
	GateBalanceSetter time.Duration `toml:"gate_balance_setter" mapstructure:"gate_balance_setter"`
	StatsReporter     time.Duration `toml:"stats_reporter" mapstructure:"stats_reporter"`
	InstantMonitor    time.Duration `toml:"instant_monitor" mapstructure:"instant_monitor"`
}

// AutomationConfig selects how much of the flow runs unattended.
type AutomationConfig struct {
	// Mode is "auto" (accept everything) or "manual" (payout acceptance
	// goes through the operator prompt).
	Mode string `toml:"mode" mapstructure:"mode"`
}

// GateConfig covers the payment-disbursement platform.
type GateConfig struct {
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
	// DefaultBalance is re-asserted periodically; the platform drops
	// the working balance on its own schedule.
	DefaultBalance int64 `toml:"default_balance" mapstructure:"default_balance"`
	// StatusCodes maps the platform's integer payout status codes to
	// actions. Unknown codes are non-actionable.
	StatusCodes map[string]string   `toml:"status_codes" mapstructure:"status_codes"`
	Accounts    []GateAccountConfig `toml:"accounts" mapstructure:"accounts"`
}

// GateAccountConfig is one set of payment-platform credentials.
type GateAccountConfig struct {
	ID       string `toml:"id" mapstructure:"id"`
	Login    string `toml:"login" mapstructure:"login"`
	Password string `toml:"password" mapstructure:"password"`
}

// BybitConfig covers the exchange.
type BybitConfig struct {
	BaseURL           string               `toml:"base_url" mapstructure:"base_url"`
	PollingIntervalMs int                  `toml:"polling_interval_ms" mapstructure:"polling_interval_ms"`
	MaxRetries        int                  `toml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs      int                  `toml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	Accounts          []BybitAccountConfig `toml:"accounts" mapstructure:"accounts"`
}

// BybitAccountConfig is one exchange account.
type BybitAccountConfig struct {
	ID        string `toml:"id" mapstructure:"id"`
	APIKey    string `toml:"api_key" mapstructure:"api_key"`
	APISecret string `toml:"api_secret" mapstructure:"api_secret"`
	// MaxActiveAds caps concurrent advertisements on this account.
	MaxActiveAds int `toml:"max_active_ads" mapstructure:"max_active_ads"`
	// Price is the fixed ad price in fiat per unit of the asset.
	Price string `toml:"price" mapstructure:"price"`
	// PaymentIDs are the exchange-side payment method ids attached to
	// created ads.
	PaymentIDs []string `toml:"payment_ids" mapstructure:"payment_ids"`
	Remark     string   `toml:"remark" mapstructure:"remark"`
	TokenID    string   `toml:"token_id" mapstructure:"token_id"`
	CurrencyID string   `toml:"currency_id" mapstructure:"currency_id"`
}

// EmailConfig covers the receipt inbox vendor API.
type EmailConfig struct {
	BaseURL        string   `toml:"base_url" mapstructure:"base_url"`
	Token          string   `toml:"token" mapstructure:"token"`
	InboxID        string   `toml:"inbox_id" mapstructure:"inbox_id"`
	TrustedSenders []string `toml:"trusted_senders" mapstructure:"trusted_senders"`
}

// ReceiptsConfig controls PDF handling.
type ReceiptsConfig struct {
	MaxConcurrentExtractions int    `toml:"max_concurrent_extractions" mapstructure:"max_concurrent_extractions"`
	BlobDir                  string `toml:"blob_dir" mapstructure:"blob_dir"`
}

// DatabaseConfig selects the SQL backend. A postgres:// URL selects
// the postgres driver, anything else is treated as a sqlite path.
type DatabaseConfig struct {
	URL string `toml:"url" mapstructure:"url"`
}

// EventsConfig controls the operator WebSocket endpoint.
type EventsConfig struct {
	ListenAddr string `toml:"listen_addr" mapstructure:"listen_addr"`
}
