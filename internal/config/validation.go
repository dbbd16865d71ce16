package config

import (
	"fmt"
	"strconv"
)

// ValidateConfig checks the loaded configuration for mistakes that
// would otherwise surface as confusing runtime failures.
func ValidateConfig(cfg *Config) error {
	if cfg.Automation.Mode != "auto" && cfg.Automation.Mode != "manual" {
		return fmt.Errorf("automation.mode must be auto or manual, got %q", cfg.Automation.Mode)
	}

	seen := map[string]bool{}
	for _, acc := range cfg.Gate.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("gate account missing id")
		}
		if seen[acc.ID] {
			return fmt.Errorf("duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true
		if acc.Login == "" || acc.Password == "" {
			return fmt.Errorf("gate account %q missing credentials", acc.ID)
		}
	}
	for _, acc := range cfg.Bybit.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("bybit account missing id")
		}
		if seen[acc.ID] {
			return fmt.Errorf("duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true
		if acc.APIKey == "" || acc.APISecret == "" {
			return fmt.Errorf("bybit account %q missing api credentials", acc.ID)
		}
		if acc.MaxActiveAds < 1 {
			return fmt.Errorf("bybit account %q: max_active_ads must be >= 1", acc.ID)
		}
	}

	for code := range cfg.Gate.StatusCodes {
		if _, err := strconv.Atoi(code); err != nil {
			return fmt.Errorf("gate.status_codes: key %q is not an integer code", code)
		}
	}

	if cfg.Receipts.MaxConcurrentExtractions < 1 {
		return fmt.Errorf("receipts.max_concurrent_extractions must be >= 1")
	}

	iv := cfg.Orchestrator.Intervals
	if iv.WorkAcceptor <= 0 || iv.AdCreator <= 0 || iv.OrderChecker <= 0 ||
		iv.ChatProcessor <= 0 || iv.ReceiptProcessor <= 0 || iv.Successer <= 0 {
		return fmt.Errorf("orchestrator.intervals must all be positive")
	}
	return nil
}

// StatusCodeMap converts the string-keyed TOML table into integer
// codes.
func (g *GateConfig) StatusCodeMap() map[int]string {
	out := make(map[int]string, len(g.StatusCodes))
	for k, v := range g.StatusCodes {
		code, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[code] = v
	}
	return out
}
