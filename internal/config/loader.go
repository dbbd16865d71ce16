package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration in priority order: defaults, the TOML
// file, then P2PD_-prefixed environment variables. An empty path skips
// the file and runs on defaults plus environment, which is how tests
// and one-off tooling use it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("P2PD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short-form overrides used by deployment tooling.
	v.BindEnv("automation.mode", "P2PD_MODE")
	v.BindEnv("external_ip", "P2PD_EXTERNAL_IP")
	v.BindEnv("database.url", "P2PD_DATABASE_URL", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = path

	applyAccountDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyAccountDefaults fills per-account fields the file may omit.
func applyAccountDefaults(cfg *Config) {
	for i := range cfg.Bybit.Accounts {
		acc := &cfg.Bybit.Accounts[i]
		if acc.MaxActiveAds == 0 {
			acc.MaxActiveAds = 1
		}
		if acc.TokenID == "" {
			acc.TokenID = "USDT"
		}
		if acc.CurrencyID == "" {
			acc.CurrencyID = "RUB"
		}
	}
}
