package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "p2pd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAlone(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Automation.Mode)
	assert.False(t, cfg.Orchestrator.StartPaused)
	assert.Equal(t, 5, cfg.Orchestrator.FailureBudget)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.Intervals.WorkAcceptor)
	assert.Equal(t, time.Second, cfg.Orchestrator.Intervals.OrderChecker)
	assert.Equal(t, int64(10_000_000), cfg.Gate.DefaultBalance)
	assert.Equal(t, 4, cfg.Receipts.MaxConcurrentExtractions)

	codes := cfg.Gate.StatusCodeMap()
	assert.Equal(t, "pending", codes[4])
	assert.Equal(t, "accepted_waiting", codes[5])
	assert.Equal(t, "completed", codes[7])
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[orchestrator]
start_paused = true

[orchestrator.intervals]
work_acceptor = "1m"

[automation]
mode = "manual"

[gate.status_codes]
4 = "pending"
9 = "frozen"

[[bybit.accounts]]
id = "b1"
api_key = "k"
api_secret = "s"
price = "79.50"
payment_ids = ["382"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Orchestrator.StartPaused)
	assert.Equal(t, time.Minute, cfg.Orchestrator.Intervals.WorkAcceptor)
	assert.Equal(t, "manual", cfg.Automation.Mode)
	assert.Equal(t, "frozen", cfg.Gate.StatusCodeMap()[9])

	require.Len(t, cfg.Bybit.Accounts, 1)
	acc := cfg.Bybit.Accounts[0]
	assert.Equal(t, 1, acc.MaxActiveAds, "per-account default applies")
	assert.Equal(t, "USDT", acc.TokenID)
	assert.Equal(t, "RUB", acc.CurrencyID)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("P2PD_MODE", "manual")
	t.Setenv("P2PD_DATABASE_URL", "postgres://p2pd@localhost/p2pd")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "manual", cfg.Automation.Mode)
	assert.Equal(t, "postgres://p2pd@localhost/p2pd", cfg.Database.URL)
}

func TestValidationRejectsBadMode(t *testing.T) {
	path := writeConfig(t, `
[automation]
mode = "yolo"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation.mode")
}

func TestValidationRejectsDuplicateAccountIDs(t *testing.T) {
	path := writeConfig(t, `
[[gate.accounts]]
id = "a1"
login = "l"
password = "p"

[[bybit.accounts]]
id = "a1"
api_key = "k"
api_secret = "s"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate account id")
}

func TestValidationRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
[[gate.accounts]]
id = "g1"
login = "l"
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing credentials")
}

func TestMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
