package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example p2pd.toml",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(exampleConfig)
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd)
	rootCmd.AddCommand(configCmd)
}

const exampleConfig = `data_dir = "./data"

[orchestrator]
start_paused = false
failure_budget = 5

[orchestrator.intervals]
work_acceptor = "5m"
ad_creator = "10s"
order_checker = "1s"
chat_processor = "2s"
receipt_processor = "10s"
successer = "5s"
account_refresher = "1m"
gate_balance_setter = "4h"
stats_reporter = "30s"
instant_monitor = "15s"

[automation]
# "auto" accepts every payout; "manual" waits for the operator.
mode = "auto"

[gate]
base_url = "https://panel.example.com/api/v1"
default_balance = 10000000

[gate.status_codes]
1 = "created"
2 = "accepted"
3 = "rejected"
4 = "pending"
5 = "accepted_waiting"
7 = "completed"

[[gate.accounts]]
id = "gate-main"
login = "trader@example.com"
password = "secret"

[bybit]
base_url = "https://api.bybit.com"

[[bybit.accounts]]
id = "bybit-main"
api_key = "KEY"
api_secret = "SECRET"
max_active_ads = 1
price = "100.00"
payment_ids = ["382"]
token_id = "USDT"
currency_id = "RUB"

[email]
base_url = "https://mail-vendor.example.com/api"
token = "TOKEN"
inbox_id = "inbox-1"
trusted_senders = ["sberbank.ru"]

[receipts]
max_concurrent_extractions = 4

[database]
# Empty uses sqlite under data_dir; a postgres:// URL switches drivers.
url = ""

[events]
listen_addr = ":8090"
`
