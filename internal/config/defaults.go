package config

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaults sets every default the daemon can run with out of the
// box; credentials are the only mandatory configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	// Orchestrator defaults
	v.SetDefault("orchestrator.start_paused", false)
	v.SetDefault("orchestrator.failure_budget", 5)
	v.SetDefault("orchestrator.intervals.work_acceptor", 5*time.Minute)
	v.SetDefault("orchestrator.intervals.ad_creator", 10*time.Second)
	v.SetDefault("orchestrator.intervals.order_checker", time.Second)
	v.SetDefault("orchestrator.intervals.chat_processor", 2*time.Second)
	v.SetDefault("orchestrator.intervals.receipt_processor", 10*time.Second)
	v.SetDefault("orchestrator.intervals.successer", 5*time.Second)
	v.SetDefault("orchestrator.intervals.account_refresher", time.Minute)
	v.SetDefault("orchestrator.intervals.gate_balance_setter", 4*time.Hour)
	v.SetDefault("orchestrator.intervals.stats_reporter", 30*time.Second)
	v.SetDefault("orchestrator.intervals.instant_monitor", 15*time.Second)

	v.SetDefault("automation.mode", "auto")

	// Gate defaults
	v.SetDefault("gate.default_balance", int64(10_000_000))
	v.SetDefault("gate.status_codes", map[string]string{
		"1": "created",
		"2": "accepted",
		"3": "rejected",
		"4": "pending",
		"5": "accepted_waiting",
		"7": "completed",
	})

	// Bybit defaults
	v.SetDefault("bybit.base_url", "https://api.bybit.com")
	v.SetDefault("bybit.polling_interval_ms", 1000)
	v.SetDefault("bybit.max_retries", 3)
	v.SetDefault("bybit.retry_delay_ms", 500)

	// Receipt defaults
	v.SetDefault("receipts.max_concurrent_extractions", 4)
	v.SetDefault("receipts.blob_dir", "")

	v.SetDefault("database.url", "")
	v.SetDefault("events.listen_addr", ":8090")
}
