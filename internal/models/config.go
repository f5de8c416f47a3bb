package models

// Config holds the process-level engine configuration. Per-bot parameters
// live in BotConfig records inside the store; this is only the shared
// environment: endpoints, store path, limits, logging.
type Config struct {
	DBPath string `json:"db_path"`

	LiveAPIURL       string `json:"live_api_url"`
	LiveWSURL        string `json:"live_ws_url"`
	LiveFuturesURL   string `json:"live_futures_url"`
	TestnetAPIURL    string `json:"testnet_api_url"`
	TestnetWSURL     string `json:"testnet_ws_url"`
	TestnetFuturesURL string `json:"testnet_futures_url"`

	// Rate governor caps, conservative versions of the venue limits.
	WeightPerMinute int `json:"weight_per_minute"`
	OrdersPerTenSec int `json:"orders_per_ten_sec"`

	// Bounded waits and intervals (seconds).
	OrderCallTimeoutSec    int `json:"order_call_timeout_sec"`
	KillSwitchPollSec      int `json:"kill_switch_poll_sec"`
	ListenKeyRenewSec      int `json:"listen_key_renew_sec"`
	ReporterIntervalSec    int `json:"reporter_interval_sec"`
	RecoveryMaxAttempts    int `json:"recovery_max_attempts"`
	SubscriberQueueSize    int `json:"subscriber_queue_size"`

	LogConfig LogConfig `json:"log"`
}

// LogConfig defines logging output, rotation and level.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"` // "console", "file", "both"
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// ApplyDefaults fills unset limits and intervals.
func (c *Config) ApplyDefaults() {
	if c.WeightPerMinute == 0 {
		c.WeightPerMinute = 2400
	}
	if c.OrdersPerTenSec == 0 {
		c.OrdersPerTenSec = 80
	}
	if c.OrderCallTimeoutSec == 0 {
		c.OrderCallTimeoutSec = 10
	}
	if c.KillSwitchPollSec == 0 {
		c.KillSwitchPollSec = 2
	}
	if c.ListenKeyRenewSec == 0 {
		c.ListenKeyRenewSec = 1800
	}
	if c.ReporterIntervalSec == 0 {
		c.ReporterIntervalSec = 30
	}
	if c.RecoveryMaxAttempts == 0 {
		c.RecoveryMaxAttempts = 5
	}
	if c.SubscriberQueueSize == 0 {
		c.SubscriberQueueSize = 256
	}
}
