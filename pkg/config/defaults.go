package config

import "time"

// Default values for configuration fields.
const (
	// Storage defaults
	DefaultStorageBackend = "sqlite"
	DefaultBalancePath    = "data/balances.db"
	DefaultLedgerPath     = "data/ledger.db"

	// Spend defaults
	DefaultSpendMaxTries       = uint(10)
	DefaultSpendInitialBackoff = 50 * time.Millisecond
	DefaultSpendMaxBackoff     = 2 * time.Second

	// Refill defaults
	DefaultSweepSchedule = "*/5 * * * *"
	DefaultTimezone      = "UTC"

	// Pricing defaults
	DefaultPricingPath  = "pricing.yaml"
	DefaultPricingWatch = true

	// Tasks defaults
	DefaultTaskQueueSize = 1024
	DefaultTaskWorkers   = 2
	DefaultTaskTimeout   = 30 * time.Second

	// Logging defaults
	DefaultLoggingLevel  = "info"
	DefaultLoggingFormat = "json"

	// Metrics defaults
	DefaultMetricsEnabled = true
	DefaultMetricsAddress = "127.0.0.1:9090"
	DefaultMetricsPath    = "/metrics"
)

// DefaultAlertThresholds are the consumed-percentage thresholds used
// when none are configured.
var DefaultAlertThresholds = []int{50, 80, 95}

// ApplyDefaults fills in default values for any unset configuration
// fields. It is called automatically by LoadConfig.
func ApplyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.BalancePath == "" {
		cfg.Storage.BalancePath = DefaultBalancePath
	}
	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = DefaultLedgerPath
	}

	if cfg.Spend.MaxTries == 0 {
		cfg.Spend.MaxTries = DefaultSpendMaxTries
	}
	if cfg.Spend.InitialBackoff <= 0 {
		cfg.Spend.InitialBackoff = DefaultSpendInitialBackoff
	}
	if cfg.Spend.MaxBackoff <= 0 {
		cfg.Spend.MaxBackoff = DefaultSpendMaxBackoff
	}

	if cfg.Refill.SweepSchedule == "" {
		cfg.Refill.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Refill.Timezone == "" {
		cfg.Refill.Timezone = DefaultTimezone
	}

	if len(cfg.Alerts.Thresholds) == 0 {
		cfg.Alerts.Thresholds = append([]int(nil), DefaultAlertThresholds...)
	}

	// Watch defaults to true only when the pricing section is unset;
	// an explicit path with watch omitted means watch off.
	if cfg.Pricing.Path == "" {
		cfg.Pricing.Path = DefaultPricingPath
		if !cfg.Pricing.Watch {
			cfg.Pricing.Watch = DefaultPricingWatch
		}
	}

	if cfg.Tasks.QueueSize <= 0 {
		cfg.Tasks.QueueSize = DefaultTaskQueueSize
	}
	if cfg.Tasks.Workers <= 0 {
		cfg.Tasks.Workers = DefaultTaskWorkers
	}
	if cfg.Tasks.TaskTimeout <= 0 {
		cfg.Tasks.TaskTimeout = DefaultTaskTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLoggingLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = DefaultLoggingFormat
	}

	// Metrics default to enabled only when the whole section is unset.
	if !cfg.Metrics.Enabled {
		hasAnyConfig := cfg.Metrics.ListenAddress != "" || cfg.Metrics.Path != ""
		if !hasAnyConfig {
			cfg.Metrics.Enabled = DefaultMetricsEnabled
		}
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}
