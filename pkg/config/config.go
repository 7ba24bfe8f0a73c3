package config

import "time"

// Config is the root configuration structure for the accounting
// engine.
type Config struct {
	// Storage configures the balance and ledger backends.
	Storage StorageConfig `yaml:"storage"`

	// Spend configures the optimistic spend path.
	Spend SpendConfig `yaml:"spend"`

	// Refill configures the scheduled refill sweep.
	Refill RefillConfig `yaml:"refill"`

	// Alerts configures budget alert thresholds.
	Alerts AlertsConfig `yaml:"alerts"`

	// Pricing configures the token pricing table.
	Pricing PricingConfig `yaml:"pricing"`

	// Tasks configures the detached-task queue.
	Tasks TasksConfig `yaml:"tasks"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and locates the persistence backends.
type StorageConfig struct {
	// Backend selects the storage implementation: "memory" or
	// "sqlite". Default: "sqlite".
	Backend string `yaml:"backend"`

	// BalancePath is the SQLite database file for balance records.
	// Default: "data/balances.db"
	BalancePath string `yaml:"balance_path"`

	// LedgerPath is the SQLite database file for the transaction
	// ledger. Default: "data/ledger.db"
	LedgerPath string `yaml:"ledger_path"`
}

// SpendConfig shapes the spend path.
type SpendConfig struct {
	// Strict denies spends that no limit governs instead of the
	// default unmetered allow. Default: false
	Strict bool `yaml:"strict"`

	// MaxTries bounds the optimistic retry loop. Default: 10
	MaxTries uint `yaml:"max_tries"`

	// InitialBackoff is the first conflict retry delay. Default: 50ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the conflict retry delay. Default: 2s
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RefillConfig drives the scheduled sweep.
type RefillConfig struct {
	// SweepSchedule is a five-field cron expression. Empty disables
	// the sweeper. Default: "*/5 * * * *"
	SweepSchedule string `yaml:"sweep_schedule"`

	// Timezone is the schedule's IANA timezone name. Default: "UTC"
	Timezone string `yaml:"timezone"`
}

// AlertsConfig sets the consumed-percentage thresholds.
type AlertsConfig struct {
	// Thresholds are percentages in (0, 100]. Default: [50, 80, 95]
	Thresholds []int `yaml:"thresholds"`
}

// PricingConfig locates the pricing table.
type PricingConfig struct {
	// Path is the YAML pricing table file. Default: "pricing.yaml"
	Path string `yaml:"path"`

	// Watch reloads the table when the file changes. Default: true
	Watch bool `yaml:"watch"`
}

// TasksConfig bounds the detached-task queue.
type TasksConfig struct {
	// QueueSize is the queue capacity. Default: 1024
	QueueSize int `yaml:"queue_size"`

	// Workers is the number of draining goroutines. Default: 2
	Workers int `yaml:"workers"`

	// TaskTimeout bounds each task's execution. Default: 30s
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "json" or "text". Default: "json"
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true. Default: true
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the metrics server address.
	// Default: "127.0.0.1:9090"
	ListenAddress string `yaml:"listen_address"`

	// Path is the metrics endpoint path. Default: "/metrics"
	Path string `yaml:"path"`
}
