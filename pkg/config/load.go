package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file at the specified
// path. It applies default values, validates the configuration, and
// returns any errors. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention TALLY_SECTION_FIELD (e.g. TALLY_REFILL_SWEEP_SCHEDULE)
// and always take precedence over file values.
//
// The loading sequence is:
//  1. Load YAML from file
//  2. Apply default values
//  3. Apply environment variable overrides
//  4. Validate the final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies TALLY_SECTION_FIELD environment variable
// overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Storage overrides
	if val := os.Getenv("TALLY_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("TALLY_STORAGE_BALANCE_PATH"); val != "" {
		cfg.Storage.BalancePath = val
	}
	if val := os.Getenv("TALLY_STORAGE_LEDGER_PATH"); val != "" {
		cfg.Storage.LedgerPath = val
	}

	// Spend overrides
	if val := os.Getenv("TALLY_SPEND_STRICT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Spend.Strict = b
		}
	}
	if val := os.Getenv("TALLY_SPEND_MAX_TRIES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil && n > 0 {
			cfg.Spend.MaxTries = uint(n)
		}
	}
	if val := os.Getenv("TALLY_SPEND_INITIAL_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Spend.InitialBackoff = d
		}
	}
	if val := os.Getenv("TALLY_SPEND_MAX_BACKOFF"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Spend.MaxBackoff = d
		}
	}

	// Refill overrides
	if val := os.Getenv("TALLY_REFILL_SWEEP_SCHEDULE"); val != "" {
		cfg.Refill.SweepSchedule = val
	}
	if val := os.Getenv("TALLY_REFILL_TIMEZONE"); val != "" {
		cfg.Refill.Timezone = val
	}

	// Alerts overrides: comma-separated list, e.g. "50,80,95"
	if val := os.Getenv("TALLY_ALERTS_THRESHOLDS"); val != "" {
		if thresholds, ok := parseThresholds(val); ok {
			cfg.Alerts.Thresholds = thresholds
		}
	}

	// Pricing overrides
	if val := os.Getenv("TALLY_PRICING_PATH"); val != "" {
		cfg.Pricing.Path = val
	}
	if val := os.Getenv("TALLY_PRICING_WATCH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Pricing.Watch = b
		}
	}

	// Tasks overrides
	if val := os.Getenv("TALLY_TASKS_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Tasks.QueueSize = n
		}
	}
	if val := os.Getenv("TALLY_TASKS_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Tasks.Workers = n
		}
	}

	// Logging overrides
	if val := os.Getenv("TALLY_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("TALLY_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	// Metrics overrides
	if val := os.Getenv("TALLY_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("TALLY_METRICS_LISTEN_ADDRESS"); val != "" {
		cfg.Metrics.ListenAddress = val
	}
}

// parseThresholds parses a comma-separated integer list. A single
// malformed element rejects the whole override.
func parseThresholds(val string) ([]int, bool) {
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
