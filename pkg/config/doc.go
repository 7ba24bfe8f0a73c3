// Package config provides configuration management for the accounting
// engine.
//
// Configuration is loaded from a YAML file with sensible defaults and
// optional environment variable overrides:
//
//	cfg, err := config.LoadConfig("tally.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("tally.yaml")
//
// Environment variables follow the naming convention
// TALLY_SECTION_FIELD (e.g. TALLY_STORAGE_BALANCE_PATH,
// TALLY_REFILL_SWEEP_SCHEDULE) and always take precedence over file
// values. The final configuration is validated after overrides are
// applied.
package config
