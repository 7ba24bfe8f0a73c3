package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific
// configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field
	// (e.g. "refill.sweep_schedule").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a
// configuration.
type ValidationError struct {
	// Errors contains all validation errors found.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a
// ValidationError if any rules fail. All errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateRefill(&cfg.Refill)...)
	errs = append(errs, validateAlerts(&cfg.Alerts)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("must be \"memory\" or \"sqlite\", got %q", cfg.Backend),
		})
	}

	if cfg.Backend == "sqlite" {
		if cfg.BalancePath == "" {
			errs = append(errs, FieldError{
				Field:   "storage.balance_path",
				Message: "required for the sqlite backend",
			})
		}
		if cfg.LedgerPath == "" {
			errs = append(errs, FieldError{
				Field:   "storage.ledger_path",
				Message: "required for the sqlite backend",
			})
		}
	}

	return errs
}

func validateRefill(cfg *RefillConfig) []FieldError {
	var errs []FieldError

	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			errs = append(errs, FieldError{
				Field:   "refill.sweep_schedule",
				Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.SweepSchedule, err),
			})
		}
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, FieldError{
				Field:   "refill.timezone",
				Message: fmt.Sprintf("unknown timezone %q", cfg.Timezone),
			})
		}
	}

	return errs
}

func validateAlerts(cfg *AlertsConfig) []FieldError {
	var errs []FieldError

	seen := make(map[int]bool)
	for _, threshold := range cfg.Thresholds {
		if threshold <= 0 || threshold > 100 {
			errs = append(errs, FieldError{
				Field:   "alerts.thresholds",
				Message: fmt.Sprintf("threshold %d out of range (0, 100]", threshold),
			})
			continue
		}
		if seen[threshold] {
			errs = append(errs, FieldError{
				Field:   "alerts.thresholds",
				Message: fmt.Sprintf("duplicate threshold %d", threshold),
			})
		}
		seen[threshold] = true
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) []FieldError {
	var errs []FieldError

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", cfg.Level),
		})
	}

	switch cfg.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be \"json\" or \"text\", got %q", cfg.Format),
		})
	}

	return errs
}
