package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/config"
)

var sweepFlags struct {
	timeout time.Duration
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one refill sweep and exit",
	Long: `Sweep scans every auto-refill pool once, refills the ones whose
interval has elapsed, and prints the result. Useful for cron-driven
deployments and for forcing a refill pass outside the schedule.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepFlags.timeout, "timeout", time.Minute, "maximum sweep duration")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)

	manager, _, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sweepFlags.timeout)
	defer cancel()

	start := time.Now()
	stats, err := manager.RunSweep(ctx)
	closeErr := manager.Close(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("shutdown failed: %w", closeErr)
	}

	fmt.Printf("Sweep complete in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Scanned:  %d\n", stats.Scanned)
	fmt.Printf("  Refilled: %d\n", stats.Refilled)
	fmt.Printf("  Errors:   %d\n", stats.Errors)
	return nil
}
