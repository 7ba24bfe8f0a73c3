package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Tally - token balance and auto-refill accounting engine",
	Long: `Tally is the credit accounting engine of a multi-tenant AI-chat
platform. It meters per-user, per-endpoint token spend against credit
pools with optimistic concurrency, refills them on schedule or on
demand, raises budget threshold alerts, and records every balance
mutation in an append-only ledger.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tally.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
