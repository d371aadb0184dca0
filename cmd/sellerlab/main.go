// Package main provides the CLI entry point for the sellerlab daemon.
//
// sellerlab runs controlled price, advertising, and content experiments
// against a marketplace seller account: it executes a proposed change,
// captures baseline metrics, waits out the experiment window, and asks the
// operator over Telegram whether to keep or roll back the change.
//
// # Basic Usage
//
// Start the daemon:
//
//	sellerlab serve --config sellerlab.yaml
//
// Run the due-review sweep once and exit:
//
//	sellerlab sweep --config sellerlab.yaml
//
// Create the database schema:
//
//	sellerlab migrate --config sellerlab.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sellerlab",
		Short: "sellerlab - marketplace experiment engine",
		Long: `sellerlab runs controlled experiments on a marketplace seller account.

Price, advertising, and content changes go through an explicit lifecycle:
proposed, approved by the operator, measured against a baseline, and either
kept or rolled back after review.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSweepCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
