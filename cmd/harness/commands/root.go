package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "OpenHarness - Agent Run Execution Core",
		Long: `OpenHarness executes agent task runs: ordered steps dispatched to external
providers under per-call policy checks, with idempotent submission, approval
gates, retry with circuit breaking, artifact staging, and a tamper-evident
audit ledger covering every accepted mutation.

Features:
  - Idempotent run submission (insert-if-absent keyed submissions)
  - Explicit lifecycle state machine with optimistic concurrency
  - Per-target queues, exponential backoff, circuit breakers
  - Human approval gates for sensitive steps
  - Hash-chained audit ledger with range verification
  - Fail-closed policy engine with hot-reloaded YAML rules`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}
