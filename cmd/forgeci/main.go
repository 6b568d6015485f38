package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forgeci/internal/failure"
)

var (
	// Global flags
	verbose bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forgeci",
	Short: "forgeci - test orchestration and build verification for cross toolchains",
	Long: `forgeci schedules interdependent build and test jobs for a
cross-compiling toolchain: it partitions large test corpora into balanced
parallel shards using historical timing data, verifies that alternate build
configurations produce byte-identical artifacts, and aggregates raw test
output into structured per-job reports.

The process exit status always reflects execution results; report formatting
never masks a failed run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forgeci: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}
