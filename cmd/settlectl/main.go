package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/ledger"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tooling for the settlement gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(circuitsCmd())
	rootCmd.AddCommand(weightsCmd())
	rootCmd.AddCommand(unroutableCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(resetVolumeCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliLogger writes human readable warnings to stderr
func cliLogger(cmd *cobra.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.WarnLevel)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func openLedger(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ledger.Ledger, func(), error) {
	db, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewLedger(db, logger), func() { db.Close() }, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openLedger(ctx, config.Load(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func resetVolumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-volume",
		Short: "Zero the daily volume counters of every endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openLedger(ctx, config.Load(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := store.ResetDailyVolume(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d endpoints\n", n)
			return nil
		},
	}
}
