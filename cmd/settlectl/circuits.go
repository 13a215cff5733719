package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/journal"
	"github.com/terminal-bench/settlegate/pkg/circuit"
)

func circuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Evaluate and show per-bank circuit state",
		Long: `Evaluate the per-bank failure circuits against recent transaction
outcomes, persist the result and print it. Transitions found by the
evaluation are journaled exactly as the gateway would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			logger := cliLogger(cmd)

			store, closeFn, err := openLedger(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			source, closeSource, err := config.OpenSource(cfg)
			if err != nil {
				logger.WithError(err).Warn("config source unavailable, using defaults")
				source = nil
			}
			defer closeSource()
			settings := config.NewResolver(source, cfg.WeightSet, cfg.ConfigTimeout, logger).Resolve(ctx)

			snap, transitions, err := circuit.NewTracker(store).Refresh(ctx, settings.Circuit)
			if err != nil {
				return err
			}
			journal.New(store, nil, nil, logger).RecordTransitions(ctx, transitions)

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Records())
			}
			printCircuits(cmd.OutOrStdout(), snap, transitions)
			return nil
		},
	}
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	return cmd
}

func printCircuits(out io.Writer, snap *circuit.Snapshot, transitions []circuit.Transition) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BANK\tSTATE\tFAILURE RATE\tSAMPLES\tTEST ATTEMPTS\tSINCE")
	for _, r := range snap.Records() {
		since := "-"
		switch {
		case r.TrippedAt != nil:
			since = r.TrippedAt.Format(time.RFC3339)
		case r.HalfOpenAt != nil:
			since = r.HalfOpenAt.Format(time.RFC3339)
		case r.ClosedAt != nil:
			since = r.ClosedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%d\t%d\t%s\n", r.Bank, r.State, r.FailureRate*100, r.Samples, r.TestAttempts, since)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%s\n", snap.Summary())
	for _, t := range transitions {
		fmt.Fprintf(out, "  %s: %s -> %s\n", t.Bank, t.From, t.To)
	}
}
