package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terminal-bench/settlegate/internal/auth"
	"github.com/terminal-bench/settlegate/internal/config"
	"github.com/terminal-bench/settlegate/internal/dispute"
	"github.com/terminal-bench/settlegate/internal/journal"
	money "github.com/terminal-bench/settlegate/pkg/decimal"
)

func unroutableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unroutable",
		Short: "List disputes waiting for manual assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openLedger(ctx, config.Load(), cliLogger(cmd))
			if err != nil {
				return err
			}
			defer closeFn()

			limit, _ := cmd.Flags().GetInt("limit")
			disputes, err := store.ListDisputes(ctx, dispute.StatusUnroutable, limit)
			if err != nil {
				return err
			}
			if len(disputes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no unroutable disputes")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tAMOUNT\tCLAIMANT\tHANDLE\tREFERENCE\tFILED")
			for _, d := range disputes {
				ref := d.TransactionReference
				if ref == "" {
					ref = d.OrderReference
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Type, money.Format(d.Amount), d.ClaimantID, d.PaymentHandle, ref, d.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Maximum results")
	return cmd
}

func assignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign [dispute-id] [responsible-id]",
		Short: "Manually route a dispute to a counter-party",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dispute id: %w", err)
			}

			ctx := cmd.Context()
			logger := cliLogger(cmd)
			store, closeFn, err := openLedger(ctx, config.Load(), logger)
			if err != nil {
				return err
			}
			defer closeFn()

			svc := dispute.NewService(store, store, nil, journal.New(store, nil, nil, logger), logger)
			d, err := svc.Assign(ctx, dispute.AssignRequest{DisputeID: id, ResponsibleID: args[1], OperatorID: "settlectl"})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispute %s routed to %s\n", d.ID, d.ResponsibleID)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [principal-id] [role]",
		Short: "Issue a signed API token for local testing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := auth.ParseRole(args[1])
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.NewService(config.Load().JWTSecret, ttl).Issue(args[0], role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
