package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terminal-bench/settlegate/internal/config"
)

func weightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Inspect and update selection weight sets",
	}
	cmd.PersistentFlags().StringP("set", "s", "", "Weight set name (default $WEIGHT_SET)")
	cmd.AddCommand(weightsGetCmd())
	cmd.AddCommand(weightsSetCmd())
	return cmd
}

func weightSet(cmd *cobra.Command, cfg *config.Config) string {
	if set, _ := cmd.Flags().GetString("set"); set != "" {
		return set
	}
	return cfg.WeightSet
}

func weightsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the effective settings of a weight set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger := cliLogger(cmd)

			source, closeSource, err := config.OpenSource(cfg)
			if err != nil {
				return err
			}
			defer closeSource()

			settings := config.NewResolver(source, weightSet(cmd, cfg), cfg.ConfigTimeout, logger).Resolve(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(settings)
		},
	}
}

func weightsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set [file]",
		Short: "Store overrides for a weight set from a YAML or JSON file",
		Long: `Store overrides for a weight set in the configured redis or etcd
backend. Only the fields present in the file are overridden, for example:

  min_score: 25
  weights:
    capacity: 30
  circuit:
    trip_rate: 0.4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var o config.Overrides
			if err := yaml.Unmarshal(raw, &o); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			source, closeSource, err := config.OpenSource(cfg)
			if err != nil {
				return err
			}
			defer closeSource()

			writable, ok := source.(config.WritableSource)
			if !ok {
				return fmt.Errorf("config backend %q is read-only, use redis or etcd", cfg.ConfigBackend)
			}

			set := weightSet(cmd, cfg)
			if err := writable.Store(cmd.Context(), set, o); err != nil {
				return err
			}

			effective := config.Defaults().Merge(o)
			fmt.Fprintf(cmd.OutOrStdout(), "stored weight set %q (weights total %.0f)\n", set, effective.Weights.Total())
			return nil
		},
	}
}
