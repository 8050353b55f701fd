package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/keygate/internal/admin"
	"github.com/nulpointcorp/keygate/internal/pricing"
	"github.com/nulpointcorp/keygate/internal/store/sqlstore"
	"github.com/nulpointcorp/keygate/internal/usage"
)

func newUsageCmd(sess func() *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and correct usage aggregates",
	}
	cmd.AddCommand(newUsageReportCmd(sess), newUsageCorrectCmd(sess))
	return cmd
}

func newUsageReportCmd(sess func() *session) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "report <key-id>",
		Short: "Print a key's usage report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := usage.ParsePeriod(period)
			if err != nil {
				return err
			}
			s := sess()
			report, err := usage.NewQuery(s.store, s.store, s.cal).Report(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&period, "period", "monthly", "daily or monthly")
	return cmd
}

func newUsageCorrectCmd(sess func() *session) *cobra.Command {
	var (
		c    admin.Correction
		cost string
	)
	cmd := &cobra.Command{
		Use:   "correct <key-id>",
		Short: "Apply a signed correction to one usage bucket",
		Long: `Apply a signed correction to one (key, model, day) bucket.

Every value is a delta; use negative numbers to take usage back, e.g.

  keygatectl usage correct k1 --model gpt-4o --day 2026-03-10 --requests -1 --cost -0.0125

The correction is refused when any counter of the bucket would go negative.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c.KeyID = args[0]
			if cost != "" {
				n, err := parseSignedDollars(cost)
				if err != nil {
					return err
				}
				c.Cost = n
			}
			agg, err := sess().admin.CorrectUsage(cmd.Context(), c)
			if err != nil {
				return err
			}
			return printJSON(cmd, agg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.Model, "model", "", "model of the bucket")
	f.StringVar(&c.Day, "day", "", "day of the bucket (YYYY-MM-DD)")
	f.Int64Var(&c.Requests, "requests", 0, "requests delta")
	f.Int64Var(&c.Successes, "successes", 0, "successes delta")
	f.Int64Var(&c.Failures, "failures", 0, "failures delta")
	f.Int64Var(&c.Tokens.Input, "input-tokens", 0, "input tokens delta")
	f.Int64Var(&c.Tokens.Output, "output-tokens", 0, "output tokens delta")
	f.Int64Var(&c.Tokens.CacheWrite, "cache-write-tokens", 0, "cache write tokens delta")
	f.Int64Var(&c.Tokens.CacheRead, "cache-read-tokens", 0, "cache read tokens delta")
	f.StringVar(&cost, "cost", "", "cost delta in USD, e.g. -0.0125")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("day")
	return cmd
}

// parseSignedDollars is pricing.ParseDollars with an optional leading minus.
func parseSignedDollars(s string) (pricing.Nanos, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	n, err := pricing.ParseDollars(strings.TrimPrefix(s, "-"))
	if err != nil {
		return 0, err
	}
	if neg {
		n = -n
	}
	return n, nil
}

func newMigrateCmd(sess func() *session) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, ok := sess().store.(*sqlstore.Store)
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "store has no schema; nothing to migrate")
				return nil
			}
			if err := s.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", s.Dialect())
			return nil
		},
	}
}
