package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/client"
	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/output"
	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/seeder"
)

func newSeedCmd() *cobra.Command {
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Synthetic traffic commands",
	}

	defaults := seeder.DefaultConfig()
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Send generated submissions",
		Long: `Generate and send submissions to the ingest endpoint.

The mix includes exact duplicates, loosely typed fields (numeric strings,
hex amounts, epoch timestamps, unparseable dates) and a share of requests
with injected failures.`,
		Example: `  ledgerctl seed run --count 500
  ledgerctl seed run --count 50 --fail-rate 0 --seed 7`,
		RunE: runSeed,
	}
	runCmd.Flags().Int("count", defaults.Count, "number of submissions")
	runCmd.Flags().Int("clients", defaults.Clients, "number of distinct client ids")
	runCmd.Flags().StringSlice("metrics", defaults.Metrics, "metric names to draw from")
	runCmd.Flags().Float64("duplicate-rate", defaults.DuplicateRate, "share of exact resubmissions")
	runCmd.Flags().Float64("messy-rate", defaults.MessyRate, "share of loosely typed payloads")
	runCmd.Flags().Float64("fail-rate", defaults.FailRate, "share of requests sent with fail=true")
	runCmd.Flags().Duration("time-spread", defaults.TimeSpread, "spread timestamps over this window ending now")
	runCmd.Flags().Int64("seed", 0, "random seed (0 = random)")

	seedCmd.AddCommand(runCmd)
	return seedCmd
}

type clientSender struct {
	c *client.LedgerClient
}

func (s clientSender) Send(ctx context.Context, sub seeder.Submission) error {
	_, err := s.c.Ingest(ctx, sub.Body, sub.Fail)
	return err
}

func runSeed(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	cfg := seeder.DefaultConfig()
	flags := cmd.Flags()
	cfg.Count, _ = flags.GetInt("count")
	cfg.Clients, _ = flags.GetInt("clients")
	cfg.Metrics, _ = flags.GetStringSlice("metrics")
	cfg.DuplicateRate, _ = flags.GetFloat64("duplicate-rate")
	cfg.MessyRate, _ = flags.GetFloat64("messy-rate")
	cfg.FailRate, _ = flags.GetFloat64("fail-rate")
	cfg.TimeSpread, _ = flags.GetDuration("time-spread")
	cfg.Seed, _ = flags.GetInt64("seed")

	out := cmd.OutOrStdout()
	progress := func(s seeder.Summary) {
		if format == output.FormatTable {
			output.Info(out, "  %d/%d sent (%d processed, %d failed)", s.Sent, cfg.Count, s.Processed, s.Failed)
		}
	}

	sum, err := seeder.Run(cmd.Context(), cfg, clientSender{c: ledgerClient(cmd)}, progress)
	if err != nil {
		return fmt.Errorf("seed run failed after %d submissions: %w", sum.Sent, err)
	}

	if format != output.FormatTable {
		return output.Render(out, format, sum, nil)
	}
	output.Success(out, "Sent %d submissions in %s: %d processed, %d failed (%d with injected failure)",
		sum.Sent, sum.Duration.Round(time.Millisecond), sum.Processed, sum.Failed, sum.Injected)
	return nil
}
