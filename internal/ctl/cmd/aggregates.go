package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/output"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

func newAggregatesCmd() *cobra.Command {
	aggCmd := &cobra.Command{
		Use:   "aggregates",
		Short: "Per-client event counts and amount totals",
		Example: `  ledgerctl aggregates
  ledgerctl aggregates --client client_A --from 2024-01-01 --to 2024-01-31 -o json`,
		RunE: runAggregates,
	}
	aggCmd.Flags().String("client", "", "only this client id")
	aggCmd.Flags().String("from", "", "range start (applied only together with --to)")
	aggCmd.Flags().String("to", "", "range end, inclusive")
	return aggCmd
}

func runAggregates(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	var filter models.AggregateFilter
	filter.ClientID, _ = cmd.Flags().GetString("client")
	filter.From, _ = cmd.Flags().GetString("from")
	filter.To, _ = cmd.Flags().GetString("to")
	if (filter.From == "") != (filter.To == "") {
		output.Warn(cmd.ErrOrStderr(), "--from and --to must be given together; range ignored")
	}

	rows, err := ledgerClient(cmd).Aggregates(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to query aggregates: %w", err)
	}

	return output.Render(cmd.OutOrStdout(), format, rows, func() *output.Table {
		table := output.NewTable("CLIENT", "COUNT", "TOTAL")
		for _, row := range rows {
			table.AddRow(row.ClientID, strconv.FormatInt(row.Count, 10), strconv.FormatInt(row.Total, 10))
		}
		return table
	})
}
