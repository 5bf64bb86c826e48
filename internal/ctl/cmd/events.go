package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/output"
)

func newEventsCmd() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect raw submissions and normalized events",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List raw submissions, newest first",
		RunE:  runEventsList,
	}
	listCmd.Flags().String("status", "", "only show submissions with this status")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one raw submission",
		Args:  cobra.ExactArgs(1),
		RunE:  runEventsGet,
	}

	normalizedCmd := &cobra.Command{
		Use:   "normalized",
		Short: "List normalized events",
		RunE:  runEventsNormalized,
	}

	eventsCmd.AddCommand(listCmd, getCmd, normalizedCmd)
	return eventsCmd
}

func runEventsList(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")

	events, err := ledgerClient(cmd).ListEvents(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	if status != "" {
		filtered := events[:0]
		for _, ev := range events {
			if string(ev.Status) == status {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	return output.Render(cmd.OutOrStdout(), format, events, func() *output.Table {
		table := output.NewTable("ID", "SOURCE", "STATUS", "CREATED", "ERROR")
		for _, ev := range events {
			table.AddRow(
				strconv.FormatInt(ev.ID, 10),
				deref(ev.Source, "-"),
				output.StatusColor(string(ev.Status)),
				ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
				deref(ev.ErrorMessage, ""),
			)
		}
		return table
	})
}

func runEventsGet(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid event id %q", args[0])
	}

	ev, err := ledgerClient(cmd).GetEvent(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}

	return output.Render(cmd.OutOrStdout(), format, ev, func() *output.Table {
		table := output.NewTable("FIELD", "VALUE")
		table.AddRow("id", strconv.FormatInt(ev.ID, 10))
		table.AddRow("source", deref(ev.Source, "-"))
		table.AddRow("status", output.StatusColor(string(ev.Status)))
		table.AddRow("error", deref(ev.ErrorMessage, ""))
		table.AddRow("created_at", ev.CreatedAt.UTC().Format("2006-01-02 15:04:05"))
		table.AddRow("raw_payload", ev.RawPayload)
		return table
	})
}

func runEventsNormalized(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}

	events, err := ledgerClient(cmd).ListNormalized(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list normalized events: %w", err)
	}

	return output.Render(cmd.OutOrStdout(), format, events, func() *output.Table {
		table := output.NewTable("ID", "CLIENT", "METRIC", "AMOUNT", "TIMESTAMP", "FINGERPRINT")
		for _, ev := range events {
			table.AddRow(
				strconv.FormatInt(ev.ID, 10),
				ev.ClientID,
				ev.Metric,
				strconv.FormatInt(ev.Amount, 10),
				deref(ev.Timestamp, "-"),
				shortFingerprint(ev.Fingerprint),
			)
		}
		return table
	})
}

func deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

