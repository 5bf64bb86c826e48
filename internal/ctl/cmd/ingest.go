package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ledger/internal/ctl/output"
)

func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Event submission commands",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Submit one event",
		Long:  "Submit a single event to the ledger ingest endpoint",
		Example: `  ledgerctl ingest send --source client_A --metric sales --amount 1200 --timestamp 2024-01-01T00:00:00Z
  ledgerctl ingest send --json '{"source":"client_A","payload":{"metric":"sales","amount":"0x4b0"}}'
  ledgerctl ingest send --file event.json --fail`,
		RunE: runIngestSend,
	}
	sendCmd.Flags().String("source", "", "event source (client id)")
	sendCmd.Flags().String("metric", "", "payload metric")
	sendCmd.Flags().String("amount", "", "payload amount, sent as a JSON number when numeric")
	sendCmd.Flags().String("timestamp", "", "payload timestamp")
	sendCmd.Flags().String("json", "", "raw request body")
	sendCmd.Flags().StringP("file", "f", "", "read the raw request body from a file (- for stdin)")
	sendCmd.Flags().Bool("fail", false, "ask the server to inject a storage failure")

	ingestCmd.AddCommand(sendCmd)
	return ingestCmd
}

func runIngestSend(cmd *cobra.Command, args []string) error {
	body, err := ingestBody(cmd)
	if err != nil {
		return err
	}
	fail, _ := cmd.Flags().GetBool("fail")

	res, err := ledgerClient(cmd).Ingest(cmd.Context(), body, fail)
	if err != nil {
		if res != nil && res.RawID != 0 {
			output.Warn(cmd.OutOrStdout(), "raw submission %d recorded as FAILED", res.RawID)
		}
		return fmt.Errorf("ingest failed: %w", err)
	}

	if res.RawID != 0 {
		output.Success(cmd.OutOrStdout(), "Event %s (raw submission %d)", res.Status, res.RawID)
	} else {
		output.Success(cmd.OutOrStdout(), "Event %s", res.Status)
	}
	return nil
}

func ingestBody(cmd *cobra.Command) ([]byte, error) {
	raw, _ := cmd.Flags().GetString("json")
	file, _ := cmd.Flags().GetString("file")

	switch {
	case raw != "" && file != "":
		return nil, errors.New("--json and --file are mutually exclusive")
	case raw != "":
		return []byte(raw), nil
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		return os.ReadFile(file)
	}

	source, _ := cmd.Flags().GetString("source")
	metric, _ := cmd.Flags().GetString("metric")
	amount, _ := cmd.Flags().GetString("amount")
	timestamp, _ := cmd.Flags().GetString("timestamp")
	if source == "" && metric == "" && amount == "" && timestamp == "" {
		return nil, errors.New("provide --json, --file or at least one of --source, --metric, --amount, --timestamp")
	}

	payload := map[string]interface{}{}
	if metric != "" {
		payload["metric"] = metric
	}
	if amount != "" {
		var n json.Number
		if err := json.Unmarshal([]byte(amount), &n); err == nil {
			payload["amount"] = n
		} else {
			payload["amount"] = amount
		}
	}
	if timestamp != "" {
		payload["timestamp"] = timestamp
	}

	body := map[string]interface{}{"payload": payload}
	if source != "" {
		body["source"] = source
	}
	return json.Marshal(body)
}
