package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spicemcp/spice/engine/audit"
	"github.com/spicemcp/spice/pkg/config"
)

// HistoryCmd returns the history command
func HistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the query history",
	}
	cmd.AddCommand(historyTailCmd())
	return cmd
}

func historyTailCmd() *cobra.Command {
	var (
		n      int
		format string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent query history records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			sink := audit.NewSink(&cfg.History)
			if !sink.Enabled() {
				return audit.ErrHistoryDisabled
			}
			records, err := sink.Tail(cmd.Context(), n)
			if err != nil {
				return fmt.Errorf("failed to read query history: %w", err)
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeRaw(out, records)
			case "table":
				return writeHistoryTable(out, records)
			case "auto", "":
				if isTerminal(out) {
					return writeHistoryTable(out, records)
				}
				return writeRaw(out, records)
			default:
				return fmt.Errorf("unsupported format: %s", format)
			}
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", audit.DefaultTail, "Number of records to print")
	cmd.Flags().StringVarP(&format, "format", "f", "auto", "Output format (auto, json, table)")
	return cmd
}

func writeRaw(w io.Writer, records []json.RawMessage) error {
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "%s\n", rec); err != nil {
			return err
		}
	}
	return nil
}

func writeHistoryTable(w io.Writer, records []json.RawMessage) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tSTATE\tQUERY\tEXECUTION\tDURATION\tROWS\tERROR")
	for _, raw := range records {
		var rec audit.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		queryID := "-"
		if rec.QueryID != 0 {
			queryID = strconv.FormatInt(rec.QueryID, 10)
		}
		rows := "-"
		if rec.RowCount != nil {
			rows = strconv.FormatInt(*rec.RowCount, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.Local().Format(time.DateTime),
			rec.ActionType,
			dash(rec.State),
			queryID,
			dash(rec.ExecutionID),
			(time.Duration(rec.DurationMS) * time.Millisecond).String(),
			rows,
			rec.Error,
		)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
