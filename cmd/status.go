package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/urbanmetrics/ingest-cli/internal/ingest"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent ingestion batches",
	Long:  "Displays the batch audit log, most recent first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := ingestPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		batches, err := ingest.NewBatchLog(pool).List(ctx, statusLimit)
		if err != nil {
			return err
		}

		if len(batches) == 0 {
			fmt.Println("No batches yet; run 'ingest-cli run <file>' to start one.")
			return nil
		}

		formatBatches(os.Stdout, batches)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of batches to show")
	rootCmd.AddCommand(statusCmd)
}

// formatBatches writes a tabular representation of batch records to w.
func formatBatches(out io.Writer, batches []ingest.Batch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BATCH\tSTATUS\tSTARTED\tDURATION\tLOADED\tPROMOTED\tOUTLIERS\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t------\t-------\t--------\t------\t--------\t--------\t-----")

	for _, b := range batches {
		dur := "-"
		if b.CompletedAt != nil {
			dur = b.CompletedAt.Sub(b.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			shortID(b.ID),
			b.Status,
			b.StartedAt.Format("2006-01-02 15:04"),
			dur,
			b.RowsLoaded,
			b.RowsPromoted,
			b.RowsOutliersMarked,
			truncate(b.FailureReason, 60),
		)
	}
	_ = w.Flush()
}

// shortID abbreviates a batch UUID for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
