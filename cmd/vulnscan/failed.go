package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/progress"
)

func newFailedCmd(a *app) *cobra.Command {
	var scanID string

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List units that failed permanently, from the progress ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.cfg.Progress.Ledger
			if path == "" {
				return &usageError{msg: "no progress ledger configured (progress.ledger)"}
			}
			if scanID == "" {
				return &usageError{msg: "--scan-id is required"}
			}

			ledger, err := progress.OpenSQLiteLedger(path)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := cmd.Context()
			counts, err := ledger.Counts(ctx, scanID)
			if err != nil {
				return err
			}
			rows, err := ledger.Outcomes(ctx, scanID, batch.StatusFailed)
			if err != nil {
				return err
			}
			if len(counts) == 0 {
				return fmt.Errorf("scan %s not found in the progress ledger", scanID)
			}

			fmt.Fprintf(a.stdout, "Scan %s: %d succeeded, %d failed, %d skipped\n", scanID,
				counts[string(batch.StatusSucceeded)], counts[string(batch.StatusFailed)], counts[string(batch.StatusSkipped)])
			if len(rows) == 0 {
				return nil
			}

			tbl := newTable(a.stdout)
			tbl.AppendHeader(table.Row{"#", "Unit", "Batch", "Attempts", "Error"})
			for _, row := range rows {
				tbl.AppendRow(table.Row{row.Ordinal + 1, row.Unit, row.Batch, row.Attempts, row.Error})
			}
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&scanID, "scan-id", "", "scan to report on")
	return cmd
}
