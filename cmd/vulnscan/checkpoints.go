package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/pkg/logging"
	"github.com/Sternrassler/vulnscan/pkg/progress"
	"github.com/Sternrassler/vulnscan/pkg/store"
)

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"checkpoint", "cp"},
		Short:   "Inspect and maintain scan checkpoints",
	}
	cmd.AddCommand(
		newCheckpointsListCmd(a),
		newCheckpointsValidateCmd(a),
		newCheckpointsPruneCmd(a),
	)
	return cmd
}

func newCheckpointsListCmd(a *app) *cobra.Command {
	var scanID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List non-expired checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.checkpointManager()
			if err != nil {
				return err
			}

			records, err := mgr.ListAll()
			if scanID != "" {
				records, err = mgr.List(scanID)
			}
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Fprintf(a.stdout, "No checkpoints in %s\n", mgr.Dir())
				return nil
			}

			tbl := newTable(a.stdout)
			tbl.AppendHeader(table.Row{"Checkpoint", "Scan", "Batch", "Units", "Created", "Expires"})
			for _, rec := range records {
				tbl.AppendRow(table.Row{
					rec.ID, rec.ScanID,
					fmt.Sprintf("%d/%d", rec.BatchNumber, rec.State.TotalBatches),
					humanize.Comma(int64(rec.State.CompletedUnits)) + "/" + humanize.Comma(int64(rec.State.TotalUnits)),
					humanize.Time(rec.CreatedAt), humanize.Time(rec.ExpiresAt),
				})
			}
			tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d checkpoint(s)", len(records))})
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&scanID, "scan-id", "", "only list checkpoints of this scan")
	return cmd
}

func newCheckpointsValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate CHECKPOINT_ID",
		Short: "Verify a checkpoint and compare it with its output file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.checkpointManager()
			if err != nil {
				return err
			}

			rec, err := mgr.Load(args[0])
			if err != nil {
				return err
			}

			w := a.stdout
			fmt.Fprintf(w, "Checkpoint %s is valid (format v%d)\n", rec.ID, rec.Version)
			fmt.Fprintf(w, "  %s\n", progress.RecoverySummary(rec.State, time.Now()))
			fmt.Fprintf(w, "  backup: %s\n", mgr.BackupPath(rec))

			if rec.OutputPath == "" {
				return nil
			}
			st, err := store.Open(rec.OutputPath, store.Options{Atomic: true, Logger: logging.NewLogger("store")})
			if err != nil {
				return err
			}
			hash, err := st.Hash()
			if err != nil {
				return err
			}
			switch hash {
			case rec.OutputHash:
				fmt.Fprintf(w, "  output %s matches the checkpoint\n", rec.OutputPath)
			case "":
				fmt.Fprintf(w, "  output %s is missing; resume with --merge-strategy use-checkpoint to restore it\n", rec.OutputPath)
			default:
				fmt.Fprintf(w, "  output %s changed since the checkpoint; resuming needs --merge-strategy or --force-continue\n", rec.OutputPath)
			}
			return nil
		},
	}
}

func newCheckpointsPruneCmd(a *app) *cobra.Command {
	var scanID string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired checkpoints, or every checkpoint of one scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := a.checkpointManager()
			if err != nil {
				return err
			}

			if scanID != "" {
				n, err := mgr.ExpireAndCleanup(scanID)
				fmt.Fprintf(a.stdout, "Removed %d checkpoint(s) of scan %s\n", n, scanID)
				return err
			}

			n, err := mgr.PruneExpired()
			fmt.Fprintf(a.stdout, "Removed %d expired checkpoint(s)\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&scanID, "scan-id", "", "remove all checkpoints of this scan")
	return cmd
}
