package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/vulnscan/internal/inventory"
	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/logging"
	"github.com/Sternrassler/vulnscan/pkg/metrics"
	"github.com/Sternrassler/vulnscan/pkg/scan"
	"github.com/Sternrassler/vulnscan/pkg/store"
)

type scanFlags struct {
	input  string
	output string

	fresh       bool
	resume      bool
	resumeUnit  int
	resumeBatch int

	scanID        string
	forceContinue bool
	mergeStrategy string
	strategy      string
	batchSize     int
}

func newScanCmd(a *app) *cobra.Command {
	f := &scanFlags{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan an inventory, starting fresh or resuming from a checkpoint",
		Example: `  vulnscan scan --input packages.txt --output findings.csv
  vulnscan scan --input packages.txt --output findings.csv --resume
  vulnscan scan --input packages.txt --output findings.csv --resume-batch 3 --merge-strategy use-checkpoint`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runScan(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.input, "input", "i", "", "inventory file, one ecosystem:name@version per line")
	flags.StringVarP(&f.output, "output", "o", "", "findings CSV file")
	flags.BoolVar(&f.fresh, "fresh", false, "ignore checkpoints and start over (default)")
	flags.BoolVar(&f.resume, "resume", false, "resume from the newest valid checkpoint")
	flags.IntVar(&f.resumeUnit, "resume-unit", 0, "resume at this 1-based unit")
	flags.IntVar(&f.resumeBatch, "resume-batch", 0, "resume at this 1-based batch")
	flags.StringVar(&f.scanID, "scan-id", "", "scan id to resume, or the id of a fresh scan")
	flags.BoolVar(&f.forceContinue, "force-continue", false, "skip output validation when resuming")
	flags.StringVar(&f.mergeStrategy, "merge-strategy", "", "resolve output divergence: use-checkpoint, use-current or manual")
	flags.StringVar(&f.strategy, "strategy", "", "batch strategy: fixed-size, memory-adaptive or time-based")
	flags.IntVar(&f.batchSize, "batch-size", 0, "default batch size")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	cmd.MarkFlagsMutuallyExclusive("fresh", "resume", "resume-unit", "resume-batch")

	return cmd
}

// mode turns the resume flags into a recovery mode.
func (f *scanFlags) mode() (scan.Mode, error) {
	switch {
	case f.resume:
		return scan.Auto{}, nil
	case f.resumeUnit != 0:
		if f.resumeUnit < 1 {
			return nil, &usageError{msg: "--resume-unit must be at least 1"}
		}
		return scan.AtUnit{Unit: f.resumeUnit}, nil
	case f.resumeBatch != 0:
		if f.resumeBatch < 1 {
			return nil, &usageError{msg: "--resume-batch must be at least 1"}
		}
		return scan.AtBatch{Batch: f.resumeBatch}, nil
	default:
		return scan.Fresh{}, nil
	}
}

func (f *scanFlags) recovery() (scan.RecoveryOptions, error) {
	mode, err := f.mode()
	if err != nil {
		return scan.RecoveryOptions{}, err
	}

	merge, err := scan.ParseMergeStrategy(f.mergeStrategy)
	if err != nil {
		return scan.RecoveryOptions{}, &usageError{msg: err.Error()}
	}

	return scan.RecoveryOptions{
		Mode:          mode,
		ScanID:        f.scanID,
		ForceContinue: f.forceContinue,
		MergeStrategy: merge,
	}, nil
}

func (a *app) runScan(ctx context.Context, f *scanFlags) error {
	recovery, err := f.recovery()
	if err != nil {
		return err
	}

	cfg := a.cfg.Batch
	if f.strategy != "" {
		cfg.Strategy = batchStrategy(f.strategy)
	}
	if f.batchSize != 0 {
		cfg.DefaultBatchSize = f.batchSize
	}

	units, stats, err := inventory.ReadFile(f.input)
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	if len(stats.Duplicates) > 0 {
		a.logger.Warn().Int("duplicates", len(stats.Duplicates)).Msg("Duplicate inventory entries ignored")
	}
	if len(units) == 0 {
		return &usageError{msg: fmt.Sprintf("%s: inventory is empty", f.input)}
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, logging.NewLogger("metrics")); err != nil {
				a.logger.Warn().Err(err).Msg("Metrics endpoint stopped")
			}
		}()
	}

	eng, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	st, err := store.Open(f.output, store.Options{
		Atomic: cfg.AtomicOperations,
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	mgr, err := a.checkpointManager()
	if err != nil {
		return err
	}

	opts := scan.Options{
		Config:      cfg,
		Recovery:    recovery,
		Sources:     eng.sources,
		Limiter:     eng.limiter,
		Store:       st,
		Checkpoints: mgr,
		Metadata: map[string]string{
			"input":   f.input,
			"output":  st.Path(),
			"version": version,
		},
		Clock:  clock.Real{},
		Logger: a.logger,
	}
	if eng.ledger != nil {
		opts.Ledger = eng.ledger
	}

	controller, err := scan.NewController(opts)
	if err != nil {
		if errors.Is(err, scan.ErrInvalidRecovery) {
			return &usageError{msg: err.Error()}
		}
		return err
	}

	res, err := controller.Run(ctx, units)
	a.printResult(res, st.Path())
	return err
}

func batchStrategy(s string) batch.StrategyName {
	return batch.StrategyName(strings.ToLower(strings.TrimSpace(s)))
}

func (a *app) printResult(res *scan.Result, output string) {
	if res == nil {
		return
	}
	w := a.stdout

	if res.RecoverySummary != "" {
		fmt.Fprintf(w, "Resumed: %s\n", res.RecoverySummary)
	}

	state := res.State
	fmt.Fprintf(w, "Scan %s %s: %s of %s units, %s batches\n",
		res.ScanID, res.Phase,
		humanize.Comma(int64(state.CompletedUnits)), humanize.Comma(int64(state.TotalUnits)),
		humanize.Comma(int64(len(res.Batches))))
	fmt.Fprintf(w, "  succeeded: %s  failed: %s  elapsed: %s\n",
		humanize.Comma(int64(res.Succeeded)), humanize.Comma(int64(res.Failed)),
		state.Statistics.Elapsed().Round(time.Millisecond))

	if len(res.FailedUnits) > 0 {
		fmt.Fprintf(w, "  failed units: %s\n", strings.Join(res.FailedUnits, ", "))
	}
	if res.CheckpointGaps > 0 {
		fmt.Fprintf(w, "  warning: %d scheduled checkpoint(s) missing, recovery points are sparser\n", res.CheckpointGaps)
	}
	if res.Phase == scan.PhaseCompleted {
		fmt.Fprintf(w, "  report: %s\n", output)
	}
	if res.Phase == scan.PhaseInterrupted && len(res.Checkpoints) > 0 {
		fmt.Fprintf(w, "  last checkpoint: %s\n", res.Checkpoints[len(res.Checkpoints)-1])
	}
}
