// Package scan orchestrates a scan over a work list: it picks the start
// position from existing checkpoints, drives the batch processor one batch
// at a time, commits the output after every batch and writes checkpoints at
// the configured cadence.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/vulnscan/pkg/batch"
	"github.com/Sternrassler/vulnscan/pkg/checkpoint"
	"github.com/Sternrassler/vulnscan/pkg/clock"
	"github.com/Sternrassler/vulnscan/pkg/lookup"
	"github.com/Sternrassler/vulnscan/pkg/progress"
	"github.com/Sternrassler/vulnscan/pkg/report"
	"github.com/Sternrassler/vulnscan/pkg/store"
)

// Phase is the state of a scan.
type Phase string

// Scan phases.
const (
	PhaseInitializing  Phase = "initializing"
	PhaseStartingFresh Phase = "starting-fresh"
	PhaseResuming      Phase = "resuming"
	PhaseProcessing    Phase = "processing"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseCompleting    Phase = "completing"
	PhaseCompleted     Phase = "completed"
	PhaseInterrupted   Phase = "interrupted"
	// PhaseHalted means an operator has to resolve a divergence or corruption.
	PhaseHalted Phase = "halted"
	PhaseFailed Phase = "failed"
)

// maxConsecutiveCommitFailures turns repeated durability errors into a fatal one.
const maxConsecutiveCommitFailures = 3

// Prometheus metrics for scans.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vulnscan_scan_runs_total",
		Help: "Total scan runs by final phase",
	}, []string{"phase"})

	checkpointGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vulnscan_checkpoint_gaps_total",
		Help: "Total scheduled checkpoints that were not written",
	})

	phaseGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vulnscan_scan_phase",
		Help: "Current scan phase (1 for the active phase)",
	}, []string{"phase"})
)

// Options wires a Controller.
type Options struct {
	Config   batch.Config
	Recovery RecoveryOptions

	Sources []lookup.Source
	Limiter batch.RateLimiter

	Store       *store.Store
	Checkpoints *checkpoint.Manager

	// Ledger optionally records every unit outcome.
	Ledger progress.Ledger
	// Sampler overrides system memory sampling for the memory-adaptive strategy.
	Sampler batch.MemorySampler

	// Metadata is stored in every checkpoint.
	Metadata map[string]string

	Clock  clock.Clock
	Logger zerolog.Logger
}

// BatchSummary describes one executed batch.
type BatchSummary struct {
	Number    int
	Units     int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// Result is the outcome of Run.
type Result struct {
	ScanID string
	Phase  Phase

	// ResumedFrom is the checkpoint the run resumed from, if any.
	ResumedFrom string
	// StartOffset is the number of units already done when the run started.
	StartOffset int
	// RecoverySummary describes the resumed position for operators.
	RecoverySummary string

	Batches     []BatchSummary
	Succeeded   int
	Failed      int
	FailedUnits []string

	Checkpoints    []string
	CheckpointGaps int

	State    progress.BatchState
	Warnings []string
}

// Controller runs scans. One controller runs one scan at a time.
type Controller struct {
	opts      Options
	cfg       batch.Config
	warnings  []string
	processor *batch.Processor
	strategy  batch.Strategy
	clock     clock.Clock
	logger    zerolog.Logger

	mu    sync.Mutex
	phase Phase
}

// NewController validates opts and builds a controller. Invalid batch
// settings fall back to their defaults with a logged warning.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("output store is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if err := opts.Recovery.validate(); err != nil {
		return nil, err
	}
	if opts.Recovery.MergeStrategy == "" {
		opts.Recovery.MergeStrategy = Manual
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	logger := opts.Logger.With().Str("component", "scan").Logger()

	cfg, warnings := opts.Config.Validate()
	for _, w := range warnings {
		logger.Warn().Str("detail", w).Msg("Invalid batch configuration, using default")
	}

	processor, err := batch.NewProcessor(opts.Sources, opts.Limiter, cfg, opts.Clock,
		opts.Logger.With().Str("component", "batch").Logger())
	if err != nil {
		return nil, err
	}

	return &Controller{
		opts:      opts,
		cfg:       cfg,
		warnings:  warnings,
		processor: processor,
		strategy:  batch.NewStrategy(cfg, opts.Sampler, logger),
		clock:     opts.Clock,
		logger:    logger,
		phase:     PhaseInitializing,
	}, nil
}

// Config returns the validated batch configuration.
func (c *Controller) Config() batch.Config {
	return c.cfg
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	prev := c.phase
	c.phase = p
	c.mu.Unlock()

	phaseGauge.WithLabelValues(string(prev)).Set(0)
	phaseGauge.WithLabelValues(string(p)).Set(1)
}

// startPoint is where a run begins.
type startPoint struct {
	scanID       string
	offset       int
	batches      int
	prior        *progress.BatchState
	snap         *store.Snapshot
	checkpointID string
}

// run is the mutable state of one Run call.
type run struct {
	c       *Controller
	res     *Result
	tracker *progress.Tracker
	logger  zerolog.Logger

	snap           *store.Snapshot
	pending        []report.Change
	commitFailures int
}

// Run executes the scan over units. It returns ErrInterrupted after a
// graceful stop, a *DivergenceError when resuming needs an operator
// decision, and an error wrapping ErrFatal when the output cannot be
// written. The Result is always non-nil.
func (c *Controller) Run(ctx context.Context, units []batch.WorkUnit) (*Result, error) {
	c.setPhase(PhaseInitializing)
	res := &Result{Warnings: c.warnings}

	sp, err := c.prepare(units)
	if err != nil {
		return c.finish(res, nil, phaseFor(err), err)
	}

	res.ScanID = sp.scanID
	res.ResumedFrom = sp.checkpointID
	res.StartOffset = sp.offset

	logger := c.logger.With().Str("scan_id", sp.scanID).Logger()
	tracker := progress.NewTracker(sp.scanID, units, c.cfg, c.clock, c.opts.Ledger, logger)

	if sp.offset > 0 || sp.prior != nil {
		if err := tracker.Resume(sp.prior, sp.offset, sp.batches); err != nil {
			return c.finish(res, tracker, PhaseFailed, fmt.Errorf("%w: %w", ErrInvalidRecovery, err))
		}
		state := tracker.Snapshot()
		res.RecoverySummary = progress.RecoverySummary(state, c.clock.Now())
		logger.Info().
			Str("checkpoint_id", sp.checkpointID).
			Int("completed_units", state.CompletedUnits).
			Int("remaining_units", state.RemainingUnits()).
			Int("batch", state.CurrentBatch).
			Msg("Resuming scan")
	}

	r := &run{c: c, res: res, tracker: tracker, logger: logger, snap: sp.snap}
	return r.process(ctx)
}

func (r *run) process(ctx context.Context) (*Result, error) {
	c := r.c
	c.setPhase(PhaseProcessing)

	r.logger.Info().
		Str("strategy", string(c.strategy.Name())).
		Int("units", len(r.tracker.Remaining())).
		Int("checkpoint_frequency", c.cfg.CheckpointFrequency).
		Msg("Processing started")

	for {
		remaining := r.tracker.Remaining()
		if len(remaining) == 0 {
			break
		}
		if ctx.Err() != nil {
			return r.interrupt(len(r.pending) == 0)
		}

		plan := c.strategy.Next(len(remaining))
		number := r.tracker.Snapshot().CurrentBatch + 1

		result := c.processor.RunBatch(ctx, number, remaining, plan)

		// Outcomes of an interrupted batch are still recorded.
		if err := r.tracker.Record(context.WithoutCancel(ctx), result); err != nil {
			r.logger.Warn().Err(err).Int("batch", number).Msg("Progress ledger write failed")
		}
		r.addBatch(result)

		committed, err := r.commit()
		if err != nil {
			return c.finish(r.res, r.tracker, phaseFor(err), err)
		}

		state := r.tracker.Snapshot()
		if ctx.Err() != nil && !state.Done() {
			return r.interrupt(committed)
		}

		if !state.Done() && number%c.cfg.CheckpointFrequency == 0 {
			r.checkpoint(committed)
			c.setPhase(PhaseProcessing)
		}
	}

	return r.complete()
}

func (r *run) addBatch(result *batch.BatchResult) {
	succeeded, failed, skipped := result.Counts()
	r.res.Batches = append(r.res.Batches, BatchSummary{
		Number:    result.Number,
		Units:     len(result.Outcomes),
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
		Duration:  result.Elapsed,
	})
	r.pending = append(r.pending, result.Changes()...)
}

// commit merges pending rows into the output. A failed commit keeps the
// rows for the next attempt and reports false; too many consecutive
// failures, an invalid merged document or a document changed behind the
// scan's back end the run.
func (r *run) commit() (bool, error) {
	if len(r.pending) == 0 {
		return true, nil
	}

	pending := r.pending
	snap, err := r.c.opts.Store.Commit(r.snap, func(doc *report.Report) error {
		doc.Merge(pending...)
		return nil
	})
	if err == nil {
		r.snap = snap
		r.pending = nil
		r.commitFailures = 0
		return true, nil
	}

	if errors.Is(err, store.ErrStaleSnapshot) {
		r.logger.Error().Err(err).Str("document", r.c.opts.Store.Path()).Msg("Output changed outside the scan")
		return false, &DivergenceError{
			Document:     r.c.opts.Store.Path(),
			ExpectedHash: r.snap.Hash,
			ActualHash:   r.currentHash(),
		}
	}

	if errors.Is(err, report.ErrInvalidReport) {
		// Retrying would build the same document again.
		r.logger.Error().Err(err).Int("pending_units", len(r.pending)).Msg("Merged output is invalid")
		return false, fmt.Errorf("%w: %w", ErrFatal, err)
	}

	r.commitFailures++
	if r.commitFailures >= maxConsecutiveCommitFailures {
		r.logger.Error().Err(err).Int("failures", r.commitFailures).Msg("Output cannot be written")
		return false, fmt.Errorf("%w: %d consecutive commit failures: %w", ErrFatal, r.commitFailures, err)
	}

	r.logger.Warn().
		Err(err).
		Int("failures", r.commitFailures).
		Int("pending_units", len(r.pending)).
		Msg("Output commit failed, rows kept for the next commit")
	return false, nil
}

func (r *run) currentHash() string {
	hash, err := r.c.opts.Store.Hash()
	if err != nil {
		return ""
	}
	return hash
}

// checkpoint writes a checkpoint for the current state. Failures leave a
// gap until the next scheduled checkpoint and never fail the scan.
func (r *run) checkpoint(committed bool) {
	state := r.tracker.Snapshot()

	if !committed {
		r.res.CheckpointGaps++
		checkpointGapsTotal.Inc()
		r.logger.Warn().
			Int("batch", state.CurrentBatch).
			Msg("Checkpoint skipped because the output commit failed; no recovery point until the next interval")
		return
	}

	r.c.setPhase(PhaseCheckpointing)
	rec, err := r.c.opts.Checkpoints.Create(state, r.snap, r.tracker.CompletedIDs(), r.c.opts.Metadata)
	if err != nil {
		r.res.CheckpointGaps++
		checkpointGapsTotal.Inc()
		r.logger.Warn().
			Err(err).
			Int("batch", state.CurrentBatch).
			Msg("Checkpoint write failed; no recovery point until the next interval")
		return
	}

	r.tracker.MarkCheckpoint(state.CurrentBatch)
	r.res.Checkpoints = append(r.res.Checkpoints, rec.ID)
}

// interrupt writes a final checkpoint after a stop signal.
func (r *run) interrupt(committed bool) (*Result, error) {
	state := r.tracker.Snapshot()
	if state.CurrentBatch > state.LastCheckpointBatch {
		r.checkpoint(committed)
	}

	state = r.tracker.Snapshot()
	r.logger.Warn().
		Int("completed_units", state.CompletedUnits).
		Int("remaining_units", state.RemainingUnits()).
		Int("batch", state.CurrentBatch).
		Msg("Scan interrupted; resume to continue")

	return r.c.finish(r.res, r.tracker, PhaseInterrupted, ErrInterrupted)
}

func (r *run) complete() (*Result, error) {
	c := r.c
	c.setPhase(PhaseCompleting)

	for len(r.pending) > 0 {
		if _, err := r.commit(); err != nil {
			return c.finish(r.res, r.tracker, phaseFor(err), err)
		}
	}

	if c.cfg.CleanupOnSuccess {
		if _, err := c.opts.Checkpoints.ExpireAndCleanup(r.res.ScanID); err != nil {
			r.logger.Warn().Err(err).Msg("Checkpoint cleanup failed")
		}
	}

	state := r.tracker.Snapshot()
	r.logger.Info().
		Int("units", state.TotalUnits).
		Int("succeeded", state.Statistics.Succeeded).
		Int("failed", state.Statistics.Failed).
		Int("batches", state.CurrentBatch).
		Dur("duration", state.Statistics.Elapsed()).
		Msg("Scan complete")

	return c.finish(r.res, r.tracker, PhaseCompleted, nil)
}

func (c *Controller) finish(res *Result, tracker *progress.Tracker, phase Phase, err error) (*Result, error) {
	c.setPhase(phase)
	res.Phase = phase
	runsTotal.WithLabelValues(string(phase)).Inc()

	if tracker != nil {
		res.State = tracker.Snapshot()
		res.Succeeded = res.State.Statistics.Succeeded
		res.Failed = res.State.Statistics.Failed
		res.FailedUnits = res.State.Statistics.FailedUnits
	}

	if err != nil && phase != PhaseInterrupted {
		c.logger.Error().Err(err).Str("scan_id", res.ScanID).Str("phase", string(phase)).Msg("Scan stopped")
	}
	return res, err
}

// phaseFor maps a run-ending error to the phase it leaves the scan in.
func phaseFor(err error) Phase {
	if Classify(err) == KindCorruption {
		return PhaseHalted
	}
	return PhaseFailed
}

// prepare decides the start position.
func (c *Controller) prepare(units []batch.WorkUnit) (*startPoint, error) {
	switch m := c.opts.Recovery.Mode.(type) {
	case Auto:
		return c.resumeAuto(units)
	case AtUnit:
		return c.resumeAt(units, m.Unit-1, (m.Unit-1)/c.cfg.DefaultBatchSize)
	case AtBatch:
		return c.resumeAt(units, (m.Batch-1)*c.cfg.DefaultBatchSize, m.Batch-1)
	default:
		return c.startFresh(c.opts.Recovery.ScanID)
	}
}

// startFresh replaces the output with an empty report. The previous
// document is kept as the store's backup.
func (c *Controller) startFresh(scanID string) (*startPoint, error) {
	c.setPhase(PhaseStartingFresh)
	if scanID == "" {
		scanID = uuid.NewString()
	}

	st := c.opts.Store
	onDisk, err := st.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", ErrFatal, err)
	}

	snap, err := st.Commit(&store.Snapshot{Report: report.New(), Hash: onDisk}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: initialize output: %w", ErrFatal, err)
	}

	c.logger.Info().Str("scan_id", scanID).Str("document", st.Path()).Msg("Starting fresh scan")
	return &startPoint{scanID: scanID, snap: snap}, nil
}

func (c *Controller) listRecords() ([]*checkpoint.Record, error) {
	if id := c.opts.Recovery.ScanID; id != "" {
		return c.opts.Checkpoints.List(id)
	}
	return c.opts.Checkpoints.ListAll()
}

// resumeAuto resumes from the newest checkpoint that passes verification.
func (c *Controller) resumeAuto(units []batch.WorkUnit) (*startPoint, error) {
	c.setPhase(PhaseResuming)

	records, err := c.listRecords()
	if err != nil {
		return nil, err
	}

	var rec *checkpoint.Record
	for _, candidate := range records {
		loaded, err := c.opts.Checkpoints.Load(candidate.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("checkpoint_id", candidate.ID).Msg("Skipping corrupted checkpoint")
			continue
		}
		rec = loaded
		break
	}

	if rec == nil {
		c.logger.Info().Int("candidates", len(records)).Msg("No valid checkpoint found, starting fresh")
		return c.startFresh(c.opts.Recovery.ScanID)
	}

	return c.resumeFrom(rec, units, rec.State.CompletedUnits, rec.State.CurrentBatch)
}

// resumeAt resumes at offset. A checkpoint recorded at exactly that
// position is used for validation; otherwise the current output is taken
// as is.
func (c *Controller) resumeAt(units []batch.WorkUnit, offset, batches int) (*startPoint, error) {
	c.setPhase(PhaseResuming)

	if offset > len(units) {
		return nil, fmt.Errorf("%w: start offset %d beyond %d units", ErrInvalidRecovery, offset, len(units))
	}

	records, err := c.listRecords()
	if err != nil {
		return nil, err
	}

	scanID := c.opts.Recovery.ScanID
	if scanID == "" && len(records) > 0 {
		scanID = records[0].ScanID
	}

	for _, candidate := range records {
		if candidate.ScanID != scanID || candidate.State.CompletedUnits != offset {
			continue
		}
		rec, err := c.opts.Checkpoints.Load(candidate.ID)
		if err != nil {
			c.logger.Error().Err(err).Str("checkpoint_id", candidate.ID).Msg("Skipping corrupted checkpoint")
			continue
		}
		return c.resumeFrom(rec, units, offset, batches)
	}

	if scanID == "" {
		scanID = uuid.NewString()
	}

	snap, err := c.loadOutput()
	if err != nil {
		return nil, err
	}

	c.logger.Warn().
		Str("scan_id", scanID).
		Int("offset", offset).
		Msg("No checkpoint at the requested position; resuming on the current output without validation")

	return &startPoint{scanID: scanID, offset: offset, batches: batches, snap: snap}, nil
}

func (c *Controller) resumeFrom(rec *checkpoint.Record, units []batch.WorkUnit, offset, batches int) (*startPoint, error) {
	if err := matchWorkList(rec, units); err != nil {
		return nil, err
	}

	snap, err := c.validateOutput(rec)
	if err != nil {
		return nil, err
	}

	prior := rec.State.Clone()
	c.logger.Info().
		Str("checkpoint_id", rec.ID).
		Str("scan_id", rec.ScanID).
		Int("batch", rec.BatchNumber).
		Msg("Resuming from checkpoint")

	return &startPoint{
		scanID:       rec.ScanID,
		offset:       offset,
		batches:      batches,
		prior:        &prior,
		snap:         snap,
		checkpointID: rec.ID,
	}, nil
}

// matchWorkList checks that the checkpoint's completed units are a prefix
// of units.
func matchWorkList(rec *checkpoint.Record, units []batch.WorkUnit) error {
	if len(rec.CompletedUnits) > len(units) {
		return fmt.Errorf("%w: checkpoint %s completed %d units, work list has %d",
			ErrWorkListMismatch, rec.ID, len(rec.CompletedUnits), len(units))
	}
	for i, id := range rec.CompletedUnits {
		if units[i].ID != id {
			return fmt.Errorf("%w: checkpoint %s has %q at position %d, work list has %q",
				ErrWorkListMismatch, rec.ID, id, i+1, units[i].ID)
		}
	}
	return nil
}

// validateOutput compares the output with the checkpoint and applies the
// configured resolution on mismatch.
func (c *Controller) validateOutput(rec *checkpoint.Record) (*store.Snapshot, error) {
	st := c.opts.Store
	recovery := c.opts.Recovery

	if recovery.ForceContinue {
		c.logger.Warn().Str("checkpoint_id", rec.ID).Msg("Output validation skipped (force continue)")
		return c.loadOutput()
	}

	hash, err := st.Hash()
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", ErrFatal, err)
	}
	if hash == rec.OutputHash {
		return c.loadOutput()
	}

	divergence := &DivergenceError{
		CheckpointID: rec.ID,
		Document:     st.Path(),
		ExpectedHash: rec.OutputHash,
		ActualHash:   hash,
	}

	switch recovery.MergeStrategy {
	case UseCheckpoint:
		c.logger.Warn().Str("checkpoint_id", rec.ID).Msg("Output diverged, restoring checkpoint backup")
		return c.opts.Checkpoints.Restore(rec, st)
	case UseCurrent:
		c.logger.Warn().Str("checkpoint_id", rec.ID).Msg("Output diverged, keeping current output")
		return c.loadOutput()
	default:
		c.logger.Error().
			Str("checkpoint_id", rec.ID).
			Str("expected_hash", rec.OutputHash).
			Str("actual_hash", hash).
			Msg("Output diverged from checkpoint; operator resolution required")
		return nil, divergence
	}
}

func (c *Controller) loadOutput() (*store.Snapshot, error) {
	snap, err := c.opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: load output: %w", ErrFatal, err)
	}
	return snap, nil
}
