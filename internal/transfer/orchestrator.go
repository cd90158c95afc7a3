package transfer

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ferry/internal/config"
	"ferry/internal/ledger"
	"ferry/internal/metrics"
	"ferry/internal/sink"
	"ferry/internal/source"
	"ferry/internal/split"
	"ferry/internal/stage"
)

// State tracks where a run is in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateSplitting
	StateStaged
	StateDispatching
	StateTransferring
	StateVerifying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSplitting:
		return "splitting"
	case StateStaged:
		return "staged"
	case StateDispatching:
		return "dispatching"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures one orchestrated run against a single source file.
type Options struct {
	Dataset *config.Dataset
	// Sink is the resolved destination. Directory sources run once per
	// file, each with its own table name, so this is not ds.Sink verbatim.
	Sink    sink.Config
	Log     *zap.Logger
	Metrics metrics.Backend
}

// Summary is the final account of a run.
type Summary struct {
	State       State
	Source      string
	TotalChunks int
	// Attempted counts chunks not already recorded when the run started.
	Attempted int
	Committed int
	Skipped   int
	Rows      int64
	// SinkRows is the destination row count after a complete run, -1 when
	// it was not or could not be counted.
	SinkRows int64
	Elapsed  time.Duration
	// Complete means every chunk in the plan is recorded and the ledger
	// was cleared.
	Complete bool
}

// Orchestrator drives one source file through split, stage, transfer and
// verify. It owns the run state; workers only ever see batches.
type Orchestrator struct {
	opts  Options
	state atomic.Int32
}

func New(opts Options) *Orchestrator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Orchestrator{opts: opts}
}

// State reports the current run state. Safe to call from other goroutines.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.opts.Log.Debug("run state", zap.Stringer("state", s))
}

// Run transfers one source file. The returned Summary is non-nil even on
// failure so callers can report partial progress.
func (o *Orchestrator) Run(ctx context.Context, src source.File) (*Summary, error) {
	ds := o.opts.Dataset
	log := o.opts.Log
	start := time.Now()
	sum := &Summary{State: StateFailed, Source: src.Path, SinkRows: -1}

	fail := func(err error) (*Summary, error) {
		o.setState(StateFailed)
		sum.Elapsed = time.Since(start)
		log.Error("run failed", zap.String("source", src.Path), zap.Error(err))
		return sum, err
	}

	set, err := ledger.Load(ds.LedgerPath)
	if err != nil {
		return fail(fmt.Errorf("load ledger: %w", err))
	}

	o.setState(StateSplitting)
	splitStart := time.Now()
	splitter := split.New(ds.SplitDir, ds.ChunkSize, ds.SplitThresholdBytes, log.Named("split"))
	plan, err := splitter.Split(ctx, src)
	metrics.RecordPhase(o.opts.Metrics, ds.Name, "split", err, time.Since(splitStart))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(failure(KindSplit, -1, err))
	}
	sum.TotalChunks = len(plan.Chunks)

	o.setState(StateStaged)
	stageStart := time.Now()
	sk, plan, tableExisted, set, err := o.prepareSink(ctx, splitter, plan, set, src)
	metrics.RecordPhase(o.opts.Metrics, ds.Name, "stage", err, time.Since(stageStart))
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(err)
	}
	defer sk.Close()
	sum.TotalChunks = len(plan.Chunks)
	fresh := len(set) == 0

	o.setState(StateDispatching)
	pending := make([]int, 0, len(plan.Chunks))
	for _, c := range plan.Chunks {
		if !set.Has(c.Index) {
			pending = append(pending, c.Index)
		}
	}
	batches := partition(pending, ds.BatchSize, tableExisted)
	sum.Attempted = len(pending)
	log.Info("dispatching",
		zap.Int("chunks_total", len(plan.Chunks)),
		zap.Int("chunks_recorded", len(plan.Chunks)-len(pending)),
		zap.Int("chunks_pending", len(pending)),
		zap.Int("batches", len(batches)),
		zap.Int64("data_rows", plan.DataRows),
		zap.Bool("split_reused", plan.Reused))

	final := set
	if len(batches) > 0 {
		transferStart := time.Now()
		poolErr := o.transferAll(ctx, plan, set, batches, sum, &final)
		metrics.RecordPhase(o.opts.Metrics, ds.Name, "transfer", poolErr, time.Since(transferStart))
		if poolErr != nil {
			return fail(poolErr)
		}
	} else {
		log.Info("nothing to transfer, every chunk already recorded")
	}

	o.setState(StateVerifying)
	verifyStart := time.Now()
	err = o.verify(ctx, sk, plan, final, fresh, tableExisted, sum)
	metrics.RecordPhase(o.opts.Metrics, ds.Name, "verify", err, time.Since(verifyStart))
	if err != nil {
		return fail(err)
	}

	o.setState(StateDone)
	sum.State = StateDone
	sum.Elapsed = time.Since(start)
	log.Info("run finished",
		zap.String("source", src.Path),
		zap.Int("chunks_total", sum.TotalChunks),
		zap.Int("chunks_attempted", sum.Attempted),
		zap.Int("chunks_committed", sum.Committed),
		zap.Int("chunks_skipped", sum.Skipped),
		zap.Int64("rows", sum.Rows),
		zap.Int64("sink_rows", sum.SinkRows),
		zap.Bool("complete", sum.Complete),
		zap.Duration("elapsed", sum.Elapsed.Round(time.Millisecond)))
	return sum, nil
}

// ensureChunks re-splits when a reused plan names pending chunk files that
// are no longer on disk: the normal state of affairs after a completed run
// deleted its chunks, and equally after a ledger restart un-recorded chunks
// whose files a previous run already cleaned up. Chunks still in the ledger
// do not need their files back; splitting is deterministic, so the
// regenerated indices line up with the recorded ones.
func (o *Orchestrator) ensureChunks(ctx context.Context, splitter *split.Splitter, plan *split.Plan, set ledger.Set, src source.File) (*split.Plan, error) {
	if !plan.Reused {
		return plan, nil
	}
	missing := 0
	for _, c := range plan.Chunks {
		if set.Has(c.Index) {
			continue
		}
		if _, err := os.Stat(c.Path); err != nil {
			missing++
		}
	}
	if missing == 0 {
		return plan, nil
	}
	o.opts.Log.Info("pending chunk files missing, splitting again",
		zap.Int("missing", missing), zap.Int("chunks", len(plan.Chunks)))
	if err := splitter.Reset(); err != nil {
		return nil, failure(KindSplit, -1, err)
	}
	fresh, err := splitter.Split(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure(KindSplit, -1, err)
	}
	return fresh, nil
}

// prepareSink opens the sink, verifies connectivity, reconciles chunk files
// against the surviving ledger, and makes sure the destination table exists,
// creating it from a probed chunk header when missing. A missing table
// alongside recorded progress means the sink lost our rows out of band, so
// the ledger restarts from nothing and every chunk file is needed again.
func (o *Orchestrator) prepareSink(ctx context.Context, splitter *split.Splitter, plan *split.Plan, set ledger.Set, src source.File) (sink.Sink, *split.Plan, bool, ledger.Set, error) {
	ds := o.opts.Dataset
	sk, err := sink.Open(ctx, o.opts.Sink)
	if err != nil {
		return nil, plan, false, set, failure(KindConnectivity, -1, err)
	}
	fail := func(err error) (sink.Sink, *split.Plan, bool, ledger.Set, error) {
		sk.Close()
		return nil, plan, false, set, err
	}
	if err := sk.Ping(ctx); err != nil {
		return fail(failure(KindConnectivity, -1, err))
	}
	if err := sk.EnsureSchema(ctx); err != nil {
		return fail(failure(KindConnectivity, -1, err))
	}
	existed, err := sk.TableExists(ctx)
	if err != nil {
		return fail(failure(KindConnectivity, -1, err))
	}
	if !existed && len(set) > 0 {
		o.opts.Log.Warn("sink table missing despite recorded progress, restarting from scratch",
			zap.String("table", o.opts.Sink.Table),
			zap.Int("chunks_recorded", len(set)))
		if err := ledger.Clear(ds.LedgerPath); err != nil {
			return fail(fmt.Errorf("clear ledger: %w", err))
		}
		set = ledger.Set{}
	}
	plan, err = o.ensureChunks(ctx, splitter, plan, set, src)
	if err != nil {
		return fail(err)
	}
	if !existed {
		cols, err := o.probeColumns(ctx, plan, set)
		if err != nil {
			return fail(err)
		}
		if len(cols) == 0 {
			o.opts.Log.Warn("no chunk yields a header, run proceeds without a sink table")
		} else if err := sk.CreateTable(ctx, cols); err != nil {
			return fail(failure(KindConnectivity, -1, err))
		} else {
			o.opts.Log.Info("created sink table",
				zap.String("table", o.opts.Sink.Table),
				zap.Int("columns", len(cols)))
		}
	}
	return sk, plan, existed, set, nil
}

// probeColumns stages pending chunks in plan order until one yields a
// header. Chunks that fail here will fail again in a worker and be skipped
// there; the probe only needs one good header to shape the sink table.
func (o *Orchestrator) probeColumns(ctx context.Context, plan *split.Plan, done ledger.Set) ([]string, error) {
	store, err := stage.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe staging store: %w", err)
	}
	defer store.Close()
	loader := stage.NewLoader(store, o.opts.Log.Named("stage"))

	var attempts error
	for _, chunk := range plan.Chunks {
		if done.Has(chunk.Index) {
			continue
		}
		if err := store.Reset(ctx); err != nil {
			return nil, fmt.Errorf("probe reset: %w", err)
		}
		res, err := loader.Load(ctx, chunk.Path, plan.Source.Delimiter, o.opts.Dataset.ColumnTypes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			o.opts.Log.Warn("header probe could not stage chunk",
				zap.Int("chunk", chunk.Index), zap.Error(err))
			attempts = multierr.Append(attempts, fmt.Errorf("chunk %d: %w", chunk.Index, err))
			continue
		}
		if res.Skipped() {
			continue
		}
		return res.Columns, nil
	}
	if attempts != nil {
		return nil, failure(KindStaging, -1, fmt.Errorf("cannot derive sink columns: %w", attempts))
	}
	// Every pending chunk is below the staging minimum; nothing needs a
	// table.
	return nil, nil
}

// transferAll runs the worker pool over the batches and aggregates results
// into sum. The final ledger set, including everything recorded before the
// pool stopped, lands in *final even when the pool fails.
func (o *Orchestrator) transferAll(ctx context.Context, plan *split.Plan, set ledger.Set, batches []Batch, sum *Summary, final *ledger.Set) error {
	ds := o.opts.Dataset
	log := o.opts.Log

	owner := ledger.NewOwner(ds.LedgerPath, set, ds.LedgerTimeout.Std(), log.Named("ledger"))
	owner.Start()

	jobs := make(chan Batch, len(batches))
	results := make(chan Result, len(batches))
	for _, b := range batches {
		jobs <- b
	}
	close(jobs)

	workers := ds.Workers
	if workers > len(batches) {
		workers = len(batches)
	}

	g, gctx := errgroup.WithContext(ctx)
	pool := make([]*Worker, 0, workers)
	for i := 0; i < workers; i++ {
		w, err := NewWorker(gctx, i, ds, o.opts.Sink, plan, owner, log, o.opts.Metrics)
		if err != nil {
			for _, built := range pool {
				built.Close()
			}
			*final = owner.Stop()
			return err
		}
		pool = append(pool, w)
	}

	o.setState(StateTransferring)
	log.Info("transferring", zap.Int("workers", workers), zap.Int("batches", len(batches)))
	for _, w := range pool {
		w := w
		g.Go(func() error {
			defer w.Close()
			return w.Run(gctx, jobs, results)
		})
	}

	err := o.collect(gctx, g, results, len(batches), sum)
	*final = owner.Stop()
	return err
}

// collect drains batch results, logging throughput and warning when no
// batch finishes within the stall window. The watchdog never cancels
// anything; slow sinks recover on their own more often than not.
func (o *Orchestrator) collect(ctx context.Context, g *errgroup.Group, results <-chan Result, nbatches int, sum *Summary) error {
	log := o.opts.Log
	stall := o.opts.Dataset.StallAfter.Std()
	ticker := time.NewTicker(stall)
	defer ticker.Stop()

	start := time.Now()
	lastProgress := start
	done := 0
	for done < nbatches {
		select {
		case res := <-results:
			done++
			sum.Committed += res.ChunksDone
			sum.Skipped += res.ChunksSkipped
			sum.Rows += res.Rows
			lastProgress = time.Now()

			elapsed := time.Since(start)
			var rate int64
			if secs := elapsed.Seconds(); secs > 0 {
				rate = int64(float64(sum.Rows) / secs)
			}
			var eta time.Duration
			if done > 0 {
				eta = time.Duration(float64(elapsed) / float64(done) * float64(nbatches-done))
			}
			log.Info("batch finished",
				zap.Int("worker", res.Worker),
				zap.Int("batches_done", done),
				zap.Int("batches_total", nbatches),
				zap.Int("chunks_committed", sum.Committed),
				zap.Int("chunks_skipped", sum.Skipped),
				zap.Int64("rows", sum.Rows),
				zap.Int64("rows_per_sec", rate),
				zap.Duration("eta", eta.Round(time.Second)))
		case <-ticker.C:
			if since := time.Since(lastProgress); since >= stall {
				log.Warn("transfer stalled",
					zap.Duration("stalled_for", since.Round(time.Second)),
					zap.Int("batches_done", done),
					zap.Int("batches_total", nbatches))
			}
		case <-ctx.Done():
			err := g.Wait()
			drainResults(results, sum)
			return err
		}
	}
	err := g.Wait()
	drainResults(results, sum)
	return err
}

// drainResults folds any results that arrived after collect stopped
// receiving into the summary. Workers never block on the results channel,
// so once the pool has exited this empties it completely.
func drainResults(results <-chan Result, sum *Summary) {
	for {
		select {
		case res := <-results:
			sum.Committed += res.ChunksDone
			sum.Skipped += res.ChunksSkipped
			sum.Rows += res.Rows
		default:
			return
		}
	}
}

// verify checks the plan against the final ledger. A complete run counts
// the sink rows, then clears the ledger so the next run starts over.
func (o *Orchestrator) verify(ctx context.Context, sk sink.Sink, plan *split.Plan, final ledger.Set, fresh, tableExisted bool, sum *Summary) error {
	ds := o.opts.Dataset
	log := o.opts.Log

	sum.Complete = true
	for _, c := range plan.Chunks {
		if !final.Has(c.Index) {
			sum.Complete = false
			break
		}
	}
	if !sum.Complete {
		log.Warn("run incomplete, ledger kept for resume",
			zap.Int("chunks_recorded", len(final)),
			zap.Int("chunks_total", len(plan.Chunks)))
		return nil
	}

	if n, err := sk.RowCount(ctx); err != nil {
		log.Warn("could not count sink rows", zap.Error(err))
	} else {
		sum.SinkRows = n
		if n == 1_000_000 {
			log.Warn("sink row count is exactly 1000000, which often means a truncated source export")
		}
		// The count is only comparable when this run created the table and
		// started with an empty ledger.
		if fresh && !tableExisted && n != sum.Rows {
			log.Warn("sink row count differs from rows transferred this run",
				zap.Int64("sink_rows", n),
				zap.Int64("transferred", sum.Rows))
		} else {
			log.Info("sink row count", zap.Int64("rows", n))
		}
	}

	if err := ledger.Clear(ds.LedgerPath); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	return nil
}
