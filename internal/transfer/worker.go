package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ferry/internal/config"
	"ferry/internal/filter"
	"ferry/internal/ledger"
	"ferry/internal/logging"
	"ferry/internal/metrics"
	"ferry/internal/sink"
	"ferry/internal/split"
	"ferry/internal/stage"
)

// Worker transfers batches of chunks. Each worker owns a private staging
// store and its own sink connection, so nothing is shared across the pool
// except the ledger owner.
type Worker struct {
	id     int
	ds     *config.Dataset
	delim  rune
	chunks map[int]split.Chunk
	store  *stage.Store
	loader *stage.Loader
	sink   sink.Sink
	owner  *ledger.Owner
	log    *zap.Logger
	mb     metrics.Backend
}

// NewWorker opens the worker's staging store and sink connection. A sink
// that cannot be opened is a connectivity failure.
func NewWorker(ctx context.Context, id int, ds *config.Dataset, sinkCfg sink.Config, plan *split.Plan, owner *ledger.Owner, log *zap.Logger, mb metrics.Backend) (*Worker, error) {
	store, err := stage.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker %d: staging store: %w", id, err)
	}
	sk, err := sink.Open(ctx, sinkCfg)
	if err != nil {
		store.Close()
		return nil, failure(KindConnectivity, -1, fmt.Errorf("worker %d: %w", id, err))
	}
	chunks := make(map[int]split.Chunk, len(plan.Chunks))
	for _, c := range plan.Chunks {
		chunks[c.Index] = c
	}
	wlog := logging.WithWorker(log, id)
	return &Worker{
		id:     id,
		ds:     ds,
		delim:  plan.Source.Delimiter,
		chunks: chunks,
		store:  store,
		loader: stage.NewLoader(store, wlog),
		sink:   sk,
		owner:  owner,
		log:    wlog,
		mb:     mb,
	}, nil
}

// Close releases the worker's staging store and sink connection.
func (w *Worker) Close() {
	w.store.Close()
	w.sink.Close()
}

// Run claims batches until jobs closes or ctx is canceled. Chunk-scoped
// failures are absorbed into the batch Result as skips; only connectivity
// failures and cancellation stop the pool.
func (w *Worker) Run(ctx context.Context, jobs <-chan Batch, results chan<- Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-jobs:
			if !ok {
				return nil
			}
			res, err := w.runBatch(ctx, batch)
			select {
			case results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err != nil {
				return err
			}
		}
	}
}

func (w *Worker) runBatch(ctx context.Context, batch Batch) (Result, error) {
	res := Result{Worker: w.id}
	for _, idx := range batch.Indices {
		chunk, ok := w.chunks[idx]
		if !ok {
			w.log.Warn("batch names a chunk the plan does not have", zap.Int("chunk", idx))
			res.ChunksSkipped++
			continue
		}
		rows, err := w.transferChunk(ctx, chunk)
		if err != nil {
			var te *Error
			if errors.As(err, &te) {
				switch te.Kind {
				case KindStaging, KindSinkWrite:
					w.log.Error("chunk skipped", zap.Int("chunk", idx), zap.Error(err))
					res.ChunksSkipped++
					metrics.RecordChunks(w.mb, w.ds.Name, "skipped", 1)
					continue
				case KindLedgerTimeout:
					// The rows are committed but the ledger missed them, so
					// the chunk repeats next run. At-least-once, not exactly.
					w.log.Warn("chunk committed but progress not recorded",
						zap.Int("chunk", idx), zap.Error(err))
					res.ChunksDone++
					res.Rows += rows
					metrics.RecordChunks(w.mb, w.ds.Name, "committed", 1)
					metrics.RecordRows(w.mb, w.ds.Name, rows)
					continue
				}
			}
			return res, err
		}
		res.ChunksDone++
		res.Rows += rows
		metrics.RecordChunks(w.mb, w.ds.Name, "committed", 1)
		metrics.RecordRows(w.mb, w.ds.Name, rows)
	}
	return res, nil
}

// transferChunk stages one chunk file, filters it, and copies the surviving
// rows to the sink inside a single transaction. The ledger records the chunk
// only after the transaction commits.
func (w *Worker) transferChunk(ctx context.Context, chunk split.Chunk) (int64, error) {
	if err := w.store.Reset(ctx); err != nil {
		return 0, failure(KindStaging, chunk.Index, err)
	}
	staged, err := w.loader.Load(ctx, chunk.Path, w.delim, w.ds.ColumnTypes)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure(KindStaging, chunk.Index, err)
	}
	if staged.Skipped() {
		// Too small to carry data. Recorded so the run can still complete.
		metrics.RecordChunks(w.mb, w.ds.Name, "empty", 1)
		return 0, w.finishChunk(ctx, chunk, "file below minimum size")
	}

	where := w.chunkFilter(chunk.Index, staged.Columns)
	pending, err := w.store.CountWhere(ctx, where)
	if err != nil && where != "" {
		// A filter that adapted cleanly can still be bad SQL. Fall back to
		// a full transfer rather than losing the chunk.
		w.log.Warn("filter query failed, transferring unfiltered",
			zap.Int("chunk", chunk.Index), zap.String("where", where), zap.Error(err))
		where = ""
		pending, err = w.store.CountWhere(ctx, where)
	}
	if err != nil {
		return 0, failure(KindStaging, chunk.Index, err)
	}
	if pending == 0 {
		reason := "no data rows"
		kind := "empty"
		if where != "" {
			reason = "filtered to zero rows"
			kind = "filtered_empty"
		}
		metrics.RecordChunks(w.mb, w.ds.Name, kind, 1)
		return 0, w.finishChunk(ctx, chunk, reason)
	}

	tx, err := w.sink.Begin(ctx, staged.Columns)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure(KindSinkWrite, chunk.Index, err)
	}
	copied, err := w.store.SelectBatches(ctx, where, w.ds.CopyBatch, func(rows [][]any) error {
		_, cerr := tx.CopyRows(ctx, rows)
		return cerr
	})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			w.log.Warn("rollback failed", zap.Int("chunk", chunk.Index), zap.Error(rbErr))
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure(KindSinkWrite, chunk.Index, err)
	}
	if err := tx.Commit(ctx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			w.log.Warn("rollback failed", zap.Int("chunk", chunk.Index), zap.Error(rbErr))
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, failure(KindSinkWrite, chunk.Index, err)
	}

	if err := w.finishChunk(ctx, chunk, ""); err != nil {
		return copied, err
	}
	w.log.Info("chunk committed",
		zap.Int("chunk", chunk.Index),
		zap.Int64("rows", copied),
		zap.String("candidate", staged.Candidate),
		zap.Bool("repaired", staged.Repaired),
		zap.Bool("filtered", where != ""))
	return copied, nil
}

// finishChunk records the chunk in the ledger and, once recorded, removes
// the chunk file if the splitter produced it. The file outlives any failure
// to record so the next run can redo the chunk.
func (w *Worker) finishChunk(ctx context.Context, chunk split.Chunk, note string) error {
	if err := w.owner.Apply(ctx, chunk.Index); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ledger.ErrTimeout) {
			return ctx.Err()
		}
		return failure(KindLedgerTimeout, chunk.Index, err)
	}
	if chunk.Ephemeral {
		if err := os.Remove(chunk.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("could not remove chunk file",
				zap.String("path", chunk.Path), zap.Error(err))
		}
	}
	if note != "" {
		w.log.Info("chunk complete without sink rows",
			zap.Int("chunk", chunk.Index), zap.String("reason", note))
	}
	return nil
}

// chunkFilter adapts the dataset filter to this chunk's staged columns.
// A filter that references no staged column degrades to no filter at all.
func (w *Worker) chunkFilter(idx int, columns []string) string {
	if w.ds.Filter == "" {
		return ""
	}
	where, ok := filter.Adapt(w.ds.Filter, columns)
	if !ok {
		w.log.Warn("filter matches no staged columns, transferring unfiltered",
			zap.Int("chunk", idx), zap.String("filter", w.ds.Filter))
		return ""
	}
	return where
}
