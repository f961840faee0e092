package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SynthPool/internal/observability"
)

// Output mirrors engine.Output in row form to avoid an import cycle.
// The orchestrator (cmd/synthpool/main.go) bridges between the two.
type Output struct {
	OperationRow OperationRow
	DeltaRows    []DeltaRow
}

// Worker drains the persist channel and batch-writes to Postgres. It
// runs independently from the debt engine; the persist channel uses
// BLOCKING sends, so if this worker falls behind the engine stalls and
// no operation is lost.
type Worker struct {
	writer       *OpLogWriter
	db           *sql.DB
	inputChan    <-chan Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewOpLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run starts the persistence loop. Batches are flushed when full or
// when the flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	opBatch := make([]OperationRow, 0, w.batchSize)
	deltaBatch := make([]DeltaRow, 0, w.batchSize*3) // ~3 deltas per op avg

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(opBatch) > 0 {
				if err := w.flush(context.Background(), opBatch, deltaBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(opBatch) > 0 {
					if err := w.flush(context.Background(), opBatch, deltaBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			opBatch = append(opBatch, output.OperationRow)
			deltaBatch = append(deltaBatch, output.DeltaRows...)

			if len(opBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, opBatch, deltaBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				opBatch = opBatch[:0]
				deltaBatch = deltaBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(opBatch) > 0 {
				if err := w.flushWithRetry(ctx, opBatch, deltaBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				opBatch = opBatch[:0]
				deltaBatch = deltaBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never
// drops operations: it retries until the write succeeds or the context
// is cancelled, in which case it attempts one final flush.
func (w *Worker) flushWithRetry(ctx context.Context, ops []OperationRow, deltas []DeltaRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("operations", len(ops)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), ops, deltas)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, ops, deltas)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, ops []OperationRow, deltas []DeltaRow) error {
	start := time.Now()

	// Operations and deltas commit in one transaction
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteOperationBatch(ctx, tx, ops); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_operations").Inc()
		}
		return err
	}

	if err := w.writer.WriteDeltaBatch(ctx, tx, deltas); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_deltas").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(ops)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		w.metrics.PersistDeltasWritten.Add(float64(len(deltas)))
		if len(ops) > 0 {
			w.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
		}
	}

	return nil
}
