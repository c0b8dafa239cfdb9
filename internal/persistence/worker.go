package persistence

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The processor sends on the persist channel with a BLOCKING send, so if this
// worker falls behind the processor stalls and no envelope is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	forward      chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// SetLogger replaces the worker logger.
func (pw *PersistenceWorker) SetLogger(logger zerolog.Logger) {
	pw.logger = logger
}

// SetForward registers a channel that receives every output once it is
// durably written. Outbound events are published from there. Sends are
// non-blocking; a full channel drops the output.
func (pw *PersistenceWorker) SetForward(ch chan<- core.CoreOutput) {
	pw.forward = ch
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flush(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops envelopes: on shutdown it makes one final attempt
// with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = pw.maxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return pw.flush(ctx, batch)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Int("events", len(batch)).
			Msg("persistence retry")
	})
	if err == nil {
		if attempt > 1 {
			pw.logger.Info().Int("retries", attempt-1).Msg("persistence flush succeeded after retries")
		}
		return nil
	}

	if ctx.Err() != nil {
		return pw.flush(context.Background(), batch)
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	records := make([]Record, 0, len(batch))
	journals := 0
	for _, out := range batch {
		rec := NewRecord(out)
		journals += len(rec.Journals)
		records = append(records, rec)
	}

	if err := pw.writer.WriteRecords(ctx, records); err != nil {
		if pw.metrics != nil {
			stage := "unknown"
			var we *writeError
			if errors.As(err, &we) {
				stage = we.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}

	pw.forwardBatch(batch)
	return nil
}

// forwardBatch hands durably written outputs to the publisher. A dropped
// output stays in the event log and is logged with its sequence so it can be
// re-published from there.
func (pw *PersistenceWorker) forwardBatch(batch []core.CoreOutput) {
	if pw.forward == nil {
		return
	}
	for _, out := range batch {
		select {
		case pw.forward <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
			pw.logger.Warn().
				Int64("sequence", out.Envelope.Sequence).
				Str("command_type", out.Envelope.CommandType.String()).
				Str("command_id", out.Envelope.IdempotencyKey).
				Msg("publish channel full, outbound event dropped")
		}
	}
}
