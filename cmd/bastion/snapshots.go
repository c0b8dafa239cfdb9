package main

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"Bastion/internal/persistence"
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// snapshotWriter persists snapshots emitted by the processor hook. The hook
// runs on the processor goroutine, so it only hands the state over.
type snapshotWriter struct {
	sm      *persistence.SnapshotManager
	metrics *observability.Metrics
	logger  zerolog.Logger

	pending   chan *core.SnapshotState
	latest    atomic.Pointer[core.SnapshotState]
	lastSaved atomic.Int64
}

func newSnapshotWriter(sm *persistence.SnapshotManager, metrics *observability.Metrics, savedThrough int64) *snapshotWriter {
	w := &snapshotWriter{
		sm:      sm,
		metrics: metrics,
		logger:  observability.NewLogger("snapshots"),
		pending: make(chan *core.SnapshotState, 1),
	}
	w.lastSaved.Store(savedThrough)
	return w
}

// Hook is registered with Processor.SetSnapshotHook. It never blocks.
func (w *snapshotWriter) Hook(snap *core.SnapshotState) {
	w.latest.Store(snap)
	select {
	case w.pending <- snap:
	default:
		w.logger.Warn().Int64("sequence", snap.Sequence).Msg("snapshot writer busy, deferring")
	}
}

func (w *snapshotWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-w.pending:
			if err := w.save(ctx, snap); err != nil {
				w.logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot save failed")
			}
		}
	}
}

// Flush saves the most recent snapshot if it is newer than the last one
// written. Called once at shutdown after the event log is flushed.
func (w *snapshotWriter) Flush(ctx context.Context) error {
	snap := w.latest.Load()
	if snap == nil || snap.Sequence <= w.lastSaved.Load() {
		return nil
	}
	return w.save(ctx, snap)
}

func (w *snapshotWriter) save(ctx context.Context, snap *core.SnapshotState) error {
	size, err := w.sm.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return err
	}
	w.lastSaved.Store(snap.Sequence)

	w.metrics.SnapshotTaken.Inc()
	w.metrics.SnapshotSizeBytes.Set(float64(size))
	w.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))

	// Snapshots only become restorable once the envelope at their sequence is
	// in the log with a matching hash.
	verified, err := w.sm.VerifySnapshots(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("snapshot verification failed")
	}
	w.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", size).
		Int64("verified", verified).
		Msg("snapshot saved")
	return nil
}
