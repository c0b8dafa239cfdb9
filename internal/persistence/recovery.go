package persistence

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"context"
	"fmt"
)

// RecoveryStats summarizes a startup recovery.
type RecoveryStats struct {
	SnapshotSequence int64
	Replayed         int64
	NextSequence     int64
}

// Recover restores proc from the latest verified snapshot and replays every
// later envelope. Each replayed envelope must reproduce its stored state hash;
// a mismatch stops recovery with core.ErrHashMismatch.
func Recover(ctx context.Context, proc *core.Processor, sm *SnapshotManager, pageSize int) (RecoveryStats, error) {
	logger := observability.NewLogger("recovery")
	if pageSize <= 0 {
		pageSize = 1000
	}

	if n, err := sm.VerifySnapshots(ctx); err != nil {
		return RecoveryStats{}, err
	} else if n > 0 {
		logger.Info().Int64("verified", n).Msg("snapshots verified against event log")
	}

	var stats RecoveryStats
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	if snap != nil {
		if err := proc.RestoreFromSnapshot(snap); err != nil {
			return stats, fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		stats.SnapshotSequence = snap.Sequence
	} else {
		logger.Info().Msg("no verified snapshot, replaying from genesis")
	}

	for {
		rows, err := sm.LoadEventsFrom(ctx, proc.NextSequence(), pageSize)
		if err != nil {
			return stats, fmt.Errorf("load events from %d: %w", proc.NextSequence(), err)
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return stats, err
			}
			if err := proc.Replay(ctx, env); err != nil {
				return stats, fmt.Errorf("replay %d: %w", env.Sequence, err)
			}
			stats.Replayed++
		}
		if len(rows) < pageSize {
			break
		}
	}

	stats.NextSequence = proc.NextSequence()
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int64("replayed", stats.Replayed).
		Int64("next_sequence", stats.NextSequence).
		Msg("recovery complete")
	return stats, nil
}
