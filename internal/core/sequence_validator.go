package core

import (
	"Bastion/internal/observability"
	"fmt"
)

// SequenceValidator enforces strict per-partition ordering of upstream
// sequences. The first expected sequence of a partition is 1.
// Not thread-safe: only accessed from the processor goroutine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// Check validates sourceSequence without consuming it.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) error {
	expected := sv.GetExpectedSequence(partition)

	if sourceSequence < expected {
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrSequenceGap, partition, expected, sourceSequence)
	}

	return nil
}

// Advance consumes sourceSequence. The expected sequence never moves backwards.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if next := sourceSequence + 1; next > sv.GetExpectedSequence(partition) {
		sv.expectedNextSeq[partition] = next
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	if next, ok := sv.expectedNextSeq[partition]; ok {
		return next
	}
	return 1
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// Partitions returns the expected sequence of every partition seen.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}
