package persistence

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"Bastion/internal/observability"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func output(seq int64, ct event.CommandType, id string) core.CoreOutput {
	return core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: seq, CommandType: ct, IdempotencyKey: id}}
}

func TestForwardBatch_DropIsLoggedWithSequence(t *testing.T) {
	var buf bytes.Buffer
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pw := NewPersistenceWorker(nil, nil, 10, 0, metrics)
	pw.SetLogger(observability.NewLoggerTo(&buf, "persistence", zerolog.DebugLevel))

	fwd := make(chan core.CoreOutput, 1)
	pw.SetForward(fwd)
	pw.forwardBatch([]core.CoreOutput{
		output(41, event.CommandTypeClaim, "claim-1"),
		output(42, event.CommandTypeExecutePayout, "payout-7"),
	})

	require.Len(t, fwd, 1)
	assert.Equal(t, int64(41), (<-fwd).Envelope.Sequence)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PublishDrops))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(42), line["sequence"])
	assert.Equal(t, "ExecutePayout", line["command_type"])
	assert.Equal(t, "payout-7", line["command_id"])
}

func TestForwardBatch_NoForwardIsNoop(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPersistenceWorker(nil, nil, 10, 0, nil)
	pw.SetLogger(observability.NewLoggerTo(&buf, "persistence", zerolog.DebugLevel))

	pw.forwardBatch([]core.CoreOutput{output(1, event.CommandTypeClaim, "claim-1")})
	assert.Zero(t, buf.Len())
}
