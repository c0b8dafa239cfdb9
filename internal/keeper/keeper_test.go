package keeper_test

import (
	"Bastion/internal/event"
	"Bastion/internal/ingestion"
	"Bastion/internal/keeper"
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"Bastion/internal/state"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	assetA   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assetB   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	assetC   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	feedAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")

	t0 = time.Unix(1_700_000_000, 0).UTC()
)

const (
	target   int64 = 100_000_000
	depegged int64 = 75_000_000
)

type fakeSource struct {
	status keeper.Status
	err    error
}

func (f *fakeSource) Status(context.Context) (keeper.Status, error) {
	return f.status, f.err
}

type fakeStream struct {
	mu       sync.Mutex
	failures int
	subjects []string
	bodies   [][]byte
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("nats: no responders")
	}
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{Stream: ingestion.CommandStream}, nil
}

func coverage(asset common.Address, active bool) state.AssetCoverage {
	return state.AssetCoverage{
		AssetID:           asset,
		PriceFeed:         feedAddr,
		TargetPrice:       target,
		DepegThresholdBps: 500,
		Active:            active,
		UpdatedAt:         t0,
	}
}

type harness struct {
	keeper    *keeper.Keeper
	source    *fakeSource
	stream    *fakeStream
	feed      *oracle.StaticFeed
	consensus *oracle.StaticConsensus
	metrics   *observability.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source: &fakeSource{status: keeper.Status{
			PremiumBalance: 4000,
			Coverages: []state.AssetCoverage{
				coverage(assetB, true),
				coverage(assetA, true),
				coverage(assetC, false),
			},
		}},
		stream:    &fakeStream{},
		feed:      oracle.NewStaticFeed(),
		consensus: oracle.NewStaticConsensus(),
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.keeper = keeper.New(keeper.Config{Caller: admin, Workers: 2}, h.source, h.feed, h.consensus, h.stream, h.metrics)
	h.keeper.SetClock(func() time.Time { return t0.Add(time.Minute) })
	h.keeper.SetMaxElapsed(2 * time.Second)

	// assetA depegged on both sources; assetB healthy; assetC depegged but inactive.
	h.consensus.Set(oracle.Verdict{Asset: assetA, IsDepegged: true, Price: depegged, DeviationBps: 2500, Timestamp: t0, IsValid: true})
	h.feed.Set(assetA, depegged, t0)
	h.consensus.Set(oracle.Verdict{Asset: assetB, IsDepegged: false, Price: target, Timestamp: t0, IsValid: true})
	h.feed.Set(assetB, target, t0)
	h.consensus.Set(oracle.Verdict{Asset: assetC, IsDepegged: true, Price: depegged, Timestamp: t0, IsValid: true})
	h.feed.Set(assetC, depegged, t0)
	return h
}

func TestScan_SubmitsPayoutForConfirmedDepeg(t *testing.T) {
	h := newHarness(t)

	candidates, err := h.keeper.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, assetA, candidates[0].Asset)
	assert.Equal(t, int64(2500), candidates[0].DeviationBps)

	require.Len(t, h.stream.subjects, 1)
	assert.Equal(t, ingestion.CommandSubject("ExecutePayout"), h.stream.subjects[0])

	cmd, err := ingestion.ParseCommand(event.CommandTypeExecutePayout, h.stream.bodies[0])
	require.NoError(t, err)
	payout, ok := cmd.(*event.ExecutePayout)
	require.True(t, ok)
	assert.Equal(t, assetA, payout.Asset)
	assert.Equal(t, admin, payout.Caller())
	assert.Equal(t, candidates[0].CommandID(), payout.IdempotencyKey())
	assert.Equal(t, t0.Add(time.Minute), payout.OccurredAt())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.KeeperScans))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.KeeperCandidates.WithLabelValues("candidate")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.KeeperSubmissions.WithLabelValues("submitted")))
}

func TestScan_SameVerdictReusesCommandID(t *testing.T) {
	h := newHarness(t)

	_, err := h.keeper.Scan(context.Background())
	require.NoError(t, err)
	h.keeper.SetClock(func() time.Time { return t0.Add(2 * time.Minute) })
	_, err = h.keeper.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, h.stream.bodies, 2)
	first, err := ingestion.ParseCommand(event.CommandTypeExecutePayout, h.stream.bodies[0])
	require.NoError(t, err)
	second, err := ingestion.ParseCommand(event.CommandTypeExecutePayout, h.stream.bodies[1])
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey(), second.IdempotencyKey())
}

func TestScan_Skips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
	}{
		{"empty premium fund", func(h *harness) { h.source.status.PremiumBalance = 0 }},
		{"engine paused", func(h *harness) { h.source.status.Paused = true }},
		{"stale verdict", func(h *harness) {
			h.consensus.Set(oracle.Verdict{Asset: assetA, IsDepegged: true, Price: depegged, Timestamp: t0.Add(-2 * time.Hour), IsValid: true})
		}},
		{"invalid verdict", func(h *harness) {
			h.consensus.Set(oracle.Verdict{Asset: assetA, IsDepegged: true, Price: depegged, Timestamp: t0, IsValid: false})
		}},
		{"price recovered", func(h *harness) { h.feed.Set(assetA, 99_000_000, t0) }},
		{"stale price", func(h *harness) { h.feed.Set(assetA, depegged, t0.Add(-3*time.Hour)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.mutate(h)

			candidates, err := h.keeper.Scan(context.Background())
			require.NoError(t, err)
			assert.Empty(t, candidates)
			assert.Empty(t, h.stream.subjects)
		})
	}
}

func TestScan_StatusError(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("connection refused")

	_, err := h.keeper.Scan(context.Background())
	assert.ErrorContains(t, err, "read status")
	assert.Empty(t, h.stream.subjects)
}

func TestScan_RetriesPublish(t *testing.T) {
	h := newHarness(t)
	h.stream.failures = 2

	candidates, err := h.keeper.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, h.stream.subjects, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.KeeperSubmissions.WithLabelValues("submitted")))
}

func TestAPISource_Status(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"paused": false,
			"premium": {"balance": 4000, "total_collected": 4000, "total_paid_out": 0},
			"coverages": [{
				"asset_id": "0x00000000000000000000000000000000000000a1",
				"price_feed": "0x00000000000000000000000000000000000000f1",
				"target_price": 100000000,
				"depeg_threshold_bps": 500,
				"active": true,
				"updated_at": "2023-11-14T22:13:20Z"
			}]
		}`))
	}))
	defer ts.Close()

	status, err := keeper.NewAPISource(ts.URL+"/", time.Second).Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Paused)
	assert.Equal(t, int64(4000), status.PremiumBalance)
	require.Len(t, status.Coverages, 1)
	assert.Equal(t, assetA, status.Coverages[0].AssetID)
	assert.Equal(t, int64(500), status.Coverages[0].DepegThresholdBps)
	assert.True(t, status.Coverages[0].Active)
}

func TestAPISource_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := keeper.NewAPISource(ts.URL, time.Second).Status(context.Background())
	assert.ErrorContains(t, err, "503")
}
