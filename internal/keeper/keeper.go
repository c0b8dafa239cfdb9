// Package keeper watches configured assets and submits ExecutePayout when
// both the consensus verdict and the price feed report a depeg. It never
// mutates settlement state itself; the engine re-checks every submission.
package keeper

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"Bastion/internal/ingestion"
	"Bastion/internal/observability"
	"Bastion/internal/oracle"
	"Bastion/internal/state"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DefaultScanInterval = 30 * time.Second
	DefaultWorkers      = 8
)

type Config struct {
	// Caller is the identity stamped on submitted commands. Payouts are an
	// administrator operation, so this is the engine's admin address.
	Caller       common.Address
	ScanInterval time.Duration
	Workers      int
	Limits       core.GateLimits
}

// Candidate is an asset whose oracles both confirmed a depeg at scan time.
type Candidate struct {
	Asset        common.Address
	Verdict      oracle.Verdict
	Reading      oracle.PriceReading
	DeviationBps int64
}

// CommandID is the idempotency key of the payout submitted for c. One verdict
// yields one command id, so repeated scans collapse in the engine.
func (c Candidate) CommandID() string {
	return fmt.Sprintf("keeper-%s-%d", strings.ToLower(c.Asset.Hex()), c.Verdict.Timestamp.UnixMicro())
}

type Keeper struct {
	cfg       Config
	source    CoverageSource
	feed      oracle.PriceFeed
	consensus oracle.ConsensusOracle
	js        ingestion.StreamPublisher

	maxElapsed time.Duration
	now        func() time.Time
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func New(cfg Config, source CoverageSource, feed oracle.PriceFeed, consensus oracle.ConsensusOracle, js ingestion.StreamPublisher, metrics *observability.Metrics) *Keeper {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Limits.MaxPriceAge <= 0 {
		cfg.Limits.MaxPriceAge = core.DefaultMaxPriceAge
	}
	if cfg.Limits.MaxConsensusAge <= 0 {
		cfg.Limits.MaxConsensusAge = core.DefaultMaxConsensusAge
	}
	return &Keeper{
		cfg:        cfg,
		source:     source,
		feed:       feed,
		consensus:  consensus,
		js:         js,
		maxElapsed: 5 * time.Second,
		now:        time.Now,
		metrics:    metrics,
		logger:     observability.NewLogger("keeper"),
	}
}

// SetClock replaces the wall clock. Tests only.
func (k *Keeper) SetClock(now func() time.Time) {
	k.now = now
}

// SetMaxElapsed bounds the retry time spent publishing one command.
func (k *Keeper) SetMaxElapsed(d time.Duration) {
	k.maxElapsed = d
}

// Run scans immediately and then every ScanInterval until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	pool := pond.NewPool(k.cfg.Workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	ticker := time.NewTicker(k.cfg.ScanInterval)
	defer ticker.Stop()

	k.logger.Info().
		Dur("scan_interval", k.cfg.ScanInterval).
		Int("workers", k.cfg.Workers).
		Str("caller", k.cfg.Caller.Hex()).
		Msg("keeper started")

	for {
		if _, err := k.scanWith(ctx, pool); err != nil && ctx.Err() == nil {
			k.logger.Error().Err(err).Msg("scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan runs one round: evaluate every active coverage and submit a payout for
// each candidate. It returns the candidates found.
func (k *Keeper) Scan(ctx context.Context) ([]Candidate, error) {
	pool := pond.NewPool(k.cfg.Workers, pond.WithContext(ctx))
	defer pool.StopAndWait()
	return k.scanWith(ctx, pool)
}

func (k *Keeper) scanWith(ctx context.Context, pool pond.Pool) ([]Candidate, error) {
	if k.metrics != nil {
		k.metrics.KeeperScans.Inc()
	}

	status, err := k.source.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if status.Paused {
		k.logger.Debug().Msg("engine paused, skipping scan")
		return nil, nil
	}
	if status.PremiumBalance == 0 {
		k.logger.Debug().Msg("premium fund empty, skipping scan")
		return nil, nil
	}

	candidates := k.evaluateAll(ctx, pool, status.Coverages)
	for _, c := range candidates {
		if err := k.submit(ctx, c); err != nil {
			k.recordSubmission("failed")
			k.logger.Error().Err(err).
				Str("asset", c.Asset.Hex()).
				Str("command_id", c.CommandID()).
				Msg("payout submission failed")
			continue
		}
		k.recordSubmission("submitted")
		k.logger.Info().
			Str("asset", c.Asset.Hex()).
			Int64("deviation_bps", c.DeviationBps).
			Int64("price", c.Reading.Price).
			Str("command_id", c.CommandID()).
			Msg("payout submitted")
	}
	return candidates, nil
}

// evaluateAll runs the payout gate for every active coverage on the pool.
// Candidates come back in asset order.
func (k *Keeper) evaluateAll(ctx context.Context, pool pond.Pool, coverages []state.AssetCoverage) []Candidate {
	var (
		mu         sync.Mutex
		candidates []Candidate
	)
	group := pool.NewGroup()
	for _, cov := range coverages {
		if !cov.Active {
			continue
		}
		group.Submit(func() {
			c, ok := k.evaluate(ctx, cov)
			if !ok {
				return
			}
			mu.Lock()
			candidates = append(candidates, c)
			mu.Unlock()
		})
	}
	if err := group.Wait(); err != nil {
		k.logger.Warn().Err(err).Msg("evaluation group interrupted")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Asset.Cmp(candidates[j].Asset) < 0
	})
	return candidates
}

// evaluate reads consensus first and the price feed only once consensus
// passes, the same order the engine uses.
func (k *Keeper) evaluate(ctx context.Context, cov state.AssetCoverage) (Candidate, bool) {
	now := k.now()
	rd := core.Readings{ConsensusWired: k.consensus != nil}
	if rd.ConsensusWired {
		rd.Verdict, rd.VerdictErr = k.consensus.LatestDepegVerdict(ctx, cov.AssetID)
		if core.CheckConsensus(true, rd.Verdict, rd.VerdictErr, now, k.cfg.Limits.MaxConsensusAge) == nil {
			rd.Price, rd.PriceErr = k.feed.LatestPrice(ctx, cov.AssetID, cov.PriceFeed)
		}
	}

	gate := core.EvaluateGate(rd, cov, now, k.cfg.Limits)
	if !gate.Passed() {
		k.recordCandidate(gate.Stage.String())
		k.logger.Debug().
			Str("asset", cov.AssetID.Hex()).
			Str("stage", gate.Stage.String()).
			Err(gate.Err).
			Msg("no depeg")
		return Candidate{}, false
	}
	k.recordCandidate("candidate")
	return Candidate{
		Asset:        cov.AssetID,
		Verdict:      gate.Verdict,
		Reading:      gate.Reading,
		DeviationBps: gate.Depeg.DeviationBps,
	}, true
}

// submit publishes ExecutePayout for c on the command stream.
func (k *Keeper) submit(ctx context.Context, c Candidate) error {
	cmd := &event.ExecutePayout{
		Meta: event.Meta{
			CommandID: c.CommandID(),
			From:      k.cfg.Caller,
			Timestamp: k.now().UTC().Truncate(time.Microsecond),
		},
		Asset: c.Asset,
	}
	data, err := ingestion.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	subject := ingestion.CommandSubject(event.CommandTypeExecutePayout.String())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = k.maxElapsed

	return backoff.Retry(func() error {
		_, err := k.js.Publish(ctx, subject, data, jetstream.WithMsgID(cmd.CommandID))
		return err
	}, backoff.WithContext(b, ctx))
}

func (k *Keeper) recordCandidate(verdict string) {
	if k.metrics != nil {
		k.metrics.KeeperCandidates.WithLabelValues(verdict).Inc()
	}
}

func (k *Keeper) recordSubmission(status string) {
	if k.metrics != nil {
		k.metrics.KeeperSubmissions.WithLabelValues(status).Inc()
	}
}
