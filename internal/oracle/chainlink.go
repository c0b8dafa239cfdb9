package oracle

import (
	fpmath "Bastion/internal/math"
	"Bastion/internal/observability"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const aggregatorV3ABI = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

// ContractCaller is the subset of ethclient.Client used for view calls.
//
//go:generate mockgen -source=chainlink.go -destination=../mocks/contract_caller.go -package=mocks -mock_names=ContractCaller=MockContractCaller
type ContractCaller interface {
	// CallContract executes a message call without creating a transaction
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type latestRound struct {
	RoundId         *big.Int
	Answer          *big.Int
	StartedAt       *big.Int
	UpdatedAt       *big.Int
	AnsweredInRound *big.Int
}

// ChainlinkFeed reads AggregatorV3 feeds and normalizes answers to 8 decimals.
type ChainlinkFeed struct {
	caller     ContractCaller
	abi        abi.ABI
	maxElapsed time.Duration
	metrics    *observability.Metrics
	logger     zerolog.Logger

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// NewChainlinkFeed creates a feed reader. maxElapsed bounds retries of
// transient RPC failures; zero disables retrying.
func NewChainlinkFeed(caller ContractCaller, maxElapsed time.Duration, metrics *observability.Metrics) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	return &ChainlinkFeed{
		caller:     caller,
		abi:        parsed,
		maxElapsed: maxElapsed,
		metrics:    metrics,
		logger:     observability.NewLogger("chainlink-feed"),
		decimals:   make(map[common.Address]uint8),
	}, nil
}

// LatestPrice implements PriceFeed. A non-positive answer is returned as-is;
// rejecting it is the engine's decision.
func (f *ChainlinkFeed) LatestPrice(ctx context.Context, asset, feed common.Address) (PriceReading, error) {
	if feed == (common.Address{}) {
		return PriceReading{}, fmt.Errorf("%w: asset %s has no feed", ErrUnknownFeed, asset.Hex())
	}

	reading, err := f.latestPrice(ctx, feed)
	if f.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		f.metrics.OracleReads.WithLabelValues("chainlink", outcome).Inc()
	}
	if err != nil {
		f.logger.Warn().Err(err).
			Str("asset", asset.Hex()).
			Str("feed", feed.Hex()).
			Msg("price feed read failed")
	}
	return reading, err
}

func (f *ChainlinkFeed) latestPrice(ctx context.Context, feed common.Address) (PriceReading, error) {
	dec, err := f.feedDecimals(ctx, feed)
	if err != nil {
		return PriceReading{}, err
	}

	var round latestRound
	if err := f.call(ctx, feed, "latestRoundData", &round); err != nil {
		return PriceReading{}, err
	}
	if round.Answer == nil || round.UpdatedAt == nil {
		return PriceReading{}, fmt.Errorf("feed %s returned an empty round", feed.Hex())
	}
	if round.AnsweredInRound != nil && round.RoundId != nil && round.AnsweredInRound.Cmp(round.RoundId) < 0 {
		return PriceReading{}, fmt.Errorf("%w: feed=%s round=%s answered=%s",
			ErrIncompleteRound, feed.Hex(), round.RoundId, round.AnsweredInRound)
	}

	price := fpmath.RescaleDecimals(round.Answer, dec, uint8(fpmath.PriceConfig.DecimalPrecision))
	if !price.IsInt64() {
		return PriceReading{}, fmt.Errorf("%w: feed=%s answer=%s", ErrPriceOverflow, feed.Hex(), round.Answer)
	}
	if !round.UpdatedAt.IsInt64() {
		return PriceReading{}, fmt.Errorf("feed %s returned an out of range updatedAt", feed.Hex())
	}

	return PriceReading{
		Price:     price.Int64(),
		UpdatedAt: time.Unix(round.UpdatedAt.Int64(), 0).UTC(),
	}, nil
}

func (f *ChainlinkFeed) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	f.mu.RLock()
	dec, ok := f.decimals[feed]
	f.mu.RUnlock()
	if ok {
		return dec, nil
	}

	if err := f.call(ctx, feed, "decimals", &dec); err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.decimals[feed] = dec
	f.mu.Unlock()
	return dec, nil
}

// call packs, executes with retry on transient RPC errors, and unpacks a view call.
func (f *ChainlinkFeed) call(ctx context.Context, feed common.Address, method string, out interface{}) error {
	data, err := f.abi.Pack(method)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var result []byte
	operation := func() error {
		res, err := f.caller.CallContract(ctx, ethereum.CallMsg{
			To:   &feed,
			Data: data,
		}, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(res) == 0 {
			return backoff.Permanent(fmt.Errorf("feed %s returned no data for %s", feed.Hex(), method))
		}
		result = res
		return nil
	}

	if f.maxElapsed <= 0 {
		err = operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = f.maxElapsed
		err = backoff.Retry(operation, backoff.WithContext(b, ctx))
	}
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, feed.Hex(), err)
	}

	if err := f.abi.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return nil
}
