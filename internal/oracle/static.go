package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StaticFeed is an in-memory PriceFeed keyed by asset. Used by tests and local runs.
type StaticFeed struct {
	mu       sync.RWMutex
	readings map[common.Address]PriceReading
	errs     map[common.Address]error
	reads    int
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		readings: make(map[common.Address]PriceReading),
		errs:     make(map[common.Address]error),
	}
}

// Set stores the reading returned for asset.
func (f *StaticFeed) Set(asset common.Address, price int64, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[asset] = PriceReading{Price: price, UpdatedAt: updatedAt}
	delete(f.errs, asset)
}

// Fail makes reads for asset return err.
func (f *StaticFeed) Fail(asset common.Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[asset] = err
}

// Reads returns how many times LatestPrice was called.
func (f *StaticFeed) Reads() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reads
}

func (f *StaticFeed) LatestPrice(_ context.Context, asset, feed common.Address) (PriceReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err, ok := f.errs[asset]; ok {
		return PriceReading{}, err
	}
	r, ok := f.readings[asset]
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: asset=%s feed=%s", ErrUnknownFeed, asset.Hex(), feed.Hex())
	}
	return r, nil
}

// StaticConsensus is an in-memory ConsensusOracle.
type StaticConsensus struct {
	mu       sync.RWMutex
	verdicts map[common.Address]Verdict
	errs     map[common.Address]error
}

func NewStaticConsensus() *StaticConsensus {
	return &StaticConsensus{
		verdicts: make(map[common.Address]Verdict),
		errs:     make(map[common.Address]error),
	}
}

// Set stores v for v.Asset.
func (c *StaticConsensus) Set(v Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts[v.Asset] = v
	delete(c.errs, v.Asset)
}

// Fail makes lookups for asset return err.
func (c *StaticConsensus) Fail(asset common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[asset] = err
}

func (c *StaticConsensus) LatestDepegVerdict(_ context.Context, asset common.Address) (Verdict, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err, ok := c.errs[asset]; ok {
		return Verdict{}, err
	}
	v, ok := c.verdicts[asset]
	if !ok {
		return Verdict{}, fmt.Errorf("%w: %s", ErrNoVerdict, asset.Hex())
	}
	return v, nil
}
