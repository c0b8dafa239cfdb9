package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// DefaultDepegThresholdBps applies when a coverage is configured with threshold 0 (20%).
	DefaultDepegThresholdBps int64 = 2000

	// MaxDepegThresholdBps is 100%.
	MaxDepegThresholdBps int64 = 10_000
)

var (
	ErrZeroAddress         = errors.New("zero address")
	ErrInvalidTargetPrice  = errors.New("target price must be > 0")
	ErrThresholdOutOfRange = errors.New("depeg threshold out of range")
	ErrAssetNotConfigured  = errors.New("asset not configured")
)

// AssetCoverage is the insurance configuration for one asset.
// Entries are never deleted, only deactivated.
type AssetCoverage struct {
	AssetID           common.Address `json:"asset_id"`
	PriceFeed         common.Address `json:"price_feed"`
	TargetPrice       int64          `json:"target_price"`        // 8-decimal fixed point
	DepegThresholdBps int64          `json:"depeg_threshold_bps"` // 0..10000
	Active            bool           `json:"active"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// CoverageRegistry tracks insured assets in first-configuration order.
// Not thread-safe: owned by the settlement engine.
type CoverageRegistry struct {
	coverage map[common.Address]*AssetCoverage
	order    []common.Address
}

func NewCoverageRegistry() *CoverageRegistry {
	return &CoverageRegistry{
		coverage: make(map[common.Address]*AssetCoverage),
	}
}

// ValidateCoverage checks a coverage before it is stored.
func ValidateCoverage(c *AssetCoverage) error {
	if c.AssetID == (common.Address{}) {
		return fmt.Errorf("asset: %w", ErrZeroAddress)
	}
	if c.PriceFeed == (common.Address{}) {
		return fmt.Errorf("price feed: %w", ErrZeroAddress)
	}
	if c.TargetPrice <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidTargetPrice, c.TargetPrice)
	}
	if c.DepegThresholdBps < 0 || c.DepegThresholdBps > MaxDepegThresholdBps {
		return fmt.Errorf("%w: must be within [0, %d], got %d",
			ErrThresholdOutOfRange, MaxDepegThresholdBps, c.DepegThresholdBps)
	}
	return nil
}

// Configure inserts or overwrites the coverage for an asset and marks it active.
// A zero threshold is replaced by DefaultDepegThresholdBps.
func (r *CoverageRegistry) Configure(
	asset, feed common.Address,
	targetPrice, thresholdBps int64,
	timestamp time.Time,
) (AssetCoverage, error) {
	c := &AssetCoverage{
		AssetID:           asset,
		PriceFeed:         feed,
		TargetPrice:       targetPrice,
		DepegThresholdBps: thresholdBps,
		Active:            true,
		UpdatedAt:         timestamp,
	}
	if err := ValidateCoverage(c); err != nil {
		return AssetCoverage{}, err
	}
	if c.DepegThresholdBps == 0 {
		c.DepegThresholdBps = DefaultDepegThresholdBps
	}

	if _, exists := r.coverage[asset]; !exists {
		r.order = append(r.order, asset)
	}
	r.coverage[asset] = c
	return *c, nil
}

// SetActive toggles an already-configured asset.
func (r *CoverageRegistry) SetActive(asset common.Address, active bool, timestamp time.Time) (AssetCoverage, error) {
	c, ok := r.coverage[asset]
	if !ok {
		return AssetCoverage{}, fmt.Errorf("%w: %s", ErrAssetNotConfigured, asset.Hex())
	}
	c.Active = active
	c.UpdatedAt = timestamp
	return *c, nil
}

// Get returns a copy of the coverage for an asset.
func (r *CoverageRegistry) Get(asset common.Address) (AssetCoverage, bool) {
	c, ok := r.coverage[asset]
	if !ok {
		return AssetCoverage{}, false
	}
	return *c, true
}

// Assets returns every configured asset id, active or not.
func (r *CoverageRegistry) Assets() []common.Address {
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}

// All returns copies of every coverage in configuration order.
func (r *CoverageRegistry) All() []AssetCoverage {
	out := make([]AssetCoverage, 0, len(r.order))
	for _, asset := range r.order {
		out = append(out, *r.coverage[asset])
	}
	return out
}

// Restore replaces registry contents from a snapshot.
func (r *CoverageRegistry) Restore(entries []AssetCoverage) {
	r.coverage = make(map[common.Address]*AssetCoverage, len(entries))
	r.order = r.order[:0]
	for i := range entries {
		c := entries[i]
		r.coverage[c.AssetID] = &c
		r.order = append(r.order, c.AssetID)
	}
}
