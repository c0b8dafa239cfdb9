package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoVerdict       = errors.New("no consensus verdict for asset")
	ErrUnknownFeed     = errors.New("unknown price feed")
	ErrIncompleteRound = errors.New("price round not answered in current round")
	ErrPriceOverflow   = errors.New("price does not fit int64 at 8 decimals")
)

// PriceReading is the latest answer of a price feed, normalized to 8 decimals.
type PriceReading struct {
	Price     int64     `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verdict is the consensus network's published depeg verdict for one asset.
type Verdict struct {
	Asset        common.Address `json:"asset"`
	IsDepegged   bool           `json:"is_depegged"`
	Price        int64          `json:"price"`
	DeviationBps int64          `json:"deviation_bps"`
	Timestamp    time.Time      `json:"timestamp"`
	IsValid      bool           `json:"is_valid"`
}

// PriceFeed reads the latest price of an asset from its configured feed.
type PriceFeed interface {
	LatestPrice(ctx context.Context, asset, feed common.Address) (PriceReading, error)
}

// ConsensusOracle returns the latest verdict for an asset.
type ConsensusOracle interface {
	LatestDepegVerdict(ctx context.Context, asset common.Address) (Verdict, error)
}
