package event

import (
	"Bastion/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
)

// --- Administrator commands ---

type ConfigureAsset struct {
	Meta
	Asset             common.Address `json:"asset"`
	PriceFeed         common.Address `json:"price_feed"`
	TargetPrice       int64          `json:"target_price"`
	DepegThresholdBps int64          `json:"depeg_threshold_bps"`
}

func (c *ConfigureAsset) CommandType() CommandType { return CommandTypeConfigureAsset }

type SetAssetStatus struct {
	Meta
	Asset  common.Address `json:"asset"`
	Active bool           `json:"active"`
}

func (c *SetAssetStatus) CommandType() CommandType { return CommandTypeSetAssetStatus }

type SetPayoutToken struct {
	Meta
	Token common.Address `json:"token"`
}

func (c *SetPayoutToken) CommandType() CommandType { return CommandTypeSetPayoutToken }

type SetCollector struct {
	Meta
	Collector common.Address `json:"collector"`
}

func (c *SetCollector) CommandType() CommandType { return CommandTypeSetCollector }

type Pause struct {
	Meta
}

func (c *Pause) CommandType() CommandType { return CommandTypePause }

type Unpause struct {
	Meta
}

func (c *Unpause) CommandType() CommandType { return CommandTypeUnpause }

type EmergencyWithdraw struct {
	Meta
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount int64          `json:"amount"`
}

func (c *EmergencyWithdraw) CommandType() CommandType { return CommandTypeEmergencyWithdraw }

// Observation is the oracle state a payout decision was made on. The
// processor stamps it on ExecutePayout so replay does not re-query oracles.
type Observation struct {
	Verdict oracle.Verdict      `json:"verdict"`
	Price   oracle.PriceReading `json:"price"`
}

// ExecutePayout settles the whole premium fund against a depeg of Asset.
type ExecutePayout struct {
	Meta
	Asset       common.Address `json:"asset"`
	Observation *Observation   `json:"observation,omitempty"`
}

func (c *ExecutePayout) CommandType() CommandType { return CommandTypeExecutePayout }

// --- Collector commands (sequenced) ---

type CollectPremium struct {
	Meta
	Token  common.Address `json:"token"`
	Amount int64          `json:"amount"`
}

func (c *CollectPremium) CommandType() CommandType { return CommandTypeCollectPremium }

type UpdatePosition struct {
	Meta
	LP     common.Address `json:"lp"`
	Shares int64          `json:"shares"`
}

func (c *UpdatePosition) CommandType() CommandType { return CommandTypeUpdatePosition }

// --- Public commands ---

type Claim struct {
	Meta
	PayoutIndex int64 `json:"payout_index"`
}

func (c *Claim) CommandType() CommandType { return CommandTypeClaim }

// DepositFunds credits Owner's wallet with tokens entering custody of the
// vault. Only the configured depositor submits it.
type DepositFunds struct {
	Meta
	Owner  common.Address `json:"owner"`
	Token  common.Address `json:"token"`
	Amount int64          `json:"amount"`
}

func (c *DepositFunds) CommandType() CommandType { return CommandTypeDepositFunds }

// WithdrawFunds releases tokens from the caller's wallet.
type WithdrawFunds struct {
	Meta
	Token  common.Address `json:"token"`
	Amount int64          `json:"amount"`
}

func (c *WithdrawFunds) CommandType() CommandType { return CommandTypeWithdrawFunds }
