package core

import (
	"Bastion/internal/ledger"
	"Bastion/internal/state"
	"errors"
)

// ErrorKind groups errors for transports and metrics.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindAuthorization
	KindOracle
	KindEconomic
	KindOperational
	KindConcurrency
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindOracle:
		return "oracle"
	case KindEconomic:
		return "economic"
	case KindOperational:
		return "operational"
	case KindConcurrency:
		return "concurrency"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

var (
	// Configuration
	ErrZeroAddress         = state.ErrZeroAddress
	ErrInvalidTargetPrice  = state.ErrInvalidTargetPrice
	ErrThresholdOutOfRange = state.ErrThresholdOutOfRange
	ErrAssetNotConfigured  = state.ErrAssetNotConfigured
	ErrAssetInactive       = errors.New("asset coverage is inactive")
	ErrPayoutTokenUnset    = errors.New("payout token not set")
	ErrUnsupportedToken    = errors.New("token is not the payout token")
	ErrPayoutTokenLocked   = errors.New("payout token cannot change while funds or claims are outstanding")

	// Authorization
	ErrNotAdmin      = errors.New("caller is not the administrator")
	ErrNotCollector  = errors.New("caller is not the collector")
	ErrNotDepositor  = errors.New("caller is not the depositor")
	ErrCustodyWallet = errors.New("custody account has no wallet")

	// Oracle / consensus
	ErrConsensusUnavailable = errors.New("consensus unavailable")
	ErrConsensusInvalid     = errors.New("consensus verdict invalid")
	ErrConsensusStale       = errors.New("consensus verdict stale")
	ErrConsensusDisagrees   = errors.New("consensus does not report a depeg")
	ErrPriceUnavailable     = errors.New("price feed unavailable")
	ErrInvalidPrice         = errors.New("invalid oracle price")
	ErrStalePrice           = errors.New("oracle price stale")
	ErrPriceNotDepegged     = errors.New("price not depegged")

	// Economic
	ErrEmptyFund           = state.ErrEmptyFund
	ErrZeroShares          = errors.New("no LP shares registered")
	ErrNothingToClaim      = state.ErrNothingToClaim
	ErrAlreadyClaimed      = state.ErrAlreadyClaimed
	ErrInvalidIndex        = state.ErrInvalidIndex
	ErrBelowMinPremium     = state.ErrBelowMinPremium
	ErrNegativeShares      = state.ErrNegativeShares
	ErrInvalidAmount       = ledger.ErrInvalidAmount
	ErrInsufficientBalance = ledger.ErrInsufficientBalance

	// Operational
	ErrPaused           = errors.New("engine is paused")
	ErrNotPaused        = errors.New("engine is not paused")
	ErrMissingCommandID = errors.New("command id is required")
	ErrUnknownCommand   = errors.New("unknown command")

	// Concurrency / ordering
	ErrReentrantCall    = errors.New("reentrant call")
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrSequenceGap      = errors.New("sequence gap")
	ErrOutOfOrder       = errors.New("out-of-order command")
	ErrHashMismatch     = errors.New("state hash mismatch")

	// Transfer
	ErrTransferFailed = errors.New("value transfer failed")
)

// kindTable is evaluated in order; wrapping sentinels (transfer failure)
// come before the causes they may wrap.
var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrTransferFailed, KindTransfer},

	{ErrZeroAddress, KindConfiguration},
	{ErrInvalidTargetPrice, KindConfiguration},
	{ErrThresholdOutOfRange, KindConfiguration},
	{ErrAssetNotConfigured, KindConfiguration},
	{ErrAssetInactive, KindConfiguration},
	{ErrPayoutTokenUnset, KindConfiguration},
	{ErrUnsupportedToken, KindConfiguration},
	{ErrPayoutTokenLocked, KindConfiguration},
	{ledger.ErrZeroToken, KindConfiguration},

	{ErrNotAdmin, KindAuthorization},
	{ErrNotCollector, KindAuthorization},
	{ErrNotDepositor, KindAuthorization},
	{ErrCustodyWallet, KindAuthorization},

	{ErrConsensusUnavailable, KindOracle},
	{ErrConsensusInvalid, KindOracle},
	{ErrConsensusStale, KindOracle},
	{ErrConsensusDisagrees, KindOracle},
	{ErrPriceUnavailable, KindOracle},
	{ErrInvalidPrice, KindOracle},
	{ErrStalePrice, KindOracle},
	{ErrPriceNotDepegged, KindOracle},

	{ErrEmptyFund, KindEconomic},
	{ErrZeroShares, KindEconomic},
	{ErrNothingToClaim, KindEconomic},
	{ErrAlreadyClaimed, KindEconomic},
	{ErrInvalidIndex, KindEconomic},
	{ErrBelowMinPremium, KindEconomic},
	{ErrNegativeShares, KindEconomic},
	{state.ErrSharesOverflow, KindEconomic},
	{state.ErrPremiumOverflow, KindEconomic},
	{ErrInvalidAmount, KindEconomic},
	{ErrInsufficientBalance, KindEconomic},

	{ErrPaused, KindOperational},
	{ErrNotPaused, KindOperational},
	{ErrMissingCommandID, KindOperational},
	{ErrUnknownCommand, KindOperational},

	{ErrReentrantCall, KindConcurrency},
	{ErrDuplicateCommand, KindConcurrency},
	{ErrSequenceGap, KindConcurrency},
	{ErrOutOfOrder, KindConcurrency},
	{ErrHashMismatch, KindOperational},
}

// KindOf classifies err. Unrecognized errors are KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}
