package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeConfigureAsset
	CommandTypeSetAssetStatus
	CommandTypeSetPayoutToken
	CommandTypeSetCollector
	CommandTypePause
	CommandTypeUnpause
	CommandTypeEmergencyWithdraw
	CommandTypeCollectPremium
	CommandTypeUpdatePosition
	CommandTypeExecutePayout
	CommandTypeClaim
	CommandTypeDepositFunds
	CommandTypeWithdrawFunds
)

// CollectorPartition is the sequencing partition of the fee collector's stream.
const CollectorPartition = "collector"

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the processor
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Authenticated caller
	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (collector stream only)
	SourceSequence int64

	// JSON-encoded command, see Encode
	Payload []byte

	// JSON-encoded command outcome
	Result []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all command payloads must implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Caller returns the identity the command acts for
	Caller() common.Address

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// Meta carries the fields every command shares.
type Meta struct {
	CommandID string         `json:"command_id"`
	From      common.Address `json:"caller"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence,omitempty"`
}

func (m Meta) IdempotencyKey() string { return m.CommandID }
func (m Meta) Caller() common.Address { return m.From }
func (m Meta) OccurredAt() time.Time  { return m.Timestamp }
func (m Meta) SourceSequence() int64  { return m.Sequence }

// Partition returns the sequencing partition of a command type. Only the
// collector stream is strictly ordered; other commands return "".
func (ct CommandType) Partition() string {
	switch ct {
	case CommandTypeCollectPremium, CommandTypeUpdatePosition:
		return CollectorPartition
	default:
		return ""
	}
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeConfigureAsset:
		return "ConfigureAsset"
	case CommandTypeSetAssetStatus:
		return "SetAssetStatus"
	case CommandTypeSetPayoutToken:
		return "SetPayoutToken"
	case CommandTypeSetCollector:
		return "SetCollector"
	case CommandTypePause:
		return "Pause"
	case CommandTypeUnpause:
		return "Unpause"
	case CommandTypeEmergencyWithdraw:
		return "EmergencyWithdraw"
	case CommandTypeCollectPremium:
		return "CollectPremium"
	case CommandTypeUpdatePosition:
		return "UpdatePosition"
	case CommandTypeExecutePayout:
		return "ExecutePayout"
	case CommandTypeClaim:
		return "Claim"
	case CommandTypeDepositFunds:
		return "DepositFunds"
	case CommandTypeWithdrawFunds:
		return "WithdrawFunds"
	default:
		return "Unknown"
	}
}

// OutcomeName is the name of the outbound event published after the command applies.
func (ct CommandType) OutcomeName() string {
	switch ct {
	case CommandTypeConfigureAsset:
		return "AssetConfigured"
	case CommandTypeSetAssetStatus:
		return "AssetStatusChanged"
	case CommandTypeSetPayoutToken:
		return "PayoutTokenSet"
	case CommandTypeSetCollector:
		return "CollectorSet"
	case CommandTypePause:
		return "Paused"
	case CommandTypeUnpause:
		return "Unpaused"
	case CommandTypeEmergencyWithdraw:
		return "EmergencyWithdrawn"
	case CommandTypeCollectPremium:
		return "PremiumCollected"
	case CommandTypeUpdatePosition:
		return "PositionUpdated"
	case CommandTypeExecutePayout:
		return "PayoutExecuted"
	case CommandTypeClaim:
		return "ClaimPaid"
	case CommandTypeDepositFunds:
		return "FundsDeposited"
	case CommandTypeWithdrawFunds:
		return "FundsWithdrawn"
	default:
		return "Unknown"
	}
}

// ParseCommandType is the inverse of CommandType.String.
func ParseCommandType(s string) CommandType {
	for ct := CommandTypeConfigureAsset; ct <= CommandTypeWithdrawFunds; ct++ {
		if ct.String() == s {
			return ct
		}
	}
	return CommandTypeUnknown
}
