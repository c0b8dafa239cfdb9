package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command of the given type.
func New(ct CommandType) (Command, error) {
	switch ct {
	case CommandTypeConfigureAsset:
		return &ConfigureAsset{}, nil
	case CommandTypeSetAssetStatus:
		return &SetAssetStatus{}, nil
	case CommandTypeSetPayoutToken:
		return &SetPayoutToken{}, nil
	case CommandTypeSetCollector:
		return &SetCollector{}, nil
	case CommandTypePause:
		return &Pause{}, nil
	case CommandTypeUnpause:
		return &Unpause{}, nil
	case CommandTypeEmergencyWithdraw:
		return &EmergencyWithdraw{}, nil
	case CommandTypeCollectPremium:
		return &CollectPremium{}, nil
	case CommandTypeUpdatePosition:
		return &UpdatePosition{}, nil
	case CommandTypeExecutePayout:
		return &ExecutePayout{}, nil
	case CommandTypeClaim:
		return &Claim{}, nil
	case CommandTypeDepositFunds:
		return &DepositFunds{}, nil
	case CommandTypeWithdrawFunds:
		return &WithdrawFunds{}, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
}

// Encode serializes a command for the event log.
func Encode(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return payload, nil
}

// Decode restores a command from its log payload.
func Decode(ct CommandType, payload []byte) (Command, error) {
	cmd, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
