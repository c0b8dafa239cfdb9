package ingestion

import (
	"Bastion/internal/event"
	"Bastion/internal/oracle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var ErrMissingField = errors.New("missing required field")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses are
// 0x-prefixed hex, timestamps are unix microseconds.

type commandJSON struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`

	Asset             string `json:"asset,omitempty"`
	PriceFeed         string `json:"price_feed,omitempty"`
	TargetPrice       int64  `json:"target_price,omitempty"`
	DepegThresholdBps int64  `json:"depeg_threshold_bps,omitempty"`
	Active            *bool  `json:"active,omitempty"`
	Token             string `json:"token,omitempty"`
	Collector         string `json:"collector,omitempty"`
	To                string `json:"to,omitempty"`
	Amount            int64  `json:"amount,omitempty"`
	LP                string `json:"lp,omitempty"`
	Owner             string `json:"owner,omitempty"`
	Shares            *int64 `json:"shares,omitempty"`
	PayoutIndex       *int64 `json:"payout_index,omitempty"`
}

// ParseRawCommand converts a RawEvent into a typed command.
func ParseRawCommand(raw RawEvent, commandType string) (event.Command, error) {
	return ParseCommand(event.ParseCommandType(commandType), raw.Data)
}

// ParseCommand decodes the wire JSON of one command type.
func ParseCommand(ct event.CommandType, data []byte) (event.Command, error) {
	if ct == event.CommandTypeUnknown {
		return nil, fmt.Errorf("unknown command type")
	}

	var j commandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}
	meta, err := j.meta()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}

	p := &fieldParser{}
	var cmd event.Command
	switch ct {
	case event.CommandTypeConfigureAsset:
		cmd = &event.ConfigureAsset{
			Meta:              meta,
			Asset:             p.address("asset", j.Asset),
			PriceFeed:         p.address("price_feed", j.PriceFeed),
			TargetPrice:       j.TargetPrice,
			DepegThresholdBps: j.DepegThresholdBps,
		}
	case event.CommandTypeSetAssetStatus:
		cmd = &event.SetAssetStatus{
			Meta:   meta,
			Asset:  p.address("asset", j.Asset),
			Active: p.boolean("active", j.Active),
		}
	case event.CommandTypeSetPayoutToken:
		cmd = &event.SetPayoutToken{Meta: meta, Token: p.address("token", j.Token)}
	case event.CommandTypeSetCollector:
		cmd = &event.SetCollector{Meta: meta, Collector: p.address("collector", j.Collector)}
	case event.CommandTypePause:
		cmd = &event.Pause{Meta: meta}
	case event.CommandTypeUnpause:
		cmd = &event.Unpause{Meta: meta}
	case event.CommandTypeEmergencyWithdraw:
		cmd = &event.EmergencyWithdraw{
			Meta:   meta,
			Token:  p.address("token", j.Token),
			To:     p.address("to", j.To),
			Amount: j.Amount,
		}
	case event.CommandTypeCollectPremium:
		cmd = &event.CollectPremium{Meta: meta, Token: p.address("token", j.Token), Amount: j.Amount}
	case event.CommandTypeUpdatePosition:
		cmd = &event.UpdatePosition{Meta: meta, LP: p.address("lp", j.LP), Shares: p.int64("shares", j.Shares)}
	case event.CommandTypeExecutePayout:
		cmd = &event.ExecutePayout{Meta: meta, Asset: p.address("asset", j.Asset)}
	case event.CommandTypeClaim:
		cmd = &event.Claim{Meta: meta, PayoutIndex: p.int64("payout_index", j.PayoutIndex)}
	case event.CommandTypeDepositFunds:
		cmd = &event.DepositFunds{
			Meta:   meta,
			Owner:  p.address("owner", j.Owner),
			Token:  p.address("token", j.Token),
			Amount: j.Amount,
		}
	case event.CommandTypeWithdrawFunds:
		cmd = &event.WithdrawFunds{Meta: meta, Token: p.address("token", j.Token), Amount: j.Amount}
	default:
		return nil, fmt.Errorf("unsupported command type: %s", ct)
	}

	if p.err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, p.err)
	}
	return cmd, nil
}

func (j commandJSON) meta() (event.Meta, error) {
	if j.CommandID == "" {
		return event.Meta{}, fmt.Errorf("command_id: %w", ErrMissingField)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return event.Meta{}, err
	}
	if j.TimestampUs <= 0 {
		return event.Meta{}, fmt.Errorf("timestamp_us: %w", ErrMissingField)
	}
	return event.Meta{
		CommandID: j.CommandID,
		From:      caller,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Sequence:  j.Sequence,
	}, nil
}

// fieldParser keeps the first error so constructors read as plain literals.
type fieldParser struct {
	err error
}

func (p *fieldParser) address(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	addr, err := parseAddress(field, s)
	p.err = err
	return addr
}

func (p *fieldParser) boolean(field string, v *bool) bool {
	if v == nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s: %w", field, ErrMissingField)
		}
		return false
	}
	return *v
}

func (p *fieldParser) int64(field string, v *int64) int64 {
	if v == nil {
		if p.err == nil {
			p.err = fmt.Errorf("%s: %w", field, ErrMissingField)
		}
		return 0
	}
	return *v
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%s: %w", field, ErrMissingField)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

type verdictJSON struct {
	Asset        string `json:"asset"`
	IsDepegged   bool   `json:"is_depegged"`
	Price        int64  `json:"price"`
	DeviationBps int64  `json:"deviation_bps"`
	TimestampUs  int64  `json:"timestamp_us"`
	IsValid      bool   `json:"is_valid"`
}

// ParseVerdict decodes a consensus verdict published by the operator network.
func ParseVerdict(data []byte) (oracle.Verdict, error) {
	var j verdictJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return oracle.Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}
	if j.TimestampUs <= 0 {
		return oracle.Verdict{}, fmt.Errorf("parse verdict: timestamp_us: %w", ErrMissingField)
	}
	return oracle.Verdict{
		Asset:        asset,
		IsDepegged:   j.IsDepegged,
		Price:        j.Price,
		DeviationBps: j.DeviationBps,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
		IsValid:      j.IsValid,
	}, nil
}

// EncodeCommand renders a command in the wire format. The keeper uses it to
// submit payouts over NATS.
func EncodeCommand(cmd event.Command) ([]byte, error) {
	j := commandJSON{
		CommandID:   cmd.IdempotencyKey(),
		Caller:      cmd.Caller().Hex(),
		Sequence:    cmd.SourceSequence(),
		TimestampUs: cmd.OccurredAt().UnixMicro(),
	}
	switch c := cmd.(type) {
	case *event.ExecutePayout:
		j.Asset = c.Asset.Hex()
	case *event.Claim:
		j.PayoutIndex = &c.PayoutIndex
	case *event.CollectPremium:
		j.Token, j.Amount = c.Token.Hex(), c.Amount
	case *event.UpdatePosition:
		j.LP, j.Shares = c.LP.Hex(), &c.Shares
	default:
		return nil, fmt.Errorf("wire encoding not supported for %s", cmd.CommandType())
	}
	return json.Marshal(j)
}
