package ingestion_test

import (
	"Bastion/internal/event"
	"Bastion/internal/ingestion"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	adminHex     = "0x00000000000000000000000000000000000000a1"
	collectorHex = "0x00000000000000000000000000000000000000c1"
	assetHex     = "0x0000000000000000000000000000000000000a55"
	feedHex      = "0x00000000000000000000000000000000000000fe"
	tokenHex     = "0x0000000000000000000000000000000000000005"
	lpHex        = "0x00000000000000000000000000000000000000b1"
	tsMicros     = int64(1_700_000_000_000_000)
)

func rawFromJSON(t *testing.T, commandType string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:     ingestion.CommandSubject(commandType),
		CommandType: commandType,
		Data:        data,
		Timestamp:   time.Now(),
		AckFunc:     func() {},
		NakFunc:     func() {},
	}
}

func base(caller string) map[string]interface{} {
	return map[string]interface{}{
		"command_id":   "cmd-1",
		"caller":       caller,
		"timestamp_us": tsMicros,
	}
}

// --- Commands ---

func TestParseConfigureAsset(t *testing.T) {
	payload := base(adminHex)
	payload["asset"] = assetHex
	payload["price_feed"] = feedHex
	payload["target_price"] = int64(100_000_000)
	payload["depeg_threshold_bps"] = int64(2000)

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, "ConfigureAsset", payload), "ConfigureAsset")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	c, ok := cmd.(*event.ConfigureAsset)
	if !ok {
		t.Fatalf("expected *event.ConfigureAsset, got %T", cmd)
	}
	if c.Asset != common.HexToAddress(assetHex) {
		t.Errorf("asset: got %s, want %s", c.Asset.Hex(), assetHex)
	}
	if c.PriceFeed != common.HexToAddress(feedHex) {
		t.Errorf("feed: got %s, want %s", c.PriceFeed.Hex(), feedHex)
	}
	if c.TargetPrice != 100_000_000 {
		t.Errorf("target: got %d, want 100000000", c.TargetPrice)
	}
	if c.DepegThresholdBps != 2000 {
		t.Errorf("threshold: got %d, want 2000", c.DepegThresholdBps)
	}
	if c.Caller() != common.HexToAddress(adminHex) {
		t.Errorf("caller: got %s, want %s", c.Caller().Hex(), adminHex)
	}
	if !c.OccurredAt().Equal(time.UnixMicro(tsMicros)) {
		t.Errorf("timestamp: got %s", c.OccurredAt())
	}
	if c.IdempotencyKey() != "cmd-1" {
		t.Errorf("command id: got %s, want cmd-1", c.IdempotencyKey())
	}
}

func TestParseCollectorCommandsKeepSequence(t *testing.T) {
	payload := base(collectorHex)
	payload["sequence"] = int64(7)
	payload["lp"] = lpHex
	payload["shares"] = int64(0)

	cmd, err := ingestion.ParseCommand(event.CommandTypeUpdatePosition, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	up := cmd.(*event.UpdatePosition)
	if up.SourceSequence() != 7 {
		t.Errorf("sequence: got %d, want 7", up.SourceSequence())
	}
	if up.Shares != 0 {
		t.Errorf("shares: got %d, want 0", up.Shares)
	}
	if up.LP != common.HexToAddress(lpHex) {
		t.Errorf("lp: got %s, want %s", up.LP.Hex(), lpHex)
	}
}

func TestParseSetAssetStatusRequiresActive(t *testing.T) {
	payload := base(adminHex)
	payload["asset"] = assetHex

	_, err := ingestion.ParseCommand(event.CommandTypeSetAssetStatus, mustJSON(t, payload))
	if !errors.Is(err, ingestion.ErrMissingField) {
		t.Fatalf("got %v, want ErrMissingField", err)
	}

	payload["active"] = false
	cmd, err := ingestion.ParseCommand(event.CommandTypeSetAssetStatus, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.(*event.SetAssetStatus).Active {
		t.Error("active: got true, want false")
	}
}

func TestParseClaimIndexZeroIsValid(t *testing.T) {
	payload := base(lpHex)
	payload["payout_index"] = int64(0)

	cmd, err := ingestion.ParseCommand(event.CommandTypeClaim, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := cmd.(*event.Claim).PayoutIndex; got != 0 {
		t.Errorf("index: got %d, want 0", got)
	}
}

func TestParseExecutePayoutIgnoresObservation(t *testing.T) {
	payload := base(adminHex)
	payload["asset"] = assetHex
	payload["observation"] = map[string]interface{}{"price": 1}

	cmd, err := ingestion.ParseCommand(event.CommandTypeExecutePayout, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.(*event.ExecutePayout).Observation != nil {
		t.Error("observation from the wire must not reach the command")
	}
}

func TestParseDepositFunds(t *testing.T) {
	payload := base(adminHex)
	payload["owner"] = lpHex
	payload["token"] = tokenHex
	payload["amount"] = int64(2500)

	cmd, err := ingestion.ParseCommand(event.CommandTypeDepositFunds, mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dep := cmd.(*event.DepositFunds)
	if dep.Owner != common.HexToAddress(lpHex) || dep.Caller() != common.HexToAddress(adminHex) {
		t.Errorf("owner %s caller %s", dep.Owner.Hex(), dep.Caller().Hex())
	}
	if dep.Amount != 2500 {
		t.Errorf("amount: got %d", dep.Amount)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		ct      event.CommandType
		mutate  func(map[string]interface{})
		missing bool
	}{
		{"no command id", event.CommandTypePause, func(p map[string]interface{}) { delete(p, "command_id") }, true},
		{"no caller", event.CommandTypePause, func(p map[string]interface{}) { delete(p, "caller") }, true},
		{"bad caller", event.CommandTypePause, func(p map[string]interface{}) { p["caller"] = "alice" }, false},
		{"no timestamp", event.CommandTypePause, func(p map[string]interface{}) { delete(p, "timestamp_us") }, true},
		{"missing token", event.CommandTypeDepositFunds, func(p map[string]interface{}) { p["amount"] = 5 }, true},
		{"deposit without owner", event.CommandTypeDepositFunds, func(p map[string]interface{}) {
			p["token"] = tokenHex
			p["amount"] = 5
		}, true},
		{"bad to", event.CommandTypeEmergencyWithdraw, func(p map[string]interface{}) {
			p["token"] = tokenHex
			p["to"] = "0x123"
		}, false},
		{"missing shares", event.CommandTypeUpdatePosition, func(p map[string]interface{}) { p["lp"] = lpHex }, true},
		{"unknown type", event.CommandTypeUnknown, func(map[string]interface{}) {}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := base(adminHex)
			tt.mutate(payload)
			_, err := ingestion.ParseCommand(tt.ct, mustJSON(t, payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.missing && !errors.Is(err, ingestion.ErrMissingField) {
				t.Errorf("got %v, want ErrMissingField", err)
			}
		})
	}
}

func TestParseMalformedJSON(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte("{not json")}
	if _, err := ingestion.ParseRawCommand(raw, "Claim"); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestEncodeCommandRoundTripsKeeperPayout(t *testing.T) {
	orig := &event.ExecutePayout{
		Meta: event.Meta{
			CommandID: "keeper-1",
			From:      common.HexToAddress(adminHex),
			Timestamp: time.UnixMicro(tsMicros).UTC(),
		},
		Asset: common.HexToAddress(assetHex),
	}

	data, err := ingestion.EncodeCommand(orig)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cmd, err := ingestion.ParseCommand(event.CommandTypeExecutePayout, data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := cmd.(*event.ExecutePayout)
	if got.Asset != orig.Asset || got.Meta != orig.Meta {
		t.Errorf("got %+v, want %+v", got, orig)
	}
}

func TestEncodeCommandUnsupported(t *testing.T) {
	if _, err := ingestion.EncodeCommand(&event.Pause{}); err == nil {
		t.Error("expected error for Pause")
	}
}

// --- Verdicts ---

func TestParseVerdict(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"asset":         assetHex,
		"is_depegged":   true,
		"price":         int64(75_000_000),
		"deviation_bps": int64(2500),
		"timestamp_us":  tsMicros,
		"is_valid":      true,
	})

	v, err := ingestion.ParseVerdict(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if v.Asset != common.HexToAddress(assetHex) || !v.IsDepegged || !v.IsValid {
		t.Errorf("got %+v", v)
	}
	if v.DeviationBps != 2500 {
		t.Errorf("deviation: got %d, want 2500", v.DeviationBps)
	}
}

func TestParseVerdictRequiresAsset(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{"timestamp_us": tsMicros})
	if _, err := ingestion.ParseVerdict(data); !errors.Is(err, ingestion.ErrMissingField) {
		t.Errorf("got %v, want ErrMissingField", err)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
