package state_test

import (
	"Bastion/internal/state"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assetB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	feedA  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	lp1    = common.HexToAddress("0x0000000000000000000000000000000000000101")
	lp2    = common.HexToAddress("0x0000000000000000000000000000000000000102")
	lp3    = common.HexToAddress("0x0000000000000000000000000000000000000103")
	t0     = time.Unix(1_700_000_000, 0).UTC()
)

// ============================================================================
// Test: CoverageRegistry
// ============================================================================

func TestCoverageRegistry_ConfigureDefaultsThreshold(t *testing.T) {
	r := state.NewCoverageRegistry()

	c, err := r.Configure(assetA, feedA, 100_000_000, 0, t0)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if c.DepegThresholdBps != state.DefaultDepegThresholdBps {
		t.Errorf("threshold: got %d, want %d", c.DepegThresholdBps, state.DefaultDepegThresholdBps)
	}
	if !c.Active {
		t.Error("configured asset should be active")
	}
}

func TestCoverageRegistry_ConfigureValidation(t *testing.T) {
	cases := []struct {
		name      string
		asset     common.Address
		feed      common.Address
		target    int64
		threshold int64
		want      error
	}{
		{"zero asset", common.Address{}, feedA, 1, 0, state.ErrZeroAddress},
		{"zero feed", assetA, common.Address{}, 1, 0, state.ErrZeroAddress},
		{"zero target", assetA, feedA, 0, 0, state.ErrInvalidTargetPrice},
		{"negative target", assetA, feedA, -5, 0, state.ErrInvalidTargetPrice},
		{"threshold above 100%", assetA, feedA, 1, 10_001, state.ErrThresholdOutOfRange},
		{"negative threshold", assetA, feedA, 1, -1, state.ErrThresholdOutOfRange},
	}

	for _, tc := range cases {
		r := state.NewCoverageRegistry()
		_, err := r.Configure(tc.asset, tc.feed, tc.target, tc.threshold, t0)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
		if len(r.Assets()) != 0 {
			t.Errorf("%s: rejected configure must not register the asset", tc.name)
		}
	}
}

func TestCoverageRegistry_ThresholdUpperBoundAccepted(t *testing.T) {
	r := state.NewCoverageRegistry()
	if _, err := r.Configure(assetA, feedA, 1, 10_000, t0); err != nil {
		t.Errorf("threshold 10000 should be accepted: %v", err)
	}
}

func TestCoverageRegistry_OverwriteKeepsOrder(t *testing.T) {
	r := state.NewCoverageRegistry()
	r.Configure(assetA, feedA, 100, 100, t0)
	r.Configure(assetB, feedA, 100, 100, t0)
	r.SetActive(assetA, false, t0)

	c, err := r.Configure(assetA, feedA, 200, 300, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("reconfigure failed: %v", err)
	}
	if c.TargetPrice != 200 || c.DepegThresholdBps != 300 || !c.Active {
		t.Errorf("reconfigure: got %+v", c)
	}

	assets := r.Assets()
	if len(assets) != 2 || assets[0] != assetA || assets[1] != assetB {
		t.Errorf("assets: got %v, want [%s %s]", assets, assetA.Hex(), assetB.Hex())
	}
}

func TestCoverageRegistry_SetActiveUnknownAsset(t *testing.T) {
	r := state.NewCoverageRegistry()
	_, err := r.SetActive(assetA, true, t0)
	if !errors.Is(err, state.ErrAssetNotConfigured) {
		t.Errorf("got %v, want ErrAssetNotConfigured", err)
	}
}

func TestCoverageRegistry_DeactivateThenActivate(t *testing.T) {
	r := state.NewCoverageRegistry()
	r.Configure(assetA, feedA, 100, 0, t0)

	if c, _ := r.SetActive(assetA, false, t0); c.Active {
		t.Error("deactivate should clear active flag")
	}
	if c, _ := r.SetActive(assetA, true, t0); !c.Active {
		t.Error("activate should set active flag")
	}
}

// ============================================================================
// Test: LPRegistry
// ============================================================================

func TestLPRegistry_ShareInvariantAcrossUpdates(t *testing.T) {
	r := state.NewLPRegistry()

	steps := []struct {
		lp     common.Address
		shares int64
	}{
		{lp1, 1000},
		{lp2, 3000},
		{lp1, 500},
		{lp3, 42},
		{lp2, 0},
		{lp1, 7000},
	}
	for _, s := range steps {
		if _, err := r.UpdatePosition(s.lp, s.shares, t0); err != nil {
			t.Fatalf("UpdatePosition(%s, %d): %v", s.lp.Hex(), s.shares, err)
		}
		if err := r.ValidateShareInvariant(); err != nil {
			t.Fatalf("after %s=%d: %v", s.lp.Hex(), s.shares, err)
		}
	}

	if r.TotalShares() != 7042 {
		t.Errorf("total shares: got %d, want 7042", r.TotalShares())
	}
}

func TestLPRegistry_FirstRegistrationAppendsOnce(t *testing.T) {
	r := state.NewLPRegistry()

	first, _ := r.UpdatePosition(lp1, 10, t0)
	if !first.FirstRegistration {
		t.Error("first update should be a registration")
	}
	second, _ := r.UpdatePosition(lp1, 0, t0)
	if second.FirstRegistration {
		t.Error("second update must not re-register")
	}
	r.UpdatePosition(lp1, 5, t0)

	if r.Len() != 1 {
		t.Errorf("arena length: got %d, want 1", r.Len())
	}
}

func TestLPRegistry_ActiveFlagAndTimestamp(t *testing.T) {
	r := state.NewLPRegistry()
	r.UpdatePosition(lp1, 10, t0)
	later := t0.Add(time.Hour)
	r.UpdatePosition(lp1, 0, later)

	pos, ok := r.Position(lp1)
	if !ok {
		t.Fatal("lp1 should be registered")
	}
	if pos.Active {
		t.Error("zero shares must be inactive")
	}
	if !pos.LastUpdateTime.Equal(later) {
		t.Errorf("timestamp: got %v, want %v", pos.LastUpdateTime, later)
	}
}

func TestLPRegistry_Rejections(t *testing.T) {
	r := state.NewLPRegistry()

	if _, err := r.UpdatePosition(common.Address{}, 1, t0); !errors.Is(err, state.ErrZeroAddress) {
		t.Errorf("zero lp: got %v", err)
	}
	if _, err := r.UpdatePosition(lp1, -1, t0); !errors.Is(err, state.ErrNegativeShares) {
		t.Errorf("negative shares: got %v", err)
	}
	if r.Len() != 0 || r.TotalShares() != 0 {
		t.Error("rejected updates must not change the registry")
	}
}

func TestLPRegistry_HoldingsSkipZeroShares(t *testing.T) {
	r := state.NewLPRegistry()
	r.UpdatePosition(lp1, 10, t0)
	r.UpdatePosition(lp2, 0, t0)
	r.UpdatePosition(lp3, 30, t0)

	h := r.Holdings()
	if len(h) != 2 {
		t.Fatalf("holdings: got %d, want 2", len(h))
	}
	if r.At(h[0].Index).LP != lp1 || r.At(h[1].Index).LP != lp3 {
		t.Errorf("holdings order: got %+v", h)
	}
}

func TestLPRegistry_RestoreRecomputesTotal(t *testing.T) {
	r := state.NewLPRegistry()
	r.UpdatePosition(lp1, 10, t0)
	r.UpdatePosition(lp2, 20, t0)

	restored := state.NewLPRegistry()
	if err := restored.Restore(r.Snapshot()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.TotalShares() != 30 {
		t.Errorf("total: got %d, want 30", restored.TotalShares())
	}
	if _, ok := restored.Position(lp2); !ok {
		t.Error("lp2 missing after restore")
	}
}

// ============================================================================
// Test: PremiumLedger
// ============================================================================

func TestPremiumLedger_BelowMinimumRejected(t *testing.T) {
	l := state.NewPremiumLedger(1000)
	if err := l.Collect(500); !errors.Is(err, state.ErrBelowMinPremium) {
		t.Errorf("got %v, want ErrBelowMinPremium", err)
	}
	if l.Balance() != 0 {
		t.Errorf("balance: got %d, want 0", l.Balance())
	}
}

func TestPremiumLedger_CollectAndDrain(t *testing.T) {
	l := state.NewPremiumLedger(1000)
	l.Collect(1000)
	l.Collect(3000)

	amount, err := l.Drain()
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if amount != 4000 {
		t.Errorf("drained: got %d, want 4000", amount)
	}
	if l.Balance() != 0 {
		t.Errorf("balance after drain: got %d, want 0", l.Balance())
	}
	if l.TotalPaidOut() != 4000 || l.TotalCollected() != 4000 {
		t.Errorf("totals: collected=%d paid=%d", l.TotalCollected(), l.TotalPaidOut())
	}
}

func TestPremiumLedger_DrainEmpty(t *testing.T) {
	l := state.NewPremiumLedger(0)
	if _, err := l.Drain(); !errors.Is(err, state.ErrEmptyFund) {
		t.Errorf("got %v, want ErrEmptyFund", err)
	}
	if l.MinPremium() != state.DefaultMinPremium {
		t.Errorf("min premium: got %d, want %d", l.MinPremium(), state.DefaultMinPremium)
	}
}

// ============================================================================
// Test: ClaimsLedger
// ============================================================================

func newLedgerWithPayout() *state.ClaimsLedger {
	l := state.NewClaimsLedger()
	l.RecordPayout(state.PayoutEvent{
		Asset:       assetA,
		TotalPayout: 4001,
		Timestamp:   t0,
	}, []state.ClaimAllocation{
		{LP: lp1, Amount: 1000},
		{LP: lp2, Amount: 3000},
		{LP: lp3, Amount: 0},
	})
	return l
}

func TestClaimsLedger_RecordPayoutAssignsIndex(t *testing.T) {
	l := newLedgerWithPayout()
	evt := l.RecordPayout(state.PayoutEvent{Asset: assetB, TotalPayout: 1}, nil)

	if evt.Index != 1 {
		t.Errorf("index: got %d, want 1", evt.Index)
	}
	first, _ := l.Payout(0)
	if first.Recipients != 2 {
		t.Errorf("recipients: got %d, want 2", first.Recipients)
	}
	if first.RoundingDust != 1 {
		t.Errorf("dust: got %d, want 1", first.RoundingDust)
	}
}

func TestClaimsLedger_ClaimOnce(t *testing.T) {
	l := newLedgerWithPayout()

	amount, err := l.MarkClaimed(0, lp1)
	if err != nil {
		t.Fatalf("MarkClaimed failed: %v", err)
	}
	if amount != 1000 {
		t.Errorf("amount: got %d, want 1000", amount)
	}

	rec, _ := l.Record(0, lp1)
	if !rec.Claimed || rec.ClaimableAmount != 0 {
		t.Errorf("record after claim: got %+v", rec)
	}

	if _, err := l.MarkClaimed(0, lp1); !errors.Is(err, state.ErrAlreadyClaimed) {
		t.Errorf("second claim: got %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaimsLedger_ErrorOrder(t *testing.T) {
	l := newLedgerWithPayout()

	if _, err := l.MarkClaimed(1, lp1); !errors.Is(err, state.ErrInvalidIndex) {
		t.Errorf("out of range: got %v", err)
	}
	if _, err := l.MarkClaimed(-1, lp1); !errors.Is(err, state.ErrInvalidIndex) {
		t.Errorf("negative index: got %v", err)
	}
	if _, err := l.MarkClaimed(0, lp3); !errors.Is(err, state.ErrNothingToClaim) {
		t.Errorf("zero allocation: got %v", err)
	}
}

func TestClaimsLedger_RevertClaim(t *testing.T) {
	l := newLedgerWithPayout()
	amount, _ := l.MarkClaimed(0, lp2)
	l.RevertClaim(0, lp2, amount)

	got, _ := l.Claimable(0, lp2)
	if got != 3000 {
		t.Errorf("claimable after revert: got %d, want 3000", got)
	}
}

func TestClaimsLedger_SnapshotRoundTrip(t *testing.T) {
	l := newLedgerWithPayout()
	l.MarkClaimed(0, lp1)

	restored := state.NewClaimsLedger()
	if err := restored.Restore(l.Snapshot()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, err := restored.MarkClaimed(0, lp1); !errors.Is(err, state.ErrAlreadyClaimed) {
		t.Errorf("restored claim flag lost: %v", err)
	}
	if got, _ := restored.Claimable(0, lp2); got != 3000 {
		t.Errorf("restored claimable: got %d, want 3000", got)
	}
}
