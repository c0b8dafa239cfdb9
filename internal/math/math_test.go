package math_test

import (
	fpmath "Bastion/internal/math"
	stdmath "math"
	"math/big"
	"testing"
)

// ============================================================================
// Test: Depeg detection
// ============================================================================

func TestDetectDepeg_BelowTarget(t *testing.T) {
	check := fpmath.DetectDepeg(75_000_000, 100_000_000, 2000)
	if check.DeviationBps != 2500 {
		t.Errorf("deviation: got %d, want 2500", check.DeviationBps)
	}
	if !check.IsDepegged {
		t.Error("25% below peg with 20% threshold should be a depeg")
	}
}

func TestDetectDepeg_ExactlyAtThreshold(t *testing.T) {
	// 80_000_000 is exactly 2000 bps below 100_000_000.
	check := fpmath.DetectDepeg(80_000_000, 100_000_000, 2000)
	if check.DeviationBps != 2000 {
		t.Errorf("deviation: got %d, want 2000", check.DeviationBps)
	}
	if check.IsDepegged {
		t.Error("deviation equal to threshold must not be a depeg")
	}
}

func TestDetectDepeg_OneBpsAboveThreshold(t *testing.T) {
	// 79_990_000 is 2001 bps below peg.
	check := fpmath.DetectDepeg(79_990_000, 100_000_000, 2000)
	if check.DeviationBps != 2001 {
		t.Errorf("deviation: got %d, want 2001", check.DeviationBps)
	}
	if !check.IsDepegged {
		t.Error("deviation one bps above threshold must be a depeg")
	}
}

func TestDetectDepeg_AboveTargetNeverDepegged(t *testing.T) {
	check := fpmath.DetectDepeg(200_000_000, 100_000_000, 2000)
	if check.DeviationBps != 10_000 {
		t.Errorf("deviation: got %d, want 10000", check.DeviationBps)
	}
	if check.IsDepegged {
		t.Error("upside deviation must never be flagged")
	}
}

func TestDetectDepeg_AtTarget(t *testing.T) {
	check := fpmath.DetectDepeg(100_000_000, 100_000_000, 0)
	if check.DeviationBps != 0 || check.IsDepegged {
		t.Errorf("got %+v, want zero deviation and no depeg", check)
	}
}

func TestDetectDepeg_TruncatesTowardZero(t *testing.T) {
	// (3 * 10000) / 7 = 4285.7 -> 4285
	check := fpmath.DetectDepeg(4, 7, 4285)
	if check.DeviationBps != 4285 {
		t.Errorf("deviation: got %d, want 4285", check.DeviationBps)
	}
	if check.IsDepegged {
		t.Error("truncated deviation equal to threshold must not be a depeg")
	}
}

func TestDeviationBps_LargeValuesDoNotOverflow(t *testing.T) {
	const target = int64(9_000_000_000_000_000_000)
	got := fpmath.DeviationBps(target/2, target)
	if got != 5000 {
		t.Errorf("got %d, want 5000", got)
	}
}

func TestDeviationBps_SaturatesAbovePeg(t *testing.T) {
	// (MaxInt64 - 1) * 10000 / 1 does not fit in int64.
	check := fpmath.DetectDepeg(stdmath.MaxInt64, 1, 500)
	if check.DeviationBps != stdmath.MaxInt64 {
		t.Errorf("deviation: got %d, want MaxInt64", check.DeviationBps)
	}
	if check.IsDepegged {
		t.Error("price above target must not be a depeg")
	}
	if got := fpmath.DeviationBps(1_000_000_000_000_000, 1); got != stdmath.MaxInt64 {
		t.Errorf("got %d, want MaxInt64", got)
	}
}

// ============================================================================
// Test: Pro-rata distribution
// ============================================================================

func TestProRata_ExampleScenario(t *testing.T) {
	if got := fpmath.ProRata(1000, 4000, 4000); got != 1000 {
		t.Errorf("LP1: got %d, want 1000", got)
	}
	if got := fpmath.ProRata(3000, 4000, 4000); got != 3000 {
		t.Errorf("LP2: got %d, want 3000", got)
	}
}

func TestProRata_ZeroInputs(t *testing.T) {
	cases := []struct {
		name                       string
		shares, total, totalShares int64
	}{
		{"zero shares", 0, 100, 10},
		{"zero total", 5, 0, 10},
		{"zero total shares", 5, 100, 0},
	}
	for _, tc := range cases {
		if got := fpmath.ProRata(tc.shares, tc.total, tc.totalShares); got != 0 {
			t.Errorf("%s: got %d, want 0", tc.name, got)
		}
	}
}

func TestComputeDistribution_DustBoundedByHolders(t *testing.T) {
	holdings := []fpmath.ShareHolding{
		{Index: 0, Shares: 1},
		{Index: 1, Shares: 1},
		{Index: 2, Shares: 1},
	}
	dist := fpmath.ComputeDistribution(100, 3, holdings)

	if dist.Allocated > dist.TotalPayout {
		t.Fatalf("allocated %d exceeds payout %d", dist.Allocated, dist.TotalPayout)
	}
	if dist.Allocated != 99 {
		t.Errorf("allocated: got %d, want 99", dist.Allocated)
	}
	if dist.RoundingDust != 1 {
		t.Errorf("dust: got %d, want 1", dist.RoundingDust)
	}
	if dist.RoundingDust >= int64(len(dist.Allocations)) {
		t.Errorf("dust %d must be below holder count %d", dist.RoundingDust, len(dist.Allocations))
	}
}

func TestComputeDistribution_SkipsZeroClaims(t *testing.T) {
	holdings := []fpmath.ShareHolding{
		{Index: 0, Shares: 1},
		{Index: 1, Shares: 1_000_000},
		{Index: 2, Shares: 0},
	}
	dist := fpmath.ComputeDistribution(10, 1_000_001, holdings)

	if len(dist.Allocations) != 1 {
		t.Fatalf("allocations: got %d, want 1", len(dist.Allocations))
	}
	if dist.Allocations[0].Index != 1 {
		t.Errorf("allocation index: got %d, want 1", dist.Allocations[0].Index)
	}
	if dist.Allocations[0].Claimable != 9 {
		t.Errorf("claimable: got %d, want 9", dist.Allocations[0].Claimable)
	}
}

func TestComputeDistribution_PreservesInputOrder(t *testing.T) {
	holdings := []fpmath.ShareHolding{
		{Index: 7, Shares: 2},
		{Index: 3, Shares: 2},
	}
	dist := fpmath.ComputeDistribution(4, 4, holdings)
	if dist.Allocations[0].Index != 7 || dist.Allocations[1].Index != 3 {
		t.Errorf("allocation order changed: %+v", dist.Allocations)
	}
}

// ============================================================================
// Test: Fixed-point helpers
// ============================================================================

func TestMulDivFloor(t *testing.T) {
	if got := fpmath.MulDivFloor(7, 3, 2); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
	if got := fpmath.MulDivFloor(stdmath.MaxInt64, 3, 2); got != stdmath.MaxInt64 {
		t.Errorf("overflow: got %d, want MaxInt64", got)
	}
	if got := fpmath.MulDivFloor(stdmath.MaxInt64, 2, 4); got != stdmath.MaxInt64/2 {
		t.Errorf("wide intermediate: got %d, want %d", got, int64(stdmath.MaxInt64/2))
	}
}

func TestFormatPrice(t *testing.T) {
	if got := fpmath.FormatPrice(75_000_000); got != "0.75" {
		t.Errorf("got %q, want %q", got, "0.75")
	}
	if got := fpmath.FormatPrice(100_000_000); got != "1" {
		t.Errorf("got %q, want %q", got, "1")
	}
}

func TestFormatBps(t *testing.T) {
	if got := fpmath.FormatBps(2500); got != "25" {
		t.Errorf("got %q, want %q", got, "25")
	}
}

func TestRescaleDecimals(t *testing.T) {
	// 18-decimal 0.99 -> 8-decimal 99_000_000
	in, _ := new(big.Int).SetString("990000000000000000", 10)
	got := fpmath.RescaleDecimals(in, 18, 8)
	if got.Int64() != 99_000_000 {
		t.Errorf("got %s, want 99000000", got)
	}

	up := fpmath.RescaleDecimals(big.NewInt(99), 6, 8)
	if up.Int64() != 9900 {
		t.Errorf("got %s, want 9900", up)
	}
}
