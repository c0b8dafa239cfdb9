package math

// DepegCheck is the result of comparing a market price against its peg.
type DepegCheck struct {
	DeviationBps int64
	IsDepegged   bool
}

// DeviationBps returns |current - target| * 10000 / target, truncated and
// capped at math.MaxInt64. target must be > 0.
func DeviationBps(current, target int64) int64 {
	diff := target - current
	if current >= target {
		diff = current - target
	}
	return MulDivFloor(diff, BpsScale, target)
}

// DetectDepeg classifies a price reading against a peg target.
// Only downside deviation strictly greater than thresholdBps is a depeg;
// prices at or above target are never flagged.
func DetectDepeg(current, target, thresholdBps int64) DepegCheck {
	deviation := DeviationBps(current, target)
	if current >= target {
		return DepegCheck{DeviationBps: deviation}
	}
	return DepegCheck{
		DeviationBps: deviation,
		IsDepegged:   deviation > thresholdBps,
	}
}
