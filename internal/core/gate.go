package core

import (
	fpmath "Bastion/internal/math"
	"Bastion/internal/oracle"
	"Bastion/internal/state"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxPriceAge is the oldest price feed update accepted.
	DefaultMaxPriceAge = 2 * time.Hour

	// DefaultMaxConsensusAge is the oldest consensus verdict accepted.
	DefaultMaxConsensusAge = time.Hour
)

// GateStage tracks how far a payout got through dual-oracle reconciliation.
type GateStage int

const (
	StageUnchecked GateStage = iota
	StageConsensusChecked
	StageOracleConfirmed
	StageSettled
)

func (s GateStage) String() string {
	switch s {
	case StageUnchecked:
		return "unchecked"
	case StageConsensusChecked:
		return "consensus_checked"
	case StageOracleConfirmed:
		return "oracle_confirmed"
	case StageSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// GateLimits bounds data freshness.
type GateLimits struct {
	MaxPriceAge     time.Duration
	MaxConsensusAge time.Duration
}

// DefaultGateLimits returns the 2h price / 1h consensus limits.
func DefaultGateLimits() GateLimits {
	return GateLimits{
		MaxPriceAge:     DefaultMaxPriceAge,
		MaxConsensusAge: DefaultMaxConsensusAge,
	}
}

func (l GateLimits) withDefaults() GateLimits {
	if l.MaxPriceAge <= 0 {
		l.MaxPriceAge = DefaultMaxPriceAge
	}
	if l.MaxConsensusAge <= 0 {
		l.MaxConsensusAge = DefaultMaxConsensusAge
	}
	return l
}

// Readings are the oracle answers a gate evaluation runs on.
type Readings struct {
	ConsensusWired bool
	Verdict        oracle.Verdict
	VerdictErr     error

	// Price is only meaningful once consensus passed.
	Price    oracle.PriceReading
	PriceErr error
}

// GateResult is the outcome of EvaluateGate.
type GateResult struct {
	Stage   GateStage
	Err     error
	Verdict oracle.Verdict
	Reading oracle.PriceReading
	Depeg   fpmath.DepegCheck
}

// Passed reports whether both sources confirmed the depeg.
func (r GateResult) Passed() bool {
	return r.Err == nil && r.Stage >= StageOracleConfirmed
}

// GateError is returned by payout execution when reconciliation fails.
type GateError struct {
	Stage GateStage
	Err   error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("payout gate failed after stage %s: %v", e.Stage, e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }

// CheckConsensus applies the consensus checks in order: availability,
// validity, freshness, affirmative verdict.
func CheckConsensus(wired bool, v oracle.Verdict, lookupErr error, now time.Time, maxAge time.Duration) error {
	if !wired {
		return ErrConsensusUnavailable
	}
	if lookupErr != nil {
		return fmt.Errorf("%w: %v", ErrConsensusUnavailable, lookupErr)
	}
	if !v.IsValid {
		return ErrConsensusInvalid
	}
	if age := now.Sub(v.Timestamp); age > maxAge {
		return fmt.Errorf("%w: age=%s max=%s", ErrConsensusStale, age, maxAge)
	}
	if !v.IsDepegged {
		return ErrConsensusDisagrees
	}
	return nil
}

// CheckPrice validates a feed reading and runs depeg detection against the coverage.
func CheckPrice(r oracle.PriceReading, readErr error, cov state.AssetCoverage, now time.Time, maxAge time.Duration) (fpmath.DepegCheck, error) {
	if readErr != nil {
		return fpmath.DepegCheck{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, readErr)
	}
	if r.Price <= 0 {
		return fpmath.DepegCheck{}, fmt.Errorf("%w: %d", ErrInvalidPrice, r.Price)
	}
	if age := now.Sub(r.UpdatedAt); age > maxAge {
		return fpmath.DepegCheck{}, fmt.Errorf("%w: age=%s max=%s", ErrStalePrice, age, maxAge)
	}

	check := fpmath.DetectDepeg(r.Price, cov.TargetPrice, cov.DepegThresholdBps)
	if !check.IsDepegged {
		return check, fmt.Errorf("%w: deviation=%dbps threshold=%dbps",
			ErrPriceNotDepegged, check.DeviationBps, cov.DepegThresholdBps)
	}
	return check, nil
}

// EvaluateGate runs Unchecked -> ConsensusChecked -> OracleConfirmed. It is a
// pure function of its inputs; the keeper and the engine share it.
func EvaluateGate(rd Readings, cov state.AssetCoverage, now time.Time, limits GateLimits) GateResult {
	limits = limits.withDefaults()
	res := GateResult{Stage: StageUnchecked, Verdict: rd.Verdict}

	if err := CheckConsensus(rd.ConsensusWired, rd.Verdict, rd.VerdictErr, now, limits.MaxConsensusAge); err != nil {
		res.Err = err
		return res
	}
	res.Stage = StageConsensusChecked
	res.Reading = rd.Price

	check, err := CheckPrice(rd.Price, rd.PriceErr, cov, now, limits.MaxPriceAge)
	res.Depeg = check
	if err != nil {
		res.Err = err
		return res
	}
	res.Stage = StageOracleConfirmed
	return res
}

var gateReasons = []struct {
	err    error
	reason string
}{
	{ErrConsensusUnavailable, "consensus_unavailable"},
	{ErrConsensusInvalid, "consensus_invalid"},
	{ErrConsensusStale, "consensus_stale"},
	{ErrConsensusDisagrees, "consensus_disagrees"},
	{ErrPriceUnavailable, "price_unavailable"},
	{ErrInvalidPrice, "invalid_price"},
	{ErrStalePrice, "stale_price"},
	{ErrPriceNotDepegged, "price_not_depegged"},
}

// gateReason is the metric label for a gate failure.
func gateReason(err error) string {
	for _, r := range gateReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "other"
}
