package state

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMinPremium is the smallest accepted premium deposit.
const DefaultMinPremium int64 = 1000

var (
	ErrBelowMinPremium = errors.New("premium below minimum")
	ErrPremiumOverflow = errors.New("premium balance overflow")
	ErrEmptyFund       = errors.New("premium fund is empty")
)

// PremiumLedger is the singleton insurance fund counter. The whole balance is
// consumed by a payout; the fund is not partitioned per asset.
// Not thread-safe: owned by the settlement engine.
type PremiumLedger struct {
	balance        int64
	totalCollected int64
	totalPaidOut   int64
	minPremium     int64
}

func NewPremiumLedger(minPremium int64) *PremiumLedger {
	if minPremium <= 0 {
		minPremium = DefaultMinPremium
	}
	return &PremiumLedger{minPremium: minPremium}
}

// CheckCollect validates a deposit without mutating the ledger.
func (l *PremiumLedger) CheckCollect(amount int64) error {
	if amount < l.minPremium {
		return fmt.Errorf("%w: amount=%d min=%d", ErrBelowMinPremium, amount, l.minPremium)
	}
	if l.balance > math.MaxInt64-amount || l.totalCollected > math.MaxInt64-amount {
		return fmt.Errorf("%w: balance=%d amount=%d", ErrPremiumOverflow, l.balance, amount)
	}
	return nil
}

// Collect grows the fund.
func (l *PremiumLedger) Collect(amount int64) error {
	if err := l.CheckCollect(amount); err != nil {
		return err
	}
	l.balance += amount
	l.totalCollected += amount
	return nil
}

// Drain returns the full balance and resets it to zero.
func (l *PremiumLedger) Drain() (int64, error) {
	if l.balance <= 0 {
		return 0, ErrEmptyFund
	}
	amount := l.balance
	l.balance = 0
	l.totalPaidOut += amount
	return amount, nil
}

func (l *PremiumLedger) Balance() int64        { return l.balance }
func (l *PremiumLedger) TotalCollected() int64 { return l.totalCollected }
func (l *PremiumLedger) TotalPaidOut() int64   { return l.totalPaidOut }
func (l *PremiumLedger) MinPremium() int64     { return l.minPremium }

// PremiumSnapshot is the serializable ledger state.
type PremiumSnapshot struct {
	Balance        int64 `json:"balance"`
	TotalCollected int64 `json:"total_collected"`
	TotalPaidOut   int64 `json:"total_paid_out"`
}

func (l *PremiumLedger) Snapshot() PremiumSnapshot {
	return PremiumSnapshot{
		Balance:        l.balance,
		TotalCollected: l.totalCollected,
		TotalPaidOut:   l.totalPaidOut,
	}
}

func (l *PremiumLedger) Restore(s PremiumSnapshot) {
	l.balance = s.Balance
	l.totalCollected = s.TotalCollected
	l.totalPaidOut = s.TotalPaidOut
}
