package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidIndex   = errors.New("invalid payout index")
	ErrAlreadyClaimed = errors.New("already claimed")
	ErrNothingToClaim = errors.New("nothing to claim")
)

// PayoutEvent is an immutable settlement record. Index is its position in the log.
type PayoutEvent struct {
	Index        int64          `json:"index"`
	Asset        common.Address `json:"asset"`
	TotalPayout  int64          `json:"total_payout"`
	Timestamp    time.Time      `json:"timestamp"`
	PriceAtEvent int64          `json:"price_at_event"`
	DeviationBps int64          `json:"deviation_bps"`
	Recipients   int            `json:"recipients"`
	Allocated    int64          `json:"allocated"`
	RoundingDust int64          `json:"rounding_dust"`
}

// ClaimRecord is one LP's entitlement under one payout event.
type ClaimRecord struct {
	PayoutIndex     int64          `json:"payout_index"`
	LP              common.Address `json:"lp"`
	ClaimableAmount int64          `json:"claimable_amount"`
	Claimed         bool           `json:"claimed"`
}

// ClaimAllocation is an input row for RecordPayout.
type ClaimAllocation struct {
	LP     common.Address
	Amount int64
}

// ClaimsLedger is the append-only payout log plus per-event claim records.
// Records for an event are stored in allocation order so iteration is deterministic.
// Not thread-safe: owned by the settlement engine.
type ClaimsLedger struct {
	payouts []PayoutEvent
	records [][]ClaimRecord
	lookup  []map[common.Address]int
}

func NewClaimsLedger() *ClaimsLedger {
	return &ClaimsLedger{}
}

// RecordPayout appends a payout event with its claim records and returns it
// with Index assigned. Allocations with a zero amount are skipped.
func (l *ClaimsLedger) RecordPayout(evt PayoutEvent, allocations []ClaimAllocation) PayoutEvent {
	evt.Index = int64(len(l.payouts))

	records := make([]ClaimRecord, 0, len(allocations))
	lookup := make(map[common.Address]int, len(allocations))
	var allocated int64
	for _, a := range allocations {
		if a.Amount <= 0 {
			continue
		}
		lookup[a.LP] = len(records)
		records = append(records, ClaimRecord{
			PayoutIndex:     evt.Index,
			LP:              a.LP,
			ClaimableAmount: a.Amount,
		})
		allocated += a.Amount
	}
	evt.Recipients = len(records)
	evt.Allocated = allocated
	evt.RoundingDust = evt.TotalPayout - allocated

	l.payouts = append(l.payouts, evt)
	l.records = append(l.records, records)
	l.lookup = append(l.lookup, lookup)
	return evt
}

func (l *ClaimsLedger) checkIndex(index int64) error {
	if index < 0 || index >= int64(len(l.payouts)) {
		return fmt.Errorf("%w: %d (have %d events)", ErrInvalidIndex, index, len(l.payouts))
	}
	return nil
}

// Record returns the LP's record for an event. A missing record is returned
// as an unclaimed zero-amount record.
func (l *ClaimsLedger) Record(index int64, lp common.Address) (ClaimRecord, error) {
	if err := l.checkIndex(index); err != nil {
		return ClaimRecord{}, err
	}
	slot, ok := l.lookup[index][lp]
	if !ok {
		return ClaimRecord{PayoutIndex: index, LP: lp}, nil
	}
	return l.records[index][slot], nil
}

// Claimable returns the amount still payable to lp for an event.
func (l *ClaimsLedger) Claimable(index int64, lp common.Address) (int64, error) {
	rec, err := l.Record(index, lp)
	if err != nil {
		return 0, err
	}
	if rec.Claimed {
		return 0, nil
	}
	return rec.ClaimableAmount, nil
}

// MarkClaimed moves a record to its terminal state (claimed, zero amount)
// and returns the amount that must be transferred.
func (l *ClaimsLedger) MarkClaimed(index int64, lp common.Address) (int64, error) {
	if err := l.checkIndex(index); err != nil {
		return 0, err
	}
	slot, ok := l.lookup[index][lp]
	if !ok {
		return 0, fmt.Errorf("%w: index=%d lp=%s", ErrNothingToClaim, index, lp.Hex())
	}
	rec := &l.records[index][slot]
	if rec.Claimed {
		return 0, fmt.Errorf("%w: index=%d lp=%s", ErrAlreadyClaimed, index, lp.Hex())
	}
	if rec.ClaimableAmount == 0 {
		return 0, fmt.Errorf("%w: index=%d lp=%s", ErrNothingToClaim, index, lp.Hex())
	}

	amount := rec.ClaimableAmount
	rec.Claimed = true
	rec.ClaimableAmount = 0
	return amount, nil
}

// RevertClaim undoes MarkClaimed when the outbound transfer could not be made.
func (l *ClaimsLedger) RevertClaim(index int64, lp common.Address, amount int64) {
	slot, ok := l.lookup[index][lp]
	if !ok {
		return
	}
	rec := &l.records[index][slot]
	rec.Claimed = false
	rec.ClaimableAmount = amount
}

// Payout returns one event.
func (l *ClaimsLedger) Payout(index int64) (PayoutEvent, error) {
	if err := l.checkIndex(index); err != nil {
		return PayoutEvent{}, err
	}
	return l.payouts[index], nil
}

// Payouts returns the full log.
func (l *ClaimsLedger) Payouts() []PayoutEvent {
	out := make([]PayoutEvent, len(l.payouts))
	copy(out, l.payouts)
	return out
}

// Len returns the number of payout events.
func (l *ClaimsLedger) Len() int64 {
	return int64(len(l.payouts))
}

// Records returns every claim record of an event in allocation order.
func (l *ClaimsLedger) Records(index int64) ([]ClaimRecord, error) {
	if err := l.checkIndex(index); err != nil {
		return nil, err
	}
	out := make([]ClaimRecord, len(l.records[index]))
	copy(out, l.records[index])
	return out, nil
}

// Outstanding sums every amount still claimable across all events.
func (l *ClaimsLedger) Outstanding() int64 {
	var sum int64
	for _, recs := range l.records {
		for _, rec := range recs {
			if !rec.Claimed {
				sum += rec.ClaimableAmount
			}
		}
	}
	return sum
}

// ClaimsSnapshot is the serializable ledger state.
type ClaimsSnapshot struct {
	Payouts []PayoutEvent   `json:"payouts"`
	Records [][]ClaimRecord `json:"records"`
}

func (l *ClaimsLedger) Snapshot() ClaimsSnapshot {
	snap := ClaimsSnapshot{
		Payouts: l.Payouts(),
		Records: make([][]ClaimRecord, len(l.records)),
	}
	for i, recs := range l.records {
		snap.Records[i] = make([]ClaimRecord, len(recs))
		copy(snap.Records[i], recs)
	}
	return snap
}

// Validate checks that every payout has exactly one record set.
func (s ClaimsSnapshot) Validate() error {
	if len(s.Payouts) != len(s.Records) {
		return fmt.Errorf("claims snapshot mismatch: %d payouts, %d record sets",
			len(s.Payouts), len(s.Records))
	}
	return nil
}

// Restore replaces the ledger with snap. On error the ledger is unchanged.
func (l *ClaimsLedger) Restore(snap ClaimsSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	l.payouts = make([]PayoutEvent, len(snap.Payouts))
	copy(l.payouts, snap.Payouts)
	l.records = make([][]ClaimRecord, len(snap.Records))
	l.lookup = make([]map[common.Address]int, len(snap.Records))
	for i, recs := range snap.Records {
		l.records[i] = make([]ClaimRecord, len(recs))
		copy(l.records[i], recs)
		l.lookup[i] = make(map[common.Address]int, len(recs))
		for slot, rec := range recs {
			l.lookup[i][rec.LP] = slot
		}
	}
	return nil
}
