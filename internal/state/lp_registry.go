package state

import (
	fpmath "Bastion/internal/math"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNegativeShares = errors.New("shares must be >= 0")
	ErrSharesOverflow = errors.New("total shares overflow")
	ErrDuplicateLP    = errors.New("duplicate lp in snapshot")
)

// LPPosition is one liquidity provider's claim on the protected pool.
type LPPosition struct {
	LP             common.Address `json:"lp"`
	Shares         int64          `json:"shares"`
	LastUpdateTime time.Time      `json:"last_update_time"`
	Active         bool           `json:"active"` // shares > 0
}

// PositionChange describes the effect of one UpdatePosition call.
type PositionChange struct {
	LP                common.Address `json:"lp"`
	OldShares         int64          `json:"old_shares"`
	NewShares         int64          `json:"new_shares"`
	Delta             int64          `json:"delta"`
	TotalShares       int64          `json:"total_shares"`
	FirstRegistration bool           `json:"first_registration"`
}

// LPRegistry stores positions in an append-only arena. Each LP gets a stable
// slot on first registration; the index map is the presence set.
// Not thread-safe: owned by the settlement engine.
type LPRegistry struct {
	arena       []LPPosition
	index       map[common.Address]int
	totalShares int64
}

func NewLPRegistry() *LPRegistry {
	return &LPRegistry{
		index: make(map[common.Address]int),
	}
}

// UpdatePosition sets an LP's shares and moves totalShares by the delta.
func (r *LPRegistry) UpdatePosition(lp common.Address, newShares int64, timestamp time.Time) (PositionChange, error) {
	if lp == (common.Address{}) {
		return PositionChange{}, fmt.Errorf("lp: %w", ErrZeroAddress)
	}
	if newShares < 0 {
		return PositionChange{}, fmt.Errorf("%w, got %d", ErrNegativeShares, newShares)
	}

	slot, exists := r.index[lp]
	var oldShares int64
	if exists {
		oldShares = r.arena[slot].Shares
	}

	delta := newShares - oldShares
	if delta > 0 && r.totalShares > math.MaxInt64-delta {
		return PositionChange{}, fmt.Errorf("%w: total=%d delta=%d", ErrSharesOverflow, r.totalShares, delta)
	}

	if !exists {
		slot = len(r.arena)
		r.arena = append(r.arena, LPPosition{LP: lp})
		r.index[lp] = slot
	}

	pos := &r.arena[slot]
	pos.Shares = newShares
	pos.Active = newShares > 0
	pos.LastUpdateTime = timestamp
	r.totalShares += delta

	return PositionChange{
		LP:                lp,
		OldShares:         oldShares,
		NewShares:         newShares,
		Delta:             delta,
		TotalShares:       r.totalShares,
		FirstRegistration: !exists,
	}, nil
}

// Position returns a copy of the LP's position.
func (r *LPRegistry) Position(lp common.Address) (LPPosition, bool) {
	slot, ok := r.index[lp]
	if !ok {
		return LPPosition{}, false
	}
	return r.arena[slot], true
}

// TotalShares returns the running total.
func (r *LPRegistry) TotalShares() int64 {
	return r.totalShares
}

// Len returns the number of LPs ever registered.
func (r *LPRegistry) Len() int {
	return len(r.arena)
}

// At returns the position stored in an arena slot.
func (r *LPRegistry) At(slot int) LPPosition {
	return r.arena[slot]
}

// Holdings returns every LP with shares > 0, in arena order.
func (r *LPRegistry) Holdings() []fpmath.ShareHolding {
	out := make([]fpmath.ShareHolding, 0, len(r.arena))
	for i, pos := range r.arena {
		if pos.Shares > 0 {
			out = append(out, fpmath.ShareHolding{Index: i, Shares: pos.Shares})
		}
	}
	return out
}

// SumShares recomputes Σ shares from the arena.
func (r *LPRegistry) SumShares() int64 {
	var sum int64
	for _, pos := range r.arena {
		sum += pos.Shares
	}
	return sum
}

// ValidateShareInvariant checks totalShares == Σ shares.
func (r *LPRegistry) ValidateShareInvariant() error {
	if sum := r.SumShares(); sum != r.totalShares {
		return fmt.Errorf("share invariant violated: total=%d sum=%d", r.totalShares, sum)
	}
	return nil
}

// Snapshot returns the arena in slot order.
func (r *LPRegistry) Snapshot() []LPPosition {
	out := make([]LPPosition, len(r.arena))
	copy(out, r.arena)
	return out
}

// ValidatePositions checks a registry snapshot without loading it.
func ValidatePositions(positions []LPPosition) error {
	seen := make(map[common.Address]struct{}, len(positions))
	for _, pos := range positions {
		if _, dup := seen[pos.LP]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateLP, pos.LP.Hex())
		}
		if pos.Shares < 0 {
			return fmt.Errorf("%s: %w", pos.LP.Hex(), ErrNegativeShares)
		}
		seen[pos.LP] = struct{}{}
	}
	return nil
}

// Restore rebuilds the registry from a snapshot, preserving slot order.
// On error the registry is unchanged.
func (r *LPRegistry) Restore(positions []LPPosition) error {
	if err := ValidatePositions(positions); err != nil {
		return err
	}
	arena := make([]LPPosition, 0, len(positions))
	index := make(map[common.Address]int, len(positions))
	var total int64

	for _, pos := range positions {
		pos.Active = pos.Shares > 0
		index[pos.LP] = len(arena)
		arena = append(arena, pos)
		total += pos.Shares
	}

	r.arena = arena
	r.index = index
	r.totalShares = total
	return nil
}
