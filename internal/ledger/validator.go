package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateInternalNonNegative checks every holder and custody account touched
// by a batch is >= 0. External boundary accounts go negative by construction.
func (v *InvariantValidator) ValidateInternalNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for token, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", token.Hex(), total)
		}
	}

	return nil
}
