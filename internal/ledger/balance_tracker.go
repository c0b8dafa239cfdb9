package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// ValidateSufficient checks an account can fund a debit of required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	have := bt.GetBalance(key)
	if have < required {
		return fmt.Errorf("%w: account=%s have=%d need=%d",
			ErrInsufficientBalance, key.AccountPath(), have, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per token (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]int64 {
	totals := make(map[common.Address]int64)

	for key, balance := range bt.balances {
		totals[key.Token] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// AccountBalance is one row of a serialized balance snapshot.
type AccountBalance struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// Export returns non-zero balances sorted by account path.
func (bt *BalanceTracker) Export() []AccountBalance {
	out := make([]AccountBalance, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v == 0 {
			continue
		}
		out = append(out, AccountBalance{Account: k.AccountPath(), Balance: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Import replaces all balances with an exported set.
func (bt *BalanceTracker) Import(rows []AccountBalance) error {
	balances := make(map[AccountKey]int64, len(rows))
	for _, row := range rows {
		key, err := ParseAccountPath(row.Account)
		if err != nil {
			return err
		}
		balances[key] = row.Balance
	}
	bt.balances = balances
	return nil
}
