package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be > 0")
	ErrZeroToken           = errors.New("token must be non-zero")
)

type journalTypeKey struct{}

// WithJournalType tags transfers made with ctx so the vault records them under jt.
func WithJournalType(ctx context.Context, jt JournalType) context.Context {
	return context.WithValue(ctx, journalTypeKey{}, jt)
}

func journalTypeFrom(ctx context.Context, fallback JournalType) JournalType {
	if jt, ok := ctx.Value(journalTypeKey{}).(JournalType); ok {
		return jt
	}
	return fallback
}

// Vault is the custodial token ledger behind the settlement engine. Every
// movement is a balanced journal applied immediately; journals accumulate in
// the open batch until the command pipeline commits them.
type Vault struct {
	mu        sync.Mutex
	custody   common.Address
	tracker   *BalanceTracker
	validator *InvariantValidator
	batch     *Batch
}

func NewVault(custody common.Address) *Vault {
	tracker := NewBalanceTracker()
	return &Vault{
		custody:   custody,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// Custody returns the address whose account holds engine funds.
func (v *Vault) Custody() common.Address {
	return v.custody
}

// Begin opens the batch that will collect journals for one command.
func (v *Vault) Begin(eventRef string, sequence int64, timestamp time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.batch = NewBatch(eventRef, sequence, timestamp.UnixMicro())
}

// Commit closes the open batch and returns it. The batch may be empty.
func (v *Vault) Commit() *Batch {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.batch
	v.batch = nil
	return b
}

// Rollback reverses every journal of the open batch and discards it.
// Returns the number of journals unwound.
func (v *Vault) Rollback() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.batch == nil {
		return 0
	}
	n := len(v.batch.Journals)
	for i := n - 1; i >= 0; i-- {
		j := v.batch.Journals[i]
		j.DebitAccount, j.CreditAccount = j.CreditAccount, j.DebitAccount
		v.tracker.ApplyJournal(j)
	}
	v.batch = nil
	return n
}

func (v *Vault) keyFor(owner, token common.Address) AccountKey {
	if owner == v.custody {
		return NewCustodyAccountKey(owner, token)
	}
	return NewHolderAccountKey(owner, token)
}

// move must be called with v.mu held.
func (v *Vault) move(debit, credit AccountKey, token common.Address, amount int64, jt JournalType) error {
	if token == (common.Address{}) {
		return ErrZeroToken
	}
	if amount <= 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidAmount, amount)
	}
	if credit.Scope != AccountScopeExternal {
		if err := v.tracker.ValidateSufficient(credit, amount); err != nil {
			return err
		}
	}
	if v.batch == nil {
		v.batch = NewBatch("", 0, 0)
	}

	v.batch.Append(Journal{
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         token,
		Amount:        amount,
		JournalType:   jt,
	})
	v.tracker.ApplyJournal(v.batch.Journals[len(v.batch.Journals)-1])
	return nil
}

// Deposit credits a holder with tokens entering from outside the system.
func (v *Vault) Deposit(owner, token common.Address, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(
		v.keyFor(owner, token),
		NewExternalAccountKey(SubTypeExternalDeposits, token),
		token, amount, JournalTypeDeposit,
	)
}

// Withdraw debits a holder for tokens leaving the system.
func (v *Vault) Withdraw(owner, token common.Address, amount int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(
		NewExternalAccountKey(SubTypeExternalWithdrawals, token),
		v.keyFor(owner, token),
		token, amount, JournalTypeWithdrawal,
	)
}

// TransferFrom moves tokens between two holders.
func (v *Vault) TransferFrom(ctx context.Context, token, from, to common.Address, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.move(v.keyFor(to, token), v.keyFor(from, token), token, amount,
		journalTypeFrom(ctx, JournalTypeTransfer))
}

// Transfer moves tokens out of custody.
func (v *Vault) Transfer(ctx context.Context, token, to common.Address, amount int64) error {
	return v.TransferFrom(ctx, token, v.custody, to, amount)
}

// BalanceOf returns owner's balance of token.
func (v *Vault) BalanceOf(owner, token common.Address) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tracker.GetBalance(v.keyFor(owner, token))
}

// Balance returns the balance of an arbitrary account.
func (v *Vault) Balance(key AccountKey) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tracker.GetBalance(key)
}

// ValidateGlobalBalance checks the zero-sum invariant.
func (v *Vault) ValidateGlobalBalance() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validator.ValidateGlobalBalance()
}

// ValidateBatch checks a committed batch is well-formed and left no internal
// account negative.
func (v *Vault) ValidateBatch(batch *Batch) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.validator.ValidateBatchBalance(batch); err != nil {
		return err
	}
	return v.validator.ValidateInternalNonNegative(batch)
}

// Export returns the serialized balances for snapshots.
func (v *Vault) Export() []AccountBalance {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tracker.Export()
}

// Import restores balances from a snapshot.
func (v *Vault) Import(rows []AccountBalance) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tracker.Import(rows)
}
