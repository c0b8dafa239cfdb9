package ledger_test

import (
	"Bastion/internal/ledger"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	holder  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	other   = common.HexToAddress("0x0000000000000000000000000000000000000b22")
	custody = common.HexToAddress("0x00000000000000000000000000000000000e9e9e")
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_HolderPath(t *testing.T) {
	key := ledger.NewHolderAccountKey(holder, usdc)

	path := key.AccountPath()
	expected := "holder:0x0000000000000000000000000000000000000a11:wallet:0x00000000000000000000000000000000000000c1"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	path := key.AccountPath()
	if path != "external:deposits:0x00000000000000000000000000000000000000c1" {
		t.Errorf("got %q", path)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewHolderAccountKey(holder, usdc),
		ledger.NewCustodyAccountKey(custody, usdc),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, usdc),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("ParseAccountPath(%q): %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("got %+v, want %+v", parsed, key)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	bad := []string{
		"",
		"holder:nothex:wallet:0x00000000000000000000000000000000000000c1",
		"holder:0x0000000000000000000000000000000000000a11:pnl:0x00000000000000000000000000000000000000c1",
		"external:deposits",
		"user:x:y:z",
	}
	for _, path := range bad {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("ParseAccountPath(%q) should fail", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func depositJournal(owner common.Address, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewHolderAccountKey(owner, usdc),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc),
		Token:         usdc,
		Amount:        amount,
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewHolderAccountKey(holder, usdc))
	if balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal(holder, 1_000_000))

	got := bt.GetBalance(ledger.NewHolderAccountKey(holder, usdc))
	if got != 1_000_000 {
		t.Errorf("wallet: got %d, want 1_000_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal(holder, 1_000_000))
	bt.ApplyJournal(ledger.Journal{
		DebitAccount:  ledger.NewCustodyAccountKey(custody, usdc),
		CreditAccount: ledger.NewHolderAccountKey(holder, usdc),
		Token:         usdc,
		Amount:        300_000,
	})

	for token, total := range bt.ComputeGlobalBalance() {
		if total != 0 {
			t.Errorf("token %s has non-zero global balance: %d", token.Hex(), total)
		}
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewHolderAccountKey(holder, usdc)

	if err := bt.ValidateSufficient(key, 100); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}

	bt.ApplyJournal(depositJournal(holder, 1_000))

	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(key, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_ExportImport(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal(holder, 999))
	bt.ApplyJournal(depositJournal(other, 1))

	rows := bt.Export()
	if len(rows) != 3 {
		t.Fatalf("rows: got %d, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i-1].Account >= rows[i].Account {
			t.Errorf("export not sorted at %d: %q >= %q", i, rows[i-1].Account, rows[i].Account)
		}
	}

	restored := ledger.NewBalanceTracker()
	if err := restored.Import(rows); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if got := restored.GetBalance(ledger.NewHolderAccountKey(holder, usdc)); got != 999 {
		t.Errorf("restored: got %d, want 999", got)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := ledger.NewBatch("cmd-1", 0, 0)
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batch := ledger.NewBatch("cmd-1", 0, 0)
		j := depositJournal(holder, amount)
		batch.Append(j)

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	same := ledger.NewHolderAccountKey(holder, usdc)
	batch := ledger.NewBatch("cmd-1", 0, 0)
	batch.Append(ledger.Journal{DebitAccount: same, CreditAccount: same, Token: usdc, Amount: 100})

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := ledger.NewBatch("cmd-1", 0, 0)
	batch.Append(depositJournal(holder, 100))
	batch.Journals[0].BatchID = uuid.New()

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_TokenMismatch_Fails(t *testing.T) {
	batch := ledger.NewBatch("cmd-1", 0, 0)
	j := depositJournal(holder, 100)
	j.Token = other
	batch.Append(j)

	if err := batch.Validate(); err == nil {
		t.Error("token mismatch should fail validation")
	}
}

func TestBatch_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("cmd-42", 7, 1)
	b := ledger.NewBatch("cmd-42", 7, 1)
	a.Append(depositJournal(holder, 1))
	b.Append(depositJournal(holder, 1))

	if a.BatchID != b.BatchID {
		t.Error("batch ids should be derived from the event ref")
	}
	if a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("journal ids should be derived from the event ref and position")
	}
	if a.Journals[0].Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", a.Journals[0].Sequence)
	}
}

// ============================================================================
// Test: Vault
// ============================================================================

func TestVault_DepositTransferWithdraw(t *testing.T) {
	v := ledger.NewVault(custody)
	ctx := context.Background()
	v.Begin("cmd-1", 0, time.Unix(0, 0))

	if err := v.Deposit(holder, usdc, 5_000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := v.TransferFrom(ctx, usdc, holder, custody, 4_000); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if err := v.Transfer(ctx, usdc, other, 1_500); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := v.Withdraw(other, usdc, 500); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	cases := []struct {
		owner common.Address
		want  int64
	}{
		{holder, 1_000},
		{custody, 2_500},
		{other, 1_000},
	}
	for _, tc := range cases {
		if got := v.BalanceOf(tc.owner, usdc); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.owner.Hex(), got, tc.want)
		}
	}

	batch := v.Commit()
	if len(batch.Journals) != 4 {
		t.Fatalf("journals: got %d, want 4", len(batch.Journals))
	}
	if err := v.ValidateBatch(batch); err != nil {
		t.Errorf("batch should validate: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

func TestVault_InsufficientBalance(t *testing.T) {
	v := ledger.NewVault(custody)
	v.Deposit(holder, usdc, 100)

	err := v.TransferFrom(context.Background(), usdc, holder, custody, 101)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if v.BalanceOf(holder, usdc) != 100 {
		t.Error("failed transfer must not move funds")
	}
}

func TestVault_RejectsNonPositiveAndZeroToken(t *testing.T) {
	v := ledger.NewVault(custody)
	if err := v.Deposit(holder, usdc, 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if err := v.Deposit(holder, common.Address{}, 10); !errors.Is(err, ledger.ErrZeroToken) {
		t.Errorf("zero token: got %v", err)
	}
}

func TestVault_JournalTypeFromContext(t *testing.T) {
	v := ledger.NewVault(custody)
	v.Begin("cmd-1", 0, time.Unix(0, 0))
	v.Deposit(holder, usdc, 10)

	ctx := ledger.WithJournalType(context.Background(), ledger.JournalTypePremiumPull)
	v.TransferFrom(ctx, usdc, holder, custody, 10)

	batch := v.Commit()
	if batch.Journals[1].JournalType != ledger.JournalTypePremiumPull {
		t.Errorf("journal type: got %s, want premium_pull", batch.Journals[1].JournalType)
	}
}

func TestVault_Rollback(t *testing.T) {
	v := ledger.NewVault(custody)
	v.Begin("cmd-1", 0, time.Unix(0, 0))
	v.Deposit(holder, usdc, 10)
	v.Commit()

	v.Begin("cmd-2", 1, time.Unix(1, 0))
	v.TransferFrom(context.Background(), usdc, holder, other, 4)

	if n := v.Rollback(); n != 1 {
		t.Errorf("unwound: got %d, want 1", n)
	}
	if v.BalanceOf(holder, usdc) != 10 || v.BalanceOf(other, usdc) != 0 {
		t.Error("rollback should restore balances")
	}
	if v.Commit() != nil {
		t.Error("rollback should discard the open batch")
	}
}

func TestVault_CancelledContext(t *testing.T) {
	v := ledger.NewVault(custody)
	v.Deposit(holder, usdc, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := v.TransferFrom(ctx, usdc, holder, other, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(depositJournal(holder, 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_DetectsImbalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := bt.Import([]ledger.AccountBalance{
		{Account: ledger.NewHolderAccountKey(holder, usdc).AccountPath(), Balance: 5},
	}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if err := v.ValidateGlobalBalance(); err == nil {
		t.Error("one-sided balance should violate zero-sum")
	}
}
