package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypePremiumPull
	JournalTypeClaimPayout
	JournalTypeEmergencyWithdrawal
	JournalTypeTransfer
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypePremiumPull:
		return "premium_pull"
	case JournalTypeClaimPayout:
		return "claim_payout"
	case JournalTypeEmergencyWithdrawal:
		return "emergency_withdrawal"
	case JournalTypeTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// journalNamespace seeds deterministic journal and batch ids.
var journalNamespace = uuid.MustParse("6f1c4a52-0d3e-5b7a-9c21-3e8f5d0a4b19")

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Deterministic: derived from EventRef and position
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Token         common.Address // Token being transferred
	Amount        int64          // ALWAYS positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch creates an empty batch whose id is derived from the command's
// idempotency key, so replay produces identical ids.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte("batch:"+eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Append stamps a journal with the batch identity and adds it.
func (b *Batch) Append(j Journal) {
	j.BatchID = b.BatchID
	j.EventRef = b.EventRef
	j.Sequence = b.Sequence
	j.Timestamp = b.Timestamp
	j.JournalID = uuid.NewSHA1(journalNamespace,
		[]byte(fmt.Sprintf("journal:%s:%d", b.EventRef, len(b.Journals))))
	b.Journals = append(b.Journals, j)
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from credit to debit, so
// Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s moves %s between accounts of another token",
				j.JournalID, j.Token.Hex())
		}
	}

	return nil
}
