package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a fixed-point token amount rendered for API responses.
type Amount struct {
	Raw     int64           `json:"raw"`
	Decimal decimal.Decimal `json:"decimal"`
}

// PayoutEventResponse is one row of payout history.
type PayoutEventResponse struct {
	PayoutIndex  int64     `json:"payout_index"`
	Asset        string    `json:"asset"`
	TotalPayout  Amount    `json:"total_payout"`
	Allocated    Amount    `json:"allocated"`
	RoundingDust int64     `json:"rounding_dust"`
	Recipients   int       `json:"recipients"`
	Price        string    `json:"price"`
	DeviationBps int64     `json:"deviation_bps"`
	Deviation    string    `json:"deviation_pct"`
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// PayoutPage is a cursor-paginated slice of payout history, newest first.
type PayoutPage struct {
	Payouts      []PayoutEventResponse `json:"payouts"`
	NextCursor   *int64                `json:"next_cursor,omitempty"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// ClaimResponse is one LP's record under one payout.
type ClaimResponse struct {
	PayoutIndex     int64  `json:"payout_index"`
	LP              string `json:"lp"`
	Amount          Amount `json:"amount"`
	Claimed         bool   `json:"claimed"`
	ClaimedSequence *int64 `json:"claimed_sequence,omitempty"`
}

// BalanceResponse is one vault account of a holder.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Owner        string `json:"owner"`
	Token        string `json:"token"`
	Balance      Amount `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// LPPositionResponse is the projected share position of an LP.
type LPPositionResponse struct {
	LP           string    `json:"lp"`
	Shares       int64     `json:"shares"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        Amount `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	CheckedEvents    int64             `json:"checked_events"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
}

// UnbalancedToken is a token whose journal entries do not net to zero.
type UnbalancedToken struct {
	Token     string `json:"token"`
	Imbalance int64  `json:"imbalance"`
}
