package projection

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"Bastion/internal/ledger"
	"Bastion/internal/state"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Update is everything the read model needs from one applied command.
type Update struct {
	Sequence    int64
	CommandType event.CommandType
	Timestamp   time.Time
	Deltas      []BalanceDelta
	Position    *state.PositionChange
	Payout      *core.PayoutResult
	Claim       *core.ClaimResult
}

// BalanceDelta is a signed change to one vault account.
type BalanceDelta struct {
	AccountPath string
	Owner       string // lowercase hex, empty for external accounts
	Token       string // lowercase hex
	Delta       int64
}

// FromOutput builds the update for a live processor output.
func FromOutput(out core.CoreOutput) (Update, error) {
	env := out.Envelope
	u := Update{
		Sequence:    env.Sequence,
		CommandType: env.CommandType,
		Timestamp:   env.Timestamp,
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			u.Deltas = append(u.Deltas, journalDeltas(j.DebitAccount, j.CreditAccount, j.Amount)...)
		}
	}

	switch r := out.Result.(type) {
	case state.PositionChange:
		u.Position = &r
	case core.PayoutResult:
		u.Payout = &r
	case core.ClaimResult:
		u.Claim = &r
	}
	return u, nil
}

// LoggedJournal is a journal row read back from event_log.journal.
type LoggedJournal struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
}

// FromLog builds the update for an event read back from the event log.
func FromLog(sequence int64, commandType string, timestamp time.Time, result []byte, journals []LoggedJournal) (Update, error) {
	ct := event.ParseCommandType(commandType)
	if ct == event.CommandTypeUnknown {
		return Update{}, fmt.Errorf("event %d: unknown command type %q", sequence, commandType)
	}
	u := Update{Sequence: sequence, CommandType: ct, Timestamp: timestamp}

	for _, j := range journals {
		debit, err := ledger.ParseAccountPath(j.DebitAccount)
		if err != nil {
			return Update{}, err
		}
		credit, err := ledger.ParseAccountPath(j.CreditAccount)
		if err != nil {
			return Update{}, err
		}
		u.Deltas = append(u.Deltas, journalDeltas(debit, credit, j.Amount)...)
	}

	var err error
	switch ct {
	case event.CommandTypeUpdatePosition:
		u.Position = &state.PositionChange{}
		err = json.Unmarshal(result, u.Position)
	case event.CommandTypeExecutePayout:
		u.Payout = &core.PayoutResult{}
		err = json.Unmarshal(result, u.Payout)
	case event.CommandTypeClaim:
		u.Claim = &core.ClaimResult{}
		err = json.Unmarshal(result, u.Claim)
	}
	if err != nil {
		return Update{}, fmt.Errorf("event %d: decode %s result: %w", sequence, ct, err)
	}
	return u, nil
}

// journalDeltas follows the vault convention: a debit increases the balance.
func journalDeltas(debit, credit ledger.AccountKey, amount int64) []BalanceDelta {
	return []BalanceDelta{
		accountDelta(debit, amount),
		accountDelta(credit, -amount),
	}
}

func accountDelta(k ledger.AccountKey, delta int64) BalanceDelta {
	owner := ""
	if k.Scope != ledger.AccountScopeExternal {
		owner = strings.ToLower(k.Owner.Hex())
	}
	return BalanceDelta{
		AccountPath: k.AccountPath(),
		Owner:       owner,
		Token:       strings.ToLower(k.Token.Hex()),
		Delta:       delta,
	}
}
