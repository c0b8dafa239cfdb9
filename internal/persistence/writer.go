package persistence

import (
	"Bastion/internal/core"
	"Bastion/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Caller         string
	Payload        []byte // JSON-encoded command, see event.Encode
	Result         []byte // JSON-encoded outcome
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Token         string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// Record is one applied command in its persisted form.
type Record struct {
	Event    EventRow
	Journals []JournalRow
}

// NewRecord converts a processor output to rows.
func NewRecord(out core.CoreOutput) Record {
	env := out.Envelope
	result := env.Result
	if len(result) == 0 {
		result = []byte("null")
	}
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Caller:         env.Caller.Hex(),
			Payload:        env.Payload,
			Result:         result,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	if out.Batch != nil {
		rec.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			rec.Journals = append(rec.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Token:         j.Token.Hex(),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rec
}

// Envelope rebuilds the envelope of a stored event for replay.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	ct := event.ParseCommandType(r.CommandType)
	if ct == event.CommandTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown command type %q", r.Sequence, r.CommandType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: malformed hash", r.Sequence)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		CommandType:    ct,
		Caller:         common.HexToAddress(r.Caller),
		Timestamp:      r.Timestamp.UTC(),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
		Result:         r.Result,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, caller, payload, result, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Caller,
			string(e.Payload), string(e.Result), e.StateHash, e.PrevHash,
			e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, token, amount, journal_type, timestamp)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Token, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecords writes events and their journals in a single transaction.
func (w *EventLogWriter) WriteRecords(ctx context.Context, records []Record) error {
	events := make([]EventRow, 0, len(records))
	var journals []JournalRow
	for _, r := range records {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return &writeError{stage: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return &writeError{stage: "write_journals", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

// writeError tags a failure with the step that failed, for metrics.
type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func placeholders(offset, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", offset+k)
	}
	b.WriteByte(')')
	return b.String()
}
