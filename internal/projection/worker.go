package projection

import (
	"Bastion/internal/core"
	"Bastion/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read model from applied commands.
// The processor's projection channel is non-blocking with drop; a gap in
// sequences is filled from the event log before the next output is applied.
type ProjectionWorker struct {
	pool      *pgxpool.Pool
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(pool *pgxpool.Pool, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		pool:      pool,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// LastSequence returns the last sequence applied to the read model.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run loads the watermark, catches up from the event log, then applies live outputs.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := Watermark(ctx, pw.pool)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = wm
	if _, err := pw.CatchUp(ctx, 0); err != nil {
		pw.logger.Warn().Err(err).Msg("initial catch-up failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Envelope == nil {
				continue
			}
			seq := output.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq > pw.lastSeq+1 {
				if _, err := pw.CatchUp(ctx, seq-1); err != nil || pw.lastSeq < seq-1 {
					pw.logger.Warn().Err(err).
						Int64("sequence", seq).
						Int64("watermark", pw.lastSeq).
						Msg("projection gap not yet persisted, deferring")
					continue
				}
			}

			u, err := FromOutput(output)
			if err == nil {
				err = pw.Apply(ctx, u)
			}
			if err != nil {
				// Eventually consistent: the next gap triggers a catch-up.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
		}
	}
}

// CatchUp applies logged events after the watermark, up to and including
// `until` (0 means everything logged). Returns how many events were applied.
func (pw *ProjectionWorker) CatchUp(ctx context.Context, until int64) (int, error) {
	applied := 0
	for {
		updates, err := pw.loadLogged(ctx, pw.lastSeq+1, until, 500)
		if err != nil {
			return applied, err
		}
		for _, u := range updates {
			if u.Sequence != pw.lastSeq+1 {
				return applied, fmt.Errorf("event log gap at sequence %d", pw.lastSeq+1)
			}
			if err := pw.Apply(ctx, u); err != nil {
				return applied, err
			}
			applied++
		}
		if len(updates) < 500 {
			break
		}
	}
	if applied > 0 {
		pw.logger.Info().Int("events", applied).Int64("watermark", pw.lastSeq).Msg("projection caught up from event log")
	}
	return applied, nil
}

func (pw *ProjectionWorker) loadLogged(ctx context.Context, from, until int64, limit int) ([]Update, error) {
	query := `
		SELECT sequence, command_type, timestamp, result::text
		FROM event_log.events
		WHERE sequence >= $1 AND ($2::bigint = 0 OR sequence <= $2::bigint)
		ORDER BY sequence ASC
		LIMIT $3`
	rows, err := pw.pool.Query(ctx, query, from, until, limit)
	if err != nil {
		return nil, err
	}

	type logged struct {
		seq    int64
		ct     string
		ts     time.Time
		result string
	}
	var events []logged
	for rows.Next() {
		var l logged
		if err := rows.Scan(&l.seq, &l.ct, &l.ts, &l.result); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	journals := make(map[int64][]LoggedJournal, len(events))
	jrows, err := pw.pool.Query(ctx, `
		SELECT sequence, debit_account, credit_account, amount
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, journal_id ASC`,
		events[0].seq, events[len(events)-1].seq)
	if err != nil {
		return nil, err
	}
	defer jrows.Close()
	for jrows.Next() {
		var (
			seq int64
			j   LoggedJournal
		)
		if err := jrows.Scan(&seq, &j.DebitAccount, &j.CreditAccount, &j.Amount); err != nil {
			return nil, err
		}
		journals[seq] = append(journals[seq], j)
	}
	if err := jrows.Err(); err != nil {
		return nil, err
	}

	updates := make([]Update, 0, len(events))
	for _, e := range events {
		u, err := FromLog(e.seq, e.ct, e.ts, []byte(e.result), journals[e.seq])
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// Apply writes one update and advances the watermark in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, u Update) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, pw.pool, func(tx pgx.Tx) error {
		for _, d := range u.Deltas {
			if _, err := tx.Exec(ctx, `
				INSERT INTO projections.balances (account_path, owner, token, balance, last_sequence)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (account_path)
				DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
				              last_sequence = EXCLUDED.last_sequence
			`, d.AccountPath, d.Owner, d.Token, d.Delta, u.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}

		if p := u.Position; p != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO projections.lp_positions (lp, shares, last_sequence, updated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (lp) DO UPDATE SET shares = $2, last_sequence = $3, updated_at = $4
			`, lower(p.LP.Hex()), p.NewShares, u.Sequence, u.Timestamp); err != nil {
				return fmt.Errorf("position projection: %w", err)
			}
		}

		if p := u.Payout; p != nil {
			evt := p.Event
			if _, err := tx.Exec(ctx, `
				INSERT INTO projections.payout_events
					(payout_index, asset, total_payout, allocated, rounding_dust, recipients,
					 price, deviation_bps, sequence, timestamp)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (payout_index) DO NOTHING
			`, evt.Index, lower(evt.Asset.Hex()), evt.TotalPayout, evt.Allocated, evt.RoundingDust,
				evt.Recipients, evt.PriceAtEvent, evt.DeviationBps, u.Sequence, evt.Timestamp); err != nil {
				return fmt.Errorf("payout projection: %w", err)
			}
			batch := &pgx.Batch{}
			for _, c := range p.Claims {
				batch.Queue(`
					INSERT INTO projections.claims (payout_index, lp, amount, claimed)
					VALUES ($1, $2, $3, FALSE)
					ON CONFLICT (payout_index, lp) DO NOTHING
				`, c.PayoutIndex, lower(c.LP.Hex()), c.ClaimableAmount)
			}
			if batch.Len() > 0 {
				if err := tx.SendBatch(ctx, batch).Close(); err != nil {
					return fmt.Errorf("claims projection: %w", err)
				}
			}
		}

		if c := u.Claim; c != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE projections.claims
				SET claimed = TRUE, claimed_sequence = $3
				WHERE payout_index = $1 AND lp = $2
			`, c.PayoutIndex, lower(c.LP.Hex()), u.Sequence)
			if err != nil {
				return fmt.Errorf("claim projection: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("claim projection: no record for payout %d lp %s", c.PayoutIndex, c.LP.Hex())
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO projections.watermark (id, last_sequence, updated_at)
			VALUES (1, $1, NOW())
			ON CONFLICT (id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
		`, u.Sequence); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	pw.lastSeq = u.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(u.CommandType.String()).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.Set(float64(u.Sequence))
	}
	return nil
}

// Watermark returns the last sequence applied to the read model, 0 when empty.
func Watermark(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var seq int64
	err := pool.QueryRow(ctx, `SELECT last_sequence FROM projections.watermark WHERE id = 1`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections truncates the read model; the next CatchUp replays the
// whole event log into it.
func RebuildProjections(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE projections.balances, projections.lp_positions,
		         projections.payout_events, projections.claims, projections.watermark
	`)
	if err != nil {
		return fmt.Errorf("truncate projections: %w", err)
	}
	logger := observability.NewLogger("projection")
	logger.Info().Msg("projections truncated for rebuild")
	return nil
}

func lower(s string) string { return strings.ToLower(s) }
