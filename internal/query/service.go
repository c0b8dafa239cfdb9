package query

import (
	"Bastion/internal/core"
	fpmath "Bastion/internal/math"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the projection tables. Every
// response that reads projections carries as_of_sequence for freshness.
type QueryService struct {
	pool *pgxpool.Pool
}

func NewQueryService(pool *pgxpool.Pool) *QueryService {
	return &QueryService{pool: pool}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// GetPayoutHistory returns payout events newest first. before is the cursor
// returned by the previous page; nil starts from the newest event.
func (qs *QueryService) GetPayoutHistory(ctx context.Context, asset *common.Address, limit int, before *int64) (*PayoutPage, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	query := `
		SELECT payout_index, asset, total_payout, allocated, rounding_dust, recipients,
		       price, deviation_bps, sequence, timestamp
		FROM projections.payout_events
		WHERE TRUE`
	args := []interface{}{}
	argIdx := 1

	if asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, strings.ToLower(asset.Hex()))
		argIdx++
	}
	if before != nil {
		query += fmt.Sprintf(" AND payout_index < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY payout_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	page := &PayoutPage{AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			p                PayoutEventResponse
			total, allocated int64
			price, deviation int64
		)
		if err := rows.Scan(
			&p.PayoutIndex, &p.Asset, &total, &allocated, &p.RoundingDust, &p.Recipients,
			&price, &deviation, &p.Sequence, &p.Timestamp,
		); err != nil {
			return nil, err
		}
		p.TotalPayout = NewAmount(total)
		p.Allocated = NewAmount(allocated)
		p.Price = fpmath.FormatPrice(price)
		p.DeviationBps = deviation
		p.Deviation = fpmath.FormatBps(deviation)
		page.Payouts = append(page.Payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Payouts) > limit {
		page.Payouts = page.Payouts[:limit]
		cursor := page.Payouts[limit-1].PayoutIndex
		page.NextCursor = &cursor
	}
	return page, nil
}

// GetClaimsByLP returns every claim record of an LP, newest payout first.
// With unclaimedOnly the already-paid records are skipped.
func (qs *QueryService) GetClaimsByLP(ctx context.Context, lp common.Address, unclaimedOnly bool) ([]ClaimResponse, error) {
	query := `
		SELECT payout_index, lp, amount, claimed, claimed_sequence
		FROM projections.claims
		WHERE lp = $1`
	if unclaimedOnly {
		query += " AND NOT claimed"
	}
	query += " ORDER BY payout_index DESC"

	rows, err := qs.pool.Query(ctx, query, strings.ToLower(lp.Hex()))
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()

	var out []ClaimResponse
	for rows.Next() {
		var (
			c      ClaimResponse
			amount int64
		)
		if err := rows.Scan(&c.PayoutIndex, &c.LP, &amount, &c.Claimed, &c.ClaimedSequence); err != nil {
			return nil, err
		}
		c.Amount = NewAmount(amount)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLPPosition returns the projected position of an LP.
func (qs *QueryService) GetLPPosition(ctx context.Context, lp common.Address) (*LPPositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	p := &LPPositionResponse{AsOfSequence: asOfSeq}
	err = qs.pool.QueryRow(ctx, `
		SELECT lp, shares, last_sequence, updated_at
		FROM projections.lp_positions
		WHERE lp = $1
	`, strings.ToLower(lp.Hex())).Scan(&p.LP, &p.Shares, &p.LastSequence, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lp %s: %w", lp.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetJournalHistory returns journal entries touching a holder, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	accountPattern := fmt.Sprintf("%%:%s:%%", strings.ToLower(holder.Hex()))

	query := `
		SELECT journal_id::text, batch_id::text, event_ref, sequence,
		       debit_account, credit_account, token, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []interface{}{accountPattern}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journals: %w", err)
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Amount = NewAmount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain, sequence continuity and that
// projected balances net to zero per token.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log.events`).Scan(&report.CheckedEvents); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	genesis := core.GenesisHash()
	rows, err := qs.pool.Query(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE (e1.sequence = 1 AND e1.prev_hash <> $1)
		   OR (e2.sequence IS NOT NULL AND e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`, genesis[:])
	if err != nil {
		return nil, fmt.Errorf("check hash chain: %w", err)
	}
	report.HashChainBreaks, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	rows, err = qs.pool.Query(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		WHERE e1.sequence > 1
		  AND NOT EXISTS (SELECT 1 FROM event_log.events e2 WHERE e2.sequence = e1.sequence - 1)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("check sequence gaps: %w", err)
	}
	report.SequenceGaps, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	balanceRows, err := qs.pool.Query(ctx, `
		SELECT token, SUM(balance)::bigint AS total
		FROM projections.balances
		GROUP BY token
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, fmt.Errorf("check balances: %w", err)
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedToken
		if err := balanceRows.Scan(&u.Token, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedTokens = append(report.UnbalancedTokens, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedTokens) == 0
	return report, nil
}

// AsOfSequence returns the read model watermark.
func (qs *QueryService) AsOfSequence(ctx context.Context) (int64, error) {
	return qs.getWatermark(ctx)
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.pool.QueryRow(ctx, `SELECT last_sequence FROM projections.watermark WHERE id = 1`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
