package query

import (
	fpmath "Bastion/internal/math"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NewAmount renders a raw amount with the 8-decimal convention.
func NewAmount(raw int64) Amount {
	return Amount{Raw: raw, Decimal: fpmath.ToDecimal(raw, fpmath.PriceConfig)}
}

// GetBalances returns every vault account owned by holder. With a non-zero
// token only that token's accounts are returned.
func (qs *QueryService) GetBalances(ctx context.Context, holder, token common.Address) ([]BalanceResponse, error) {
	query := `
		SELECT account_path, owner, token, balance, last_sequence
		FROM projections.balances
		WHERE owner = $1`
	args := []interface{}{strings.ToLower(holder.Hex())}
	if token != (common.Address{}) {
		query += " AND token = $2"
		args = append(args, strings.ToLower(token.Hex()))
	}
	query += " ORDER BY account_path"

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var (
			b   BalanceResponse
			raw int64
		)
		if err := rows.Scan(&b.AccountPath, &b.Owner, &b.Token, &raw, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Balance = NewAmount(raw)
		out = append(out, b)
	}
	return out, rows.Err()
}
