package math

// ShareHolding is one LP's shares at snapshot time. Index is the LP's stable
// arena slot and fixes iteration order.
type ShareHolding struct {
	Index  int
	Shares int64
}

// ProRataAllocation is the claimable amount computed for one holding.
type ProRataAllocation struct {
	Index     int
	Claimable int64
}

// Distribution is the result of splitting a payout across holdings.
type Distribution struct {
	TotalPayout  int64
	TotalShares  int64
	Allocations  []ProRataAllocation // only entries with Claimable > 0
	Allocated    int64
	RoundingDust int64 // TotalPayout - Allocated, permanently unclaimable
}

// ProRata returns floor(shares * total / totalShares).
func ProRata(shares, total, totalShares int64) int64 {
	if shares <= 0 || total <= 0 || totalShares <= 0 {
		return 0
	}
	return MulDivFloor(shares, total, totalShares)
}

// ComputeDistribution splits totalPayout across holdings in input order.
// Holdings with zero shares or a zero floor result produce no allocation.
// The sum of allocations never exceeds totalPayout and the dust is strictly
// less than the number of holdings with positive shares.
func ComputeDistribution(totalPayout, totalShares int64, holdings []ShareHolding) *Distribution {
	dist := &Distribution{
		TotalPayout: totalPayout,
		TotalShares: totalShares,
		Allocations: make([]ProRataAllocation, 0, len(holdings)),
	}

	for _, h := range holdings {
		claimable := ProRata(h.Shares, totalPayout, totalShares)
		if claimable == 0 {
			continue
		}
		dist.Allocations = append(dist.Allocations, ProRataAllocation{
			Index:     h.Index,
			Claimable: claimable,
		})
		dist.Allocated += claimable
	}

	dist.RoundingDust = totalPayout - dist.Allocated
	return dist
}
