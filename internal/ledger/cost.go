package ledger

import (
	"github.com/arenalab/collection-core/internal/arena"
)

// CostModel prices one provider's calls in credit units. Static multipliers
// cover per-query and per-record pricing; Compute covers providers whose
// cost is a function of the request (byte-scanned pricing and similar).
type CostModel struct {
	// PerQuery credits charged for each term or actor queried.
	PerQuery int64
	// PerRecord credits charged per requested result.
	PerRecord int64
	// Minimum charged per call regardless of multipliers.
	Minimum int64
	// Compute, when set, replaces the static multipliers entirely.
	Compute func(req arena.CostRequest) int64
}

// Estimate prices a pre-flight request. Estimates feed pessimistic
// reservations, so models should round up rather than down.
func (m CostModel) Estimate(req arena.CostRequest) int64 {
	if m.Compute != nil {
		return m.Compute(req)
	}
	queries := int64(req.TermCount + req.ActorCount)
	if queries == 0 {
		queries = 1
	}
	cost := queries*m.PerQuery + int64(req.MaxResults)*m.PerRecord
	if cost < m.Minimum {
		cost = m.Minimum
	}
	return cost
}

// CeilDiv divides rounding up; computed models use it so fractional
// consumption never rounds to free.
func CeilDiv(n, d int64) int64 {
	if d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// BytesScannedCost prices a call at rate credits per terabyte scanned,
// rounded up. Mirrors warehouse-style post-hoc billing.
func BytesScannedCost(bytesScanned, ratePerTB int64) int64 {
	const tb = 1_000_000_000_000
	return CeilDiv(bytesScanned*ratePerTB, tb)
}
