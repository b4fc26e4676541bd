package domain

import "time"

// Position is a holder's stake in one market.
type Position struct {
	MarketID  string
	Holder    string
	Shares    []uint64 // per outcome, same length as the market's outcomes
	CostBasis uint64
	FeesPaid  uint64
	Claimed   bool
	Payout    uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPosition returns an empty position sized for a market with n outcomes.
func NewPosition(marketID, holder string, n int, now time.Time) *Position {
	return &Position{
		MarketID:  marketID,
		Holder:    holder,
		Shares:    make([]uint64, n),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	c := *p
	c.Shares = append([]uint64(nil), p.Shares...)
	return &c
}
