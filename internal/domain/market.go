package domain

import "time"

// MarketStatus represents the resolution state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusResolved MarketStatus = "resolved"
)

// Outcome count bounds for a market.
const (
	MinOutcomes = 2
	MaxOutcomes = 10
)

// Market is a multi-outcome prediction market priced by LS-LMSR.
//
// Quantities holds the outstanding shares per outcome and always has the
// same length as Outcomes. Liquidity drives the LMSR liquidity parameter;
// Reserve is the value the market holds for sell proceeds and settlement
// (liquidity plus net trading flows, fees excluded).
type Market struct {
	ID         string
	Question   string
	Outcomes   []string
	Quantities []uint64
	Liquidity  uint64
	Reserve    uint64
	Creator    string
	CloseTime  time.Time
	Status     MarketStatus

	// Set once by resolution.
	WinningOutcome *int
	SettlementPool uint64
	WinningSupply  uint64
	PaidOut        uint64
	ResolvedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsResolved reports whether the market has been resolved.
func (m *Market) IsResolved() bool {
	return m.Status == MarketStatusResolved
}

// IsClosed reports whether trading has ended at now. A market closes at
// its close time, inclusive.
func (m *Market) IsClosed(now time.Time) bool {
	return !now.Before(m.CloseTime)
}

// ValidOutcome reports whether idx addresses one of the market's outcomes.
func (m *Market) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}

// Clone returns a deep copy so a transaction can stage changes without
// touching the stored record.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]string(nil), m.Outcomes...)
	c.Quantities = append([]uint64(nil), m.Quantities...)
	if m.WinningOutcome != nil {
		w := *m.WinningOutcome
		c.WinningOutcome = &w
	}
	if m.ResolvedAt != nil {
		r := *m.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}
