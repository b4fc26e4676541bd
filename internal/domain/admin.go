package domain

import "time"

// MaxFeeRateBps caps the trading fee at 10%.
const MaxFeeRateBps = 1000

// AdminConfig is the deployment-wide administrative record.
type AdminConfig struct {
	Admin        string
	FeeRateBps   uint64
	MinLiquidity uint64
	UpdatedAt    time.Time
}

// FeePool accumulates trading fees until the administrator withdraws them.
// Total only grows through fee credits and only shrinks through withdrawals.
type FeePool struct {
	Total     uint64
	Collected uint64 // lifetime credits
	Withdrawn uint64 // lifetime withdrawals
	UpdatedAt time.Time
}
