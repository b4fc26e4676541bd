package domain

import (
	"context"
	"time"
)

// Store is the keyed record store behind the ledger. All reads and writes of
// one logical operation run inside a single Tx; the staged writes become
// visible together when fn returns nil and are discarded otherwise.
type Store interface {
	Tx(ctx context.Context, fn func(tx Tx) error) error
	Reader
}

// Reader exposes the read-only queries used outside of trading.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*Market, error)
	ListMarkets(ctx context.Context, status *MarketStatus) ([]*Market, error)
	GetPosition(ctx context.Context, marketID, holder string) (*Position, error)
	ListPositions(ctx context.Context, marketID string) ([]*Position, error)
	ListTrades(ctx context.Context, marketID string, limit int) ([]*Trade, error)
	GetAdminConfig(ctx context.Context) (*AdminConfig, error)
	GetFeePool(ctx context.Context) (*FeePool, error)
}

// Tx is one unit of work against the record store. Returned records are
// copies; callers change them and hand them back through the Put methods.
//
// Fee pool changes are applied as deltas so concurrent trades on different
// markets never overwrite each other's contributions.
type Tx interface {
	GetMarket(id string) (*Market, error)
	CreateMarket(m *Market) error
	PutMarket(m *Market) error

	// GetPosition returns ErrPositionNotFound when the holder has never traded.
	GetPosition(marketID, holder string) (*Position, error)
	PutPosition(p *Position) error

	GetAdminConfig() (*AdminConfig, error)
	PutAdminConfig(c *AdminConfig) error

	GetFeePool() (*FeePool, error)
	CreditFees(amount uint64, at time.Time) error
	DebitFees(amount uint64, at time.Time) error

	AppendTrade(t *Trade) error
}

// Transferer moves value between accounts. It is the custody collaborator:
// the ledger never holds funds itself. Implementations wrap refusals
// (insufficient balance, authority mismatch) in ErrTransferFailed.
type Transferer interface {
	Transfer(ctx context.Context, from, to, authority string, amount uint64) error
}

// Clock is the single time source for close-time and duration checks.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
