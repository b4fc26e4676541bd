package domain

import "time"

// TradeSide indicates whether shares were bought or sold.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade records one executed buy or sell against the market maker.
// Amount is the pre-fee cost (buy) or proceeds (sell) in base units.
type Trade struct {
	TradeID    string
	MarketID   string
	Holder     string
	Outcome    int
	Side       TradeSide
	Shares     uint64
	Amount     uint64
	Fee        uint64
	ExecutedAt time.Time
}

// Net returns what actually moved to or from the holder: the full cost for
// a buy, proceeds minus fee for a sell.
func (t *Trade) Net() uint64 {
	if t.Side == TradeSideSell {
		return t.Amount - t.Fee
	}
	return t.Amount
}
