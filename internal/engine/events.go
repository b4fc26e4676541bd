package engine

import "github.com/efreitasn/opinionmarket/internal/domain"

// EventDispatcher receives ledger notifications after a change has
// committed. Implementations must not block: they are called on the
// request path.
type EventDispatcher interface {
	DispatchTradeExecuted(trade *domain.Trade)
	DispatchMarketClosed(m *domain.Market)
	DispatchMarketResolved(m *domain.Market)
	DispatchWinningsClaimed(marketID, holder string, payout uint64)
}

type noopDispatcher struct{}

func (noopDispatcher) DispatchTradeExecuted(*domain.Trade)            {}
func (noopDispatcher) DispatchMarketClosed(*domain.Market)            {}
func (noopDispatcher) DispatchMarketResolved(*domain.Market)          {}
func (noopDispatcher) DispatchWinningsClaimed(string, string, uint64) {}
