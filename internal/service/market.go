package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/lmsr"
)

// Trade log page bounds.
const (
	DefaultTradeLimit = 50
	MaxTradeLimit     = 500
)

// MarketSnapshot is a market with its current prices.
type MarketSnapshot struct {
	Market         *domain.Market
	Prices         []float64 // per outcome, sums to 1
	PricesBps      []uint64
	LiquidityParam float64
	Closed         bool // close time has passed
	SnapshotAt     time.Time
}

// QuoteRequest describes a hypothetical trade. A buy sets exactly one of
// Cost or Shares; a sell sets Shares.
type QuoteRequest struct {
	MarketID string
	Outcome  int
	Side     domain.TradeSide
	Cost     uint64
	Shares   uint64
}

// QuoteResponse is what the trade would do at the current state.
type QuoteResponse struct {
	MarketID     string
	Outcome      int
	Side         domain.TradeSide
	Shares       uint64
	Amount       uint64 // cost (buy) or proceeds (sell), fee included
	Fee          uint64
	Net          uint64 // charged to (buy) or paid to (sell) the holder
	AveragePrice decimal.Decimal
	PriceBefore  float64
	PriceAfter   float64
	FeeRateBps   uint64
	QuotedAt     time.Time
}

// PositionView is a position plus what it can claim right now.
type PositionView struct {
	Position  *domain.Position
	Claimable uint64 // zero until the market resolves in the holder's favour
}

// FeeSummary reports the fee pool with the rate that feeds it.
type FeeSummary struct {
	Pool       *domain.FeePool
	Admin      string
	FeeRateBps uint64
}

// MarketService handles market, price, quote and position queries.
type MarketService struct {
	reader domain.Reader
	limits engine.Limits
	clock  domain.Clock
}

// NewMarketService creates a new MarketService with the given dependencies.
func NewMarketService(reader domain.Reader, limits engine.Limits, clock domain.Clock) *MarketService {
	return &MarketService{
		reader: reader,
		limits: limits,
		clock:  clock,
	}
}

// GetMarket returns a market snapshot.
func (s *MarketService) GetMarket(ctx context.Context, id string) (*MarketSnapshot, error) {
	m, err := s.reader.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(m)
}

// ListMarkets returns snapshots of every market, optionally filtered by
// status ("open" or "resolved").
func (s *MarketService) ListMarkets(ctx context.Context, status string) ([]*MarketSnapshot, error) {
	var filter *domain.MarketStatus
	switch domain.MarketStatus(status) {
	case "":
	case domain.MarketStatusOpen, domain.MarketStatusResolved:
		st := domain.MarketStatus(status)
		filter = &st
	default:
		return nil, &domain.ValidationError{Message: "status must be open or resolved"}
	}

	markets, err := s.reader.ListMarkets(ctx, filter)
	if err != nil {
		return nil, err
	}
	result := make([]*MarketSnapshot, 0, len(markets))
	for _, m := range markets {
		snap, err := s.snapshot(m)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, nil
}

func (s *MarketService) snapshot(m *domain.Market) (*MarketSnapshot, error) {
	b := lmsr.LiquidityParam(m.Liquidity)
	prices, err := lmsr.Prices(m.Quantities, b)
	if err != nil {
		return nil, err
	}
	bps := make([]uint64, len(prices))
	for i := range m.Quantities {
		if bps[i], err = lmsr.PriceBps(m.Quantities, i, b); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	return &MarketSnapshot{
		Market:         m,
		Prices:         prices,
		PricesBps:      bps,
		LiquidityParam: b,
		Closed:         m.IsClosed(now),
		SnapshotAt:     now,
	}, nil
}

// Quote prices a trade without executing it. It applies the same bounds and
// market checks as the ledger, so a quote that succeeds describes a trade
// that would execute against unchanged state.
func (s *MarketService) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	cfg, err := s.reader.GetAdminConfig(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.reader.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if m.IsResolved() {
		return nil, domain.ErrMarketResolved
	}
	now := s.clock.Now()
	if m.IsClosed(now) {
		return nil, domain.ErrMarketClosed
	}
	if !m.ValidOutcome(req.Outcome) {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("outcome index %d out of range", req.Outcome)}
	}

	b := lmsr.LiquidityParam(m.Liquidity)
	resp := &QuoteResponse{
		MarketID:   m.ID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		FeeRateBps: cfg.FeeRateBps,
		QuotedAt:   now,
	}

	switch req.Side {
	case domain.TradeSideBuy:
		err = s.quoteBuy(m, b, req, resp)
	case domain.TradeSideSell:
		err = s.quoteSell(m, b, req, resp)
	default:
		err = &domain.ValidationError{Message: "side must be buy or sell"}
	}
	if err != nil {
		return nil, err
	}

	if resp.Fee, err = lmsr.CalculateFee(resp.Amount, cfg.FeeRateBps); err != nil {
		return nil, err
	}
	resp.Net = resp.Amount
	if req.Side == domain.TradeSideSell {
		resp.Net = resp.Amount - resp.Fee
	}
	resp.AveragePrice = domain.ToMajor(resp.Amount).DivRound(domain.ToMajor(resp.Shares), 9)

	if resp.PriceBefore, err = lmsr.Price(m.Quantities, req.Outcome, b); err != nil {
		return nil, err
	}
	after := append([]uint64(nil), m.Quantities...)
	if req.Side == domain.TradeSideBuy {
		after[req.Outcome] += resp.Shares
	} else {
		after[req.Outcome] -= resp.Shares
	}
	if resp.PriceAfter, err = lmsr.Price(after, req.Outcome, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *MarketService) quoteBuy(m *domain.Market, b float64, req QuoteRequest, resp *QuoteResponse) error {
	switch {
	case req.Cost > 0 && req.Shares > 0:
		return &domain.ValidationError{Message: "set either cost or shares, not both"}
	case req.Cost > 0:
		if err := s.checkCost(req.Cost); err != nil {
			return err
		}
		shares, err := lmsr.SharesForCost(m.Quantities, req.Outcome, req.Cost, b)
		if err != nil {
			return err
		}
		if shares == 0 {
			return &domain.ValidationError{Message: "cost is too small to buy a share"}
		}
		resp.Shares, resp.Amount = shares, req.Cost
		return nil
	case req.Shares > 0:
		if err := s.checkShares(req.Shares); err != nil {
			return err
		}
		cost, err := lmsr.CostForShares(m.Quantities, req.Outcome, req.Shares, b)
		if err != nil {
			return err
		}
		if err := s.checkCost(cost); err != nil {
			return err
		}
		resp.Shares, resp.Amount = req.Shares, cost
		return nil
	default:
		return &domain.ValidationError{Message: "cost or shares is required"}
	}
}

func (s *MarketService) quoteSell(m *domain.Market, b float64, req QuoteRequest, resp *QuoteResponse) error {
	if req.Cost > 0 {
		return &domain.ValidationError{Message: "a sell is quoted by shares"}
	}
	if err := s.checkShares(req.Shares); err != nil {
		return err
	}
	proceeds, err := lmsr.SellCost(m.Quantities, req.Outcome, req.Shares, b)
	if err != nil {
		return err
	}
	if proceeds > m.Reserve {
		return domain.ErrInsufficientLiquidity
	}
	resp.Shares, resp.Amount = req.Shares, proceeds
	return nil
}

func (s *MarketService) checkCost(amount uint64) error {
	if amount < s.limits.MinCost || amount > s.limits.MaxCost {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"amount must be between %d and %d", s.limits.MinCost, s.limits.MaxCost)}
	}
	return nil
}

func (s *MarketService) checkShares(shares uint64) error {
	if shares < s.limits.MinShares || shares > s.limits.MaxShares {
		return &domain.ValidationError{Message: fmt.Sprintf(
			"shares must be between %d and %d", s.limits.MinShares, s.limits.MaxShares)}
	}
	return nil
}

// GetPosition returns a holder's position in a market and its claimable
// payout.
func (s *MarketService) GetPosition(ctx context.Context, marketID, holder string) (*PositionView, error) {
	m, err := s.reader.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	pos, err := s.reader.GetPosition(ctx, marketID, holder)
	if err != nil {
		return nil, err
	}
	return s.positionView(m, pos)
}

// ListPositions returns every position in a market.
func (s *MarketService) ListPositions(ctx context.Context, marketID string) ([]*PositionView, error) {
	m, err := s.reader.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	positions, err := s.reader.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	result := make([]*PositionView, 0, len(positions))
	for _, pos := range positions {
		view, err := s.positionView(m, pos)
		if err != nil {
			return nil, err
		}
		result = append(result, view)
	}
	return result, nil
}

func (s *MarketService) positionView(m *domain.Market, pos *domain.Position) (*PositionView, error) {
	view := &PositionView{Position: pos}
	if !m.IsResolved() || m.WinningOutcome == nil || pos.Claimed {
		return view, nil
	}
	claimable, err := engine.Payout(m.SettlementPool, pos.Shares[*m.WinningOutcome], m.WinningSupply)
	if err != nil {
		return nil, err
	}
	view.Claimable = claimable
	return view, nil
}

// ListTrades returns a market's most recent trades, newest first. A zero
// limit means DefaultTradeLimit.
func (s *MarketService) ListTrades(ctx context.Context, marketID string, limit int) ([]*domain.Trade, error) {
	if limit == 0 {
		limit = DefaultTradeLimit
	}
	if limit < 1 || limit > MaxTradeLimit {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("limit must be between 1 and %d", MaxTradeLimit)}
	}
	if _, err := s.reader.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.reader.ListTrades(ctx, marketID, limit)
}

// GetFees returns the fee pool and the current fee rate.
func (s *MarketService) GetFees(ctx context.Context) (*FeeSummary, error) {
	cfg, err := s.reader.GetAdminConfig(ctx)
	if err != nil {
		return nil, err
	}
	pool, err := s.reader.GetFeePool(ctx)
	if err != nil {
		return nil, err
	}
	return &FeeSummary{
		Pool:       pool,
		Admin:      cfg.Admin,
		FeeRateBps: cfg.FeeRateBps,
	}, nil
}
