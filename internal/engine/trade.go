package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/lithammer/shortuuid"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/lmsr"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// BuyWithCostRequest spends a fixed budget on one outcome. ExpectedShares
// is the caller's quote; the trade fails if the solved share count drifts
// beyond the slippage tolerance.
type BuyWithCostRequest struct {
	MarketID       string
	Holder         string
	Outcome        int
	Cost           uint64
	ExpectedShares uint64
}

// BuySharesRequest buys an exact share count. ExpectedCost is the caller's
// quote for it.
type BuySharesRequest struct {
	MarketID     string
	Holder       string
	Outcome      int
	Shares       uint64
	ExpectedCost uint64
}

// SellRequest sells shares back to the market maker. ExpectedProceeds is
// the caller's pre-fee quote.
type SellRequest struct {
	MarketID         string
	Holder           string
	Outcome          int
	Shares           uint64
	ExpectedProceeds uint64
}

// BuyWithCost buys as many shares of req.Outcome as req.Cost affords. The
// full cost is charged; the fee is taken from it.
func (l *Ledger) BuyWithCost(ctx context.Context, req BuyWithCostRequest) (*domain.Trade, error) {
	if err := l.checkCost(req.Cost); err != nil {
		return nil, err
	}
	if err := l.checkShares(req.ExpectedShares, "expected shares"); err != nil {
		return nil, err
	}
	if req.Holder == "" {
		return nil, &domain.ValidationError{Message: "holder is required"}
	}

	return l.trade(ctx, req.MarketID, func(tx domain.Tx, m *domain.Market, cfg *domain.AdminConfig) (*domain.Trade, error) {
		if !m.ValidOutcome(req.Outcome) {
			return nil, outcomeError(req.Outcome)
		}

		// Step 1: Solve for shares and check them against the quote.
		b := lmsr.LiquidityParam(m.Liquidity)
		shares, err := lmsr.SharesForCost(m.Quantities, req.Outcome, req.Cost, b)
		if err != nil {
			return nil, err
		}
		if shares == 0 {
			return nil, &domain.ValidationError{Message: "cost is too small to buy a share"}
		}
		if err := lmsr.ValidateSlippage(req.ExpectedShares, shares, l.limits.SlippageToleranceBps); err != nil {
			return nil, err
		}

		// Step 2: Fee and commit.
		fee, err := lmsr.CalculateFee(req.Cost, cfg.FeeRateBps)
		if err != nil {
			return nil, err
		}
		return l.commitBuy(ctx, tx, m, req.Holder, req.Outcome, shares, req.Cost, fee)
	})
}

// BuyShares buys exactly req.Shares of req.Outcome at the quoted cost.
func (l *Ledger) BuyShares(ctx context.Context, req BuySharesRequest) (*domain.Trade, error) {
	if err := l.checkShares(req.Shares, "shares"); err != nil {
		return nil, err
	}
	if req.Holder == "" {
		return nil, &domain.ValidationError{Message: "holder is required"}
	}

	return l.trade(ctx, req.MarketID, func(tx domain.Tx, m *domain.Market, cfg *domain.AdminConfig) (*domain.Trade, error) {
		if !m.ValidOutcome(req.Outcome) {
			return nil, outcomeError(req.Outcome)
		}

		// Step 1: Quote the shares and check the cost against the caller's.
		b := lmsr.LiquidityParam(m.Liquidity)
		cost, err := lmsr.CostForShares(m.Quantities, req.Outcome, req.Shares, b)
		if err != nil {
			return nil, err
		}
		if err := l.checkCost(cost); err != nil {
			return nil, err
		}
		if err := lmsr.ValidateSlippage(req.ExpectedCost, cost, l.limits.SlippageToleranceBps); err != nil {
			return nil, err
		}

		// Step 2: Fee and commit.
		fee, err := lmsr.CalculateFee(cost, cfg.FeeRateBps)
		if err != nil {
			return nil, err
		}
		return l.commitBuy(ctx, tx, m, req.Holder, req.Outcome, req.Shares, cost, fee)
	})
}

// Sell sells req.Shares of req.Outcome from the holder's position. The fee
// is taken from the proceeds; the holder receives the rest.
func (l *Ledger) Sell(ctx context.Context, req SellRequest) (*domain.Trade, error) {
	if err := l.checkShares(req.Shares, "shares"); err != nil {
		return nil, err
	}
	if req.Holder == "" {
		return nil, &domain.ValidationError{Message: "holder is required"}
	}

	return l.trade(ctx, req.MarketID, func(tx domain.Tx, m *domain.Market, cfg *domain.AdminConfig) (*domain.Trade, error) {
		if !m.ValidOutcome(req.Outcome) {
			return nil, outcomeError(req.Outcome)
		}

		// Step 1: The position must hold the shares.
		pos, err := tx.GetPosition(m.ID, req.Holder)
		if errors.Is(err, domain.ErrPositionNotFound) {
			return nil, domain.ErrInsufficientShares
		}
		if err != nil {
			return nil, err
		}
		if pos.Shares[req.Outcome] < req.Shares {
			return nil, domain.ErrInsufficientShares
		}

		// Step 2: Quote the proceeds and check them against the caller's.
		b := lmsr.LiquidityParam(m.Liquidity)
		proceeds, err := lmsr.SellCost(m.Quantities, req.Outcome, req.Shares, b)
		if err != nil {
			return nil, err
		}
		if err := lmsr.ValidateSlippage(req.ExpectedProceeds, proceeds, l.limits.SlippageToleranceBps); err != nil {
			return nil, err
		}
		fee, err := lmsr.CalculateFee(proceeds, cfg.FeeRateBps)
		if err != nil {
			return nil, err
		}
		if m.Reserve < proceeds {
			return nil, domain.ErrInsufficientLiquidity
		}

		// Step 3: Stage market, position, fee pool and trade log.
		now := l.clock.Now()
		m.Quantities[req.Outcome] -= req.Shares
		m.Reserve -= proceeds
		m.UpdatedAt = now

		pos.Shares[req.Outcome] -= req.Shares
		pos.CostBasis = safemath.SaturatingSub(pos.CostBasis, proceeds)
		if pos.FeesPaid, err = safemath.Add(pos.FeesPaid, fee); err != nil {
			return nil, err
		}
		pos.UpdatedAt = now

		t := &domain.Trade{
			TradeID:    shortuuid.New(),
			MarketID:   m.ID,
			Holder:     req.Holder,
			Outcome:    req.Outcome,
			Side:       domain.TradeSideSell,
			Shares:     req.Shares,
			Amount:     proceeds,
			Fee:        fee,
			ExecutedAt: now,
		}
		if err := l.stage(tx, m, pos, t); err != nil {
			return nil, err
		}

		// Step 4: Pay out last.
		if err := l.transfer(ctx, l.vault, req.Holder, l.vault, proceeds-fee); err != nil {
			return nil, err
		}
		return t, nil
	})
}

// commitBuy stages a buy of shares for cost (fee included) and pulls the
// cost from the holder.
func (l *Ledger) commitBuy(
	ctx context.Context,
	tx domain.Tx,
	m *domain.Market,
	holder string,
	outcome int,
	shares, cost, fee uint64,
) (*domain.Trade, error) {
	now := l.clock.Now()
	pos, err := tx.GetPosition(m.ID, holder)
	if errors.Is(err, domain.ErrPositionNotFound) {
		pos = domain.NewPosition(m.ID, holder, len(m.Outcomes), now)
	} else if err != nil {
		return nil, err
	}

	// All arithmetic is checked before anything is staged.
	quantity, err := safemath.Add(m.Quantities[outcome], shares)
	if err != nil {
		return nil, err
	}
	reserve, err := safemath.Add(m.Reserve, cost-fee)
	if err != nil {
		return nil, err
	}
	held, err := safemath.Add(pos.Shares[outcome], shares)
	if err != nil {
		return nil, err
	}
	costBasis, err := safemath.Add(pos.CostBasis, cost)
	if err != nil {
		return nil, err
	}
	feesPaid, err := safemath.Add(pos.FeesPaid, fee)
	if err != nil {
		return nil, err
	}

	m.Quantities[outcome] = quantity
	m.Reserve = reserve
	m.UpdatedAt = now
	pos.Shares[outcome] = held
	pos.CostBasis = costBasis
	pos.FeesPaid = feesPaid
	pos.UpdatedAt = now

	t := &domain.Trade{
		TradeID:    shortuuid.New(),
		MarketID:   m.ID,
		Holder:     holder,
		Outcome:    outcome,
		Side:       domain.TradeSideBuy,
		Shares:     shares,
		Amount:     cost,
		Fee:        fee,
		ExecutedAt: now,
	}
	if err := l.stage(tx, m, pos, t); err != nil {
		return nil, err
	}
	if err := l.transfer(ctx, holder, l.vault, holder, cost); err != nil {
		return nil, err
	}
	return t, nil
}

// stage writes the records every trade touches.
func (l *Ledger) stage(tx domain.Tx, m *domain.Market, pos *domain.Position, t *domain.Trade) error {
	if err := tx.PutMarket(m); err != nil {
		return err
	}
	if err := tx.PutPosition(pos); err != nil {
		return err
	}
	if t.Fee > 0 {
		if err := tx.CreditFees(t.Fee, t.ExecutedAt); err != nil {
			return err
		}
	}
	return tx.AppendTrade(t)
}

// trade runs fn against a tradable market under its lock and reports the
// executed trade.
func (l *Ledger) trade(
	ctx context.Context,
	marketID string,
	fn func(tx domain.Tx, m *domain.Market, cfg *domain.AdminConfig) (*domain.Trade, error),
) (*domain.Trade, error) {
	var executed *domain.Trade
	err := l.withLock(ctx, marketLockKey(marketID), func(tx domain.Tx) error {
		cfg, err := tx.GetAdminConfig()
		if err != nil {
			return err
		}
		m, err := l.tradableMarket(tx, marketID)
		if err != nil {
			return err
		}
		executed, err = fn(tx, m, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("trade_id", executed.TradeID).
		Str("market_id", executed.MarketID).
		Str("holder", executed.Holder).
		Str("side", string(executed.Side)).
		Int("outcome", executed.Outcome).
		Uint64("shares", executed.Shares).
		Uint64("amount", executed.Amount).
		Uint64("fee", executed.Fee).
		Msg("trade-executed")
	dispatched := *executed
	l.events.DispatchTradeExecuted(&dispatched)
	return executed, nil
}

func outcomeError(idx int) error {
	return &domain.ValidationError{Message: fmt.Sprintf("outcome index %d out of range", idx)}
}
