package engine

import (
	"context"
	"errors"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// Claim pays a holder's share of a resolved market's settlement pool:
//
//	payout = floor(SettlementPool * winningShares / WinningSupply)
//
// Every winning share is outstanding, so the payouts of all holders never
// exceed the pool. A position can be claimed once.
func (l *Ledger) Claim(ctx context.Context, marketID, holder string) (uint64, error) {
	var payout uint64
	err := l.withLock(ctx, marketLockKey(marketID), func(tx domain.Tx) error {
		m, err := tx.GetMarket(marketID)
		if err != nil {
			return err
		}
		if !m.IsResolved() || m.WinningOutcome == nil {
			return domain.ErrMarketNotResolved
		}
		pos, err := tx.GetPosition(marketID, holder)
		if err != nil {
			return err
		}
		if pos.Claimed {
			return domain.ErrAlreadyClaimed
		}

		winning := *m.WinningOutcome
		held := pos.Shares[winning]
		if held == 0 {
			return domain.ErrNoWinningsToClaim
		}
		if payout, err = Payout(m.SettlementPool, held, m.WinningSupply); err != nil {
			return err
		}
		if payout == 0 {
			return domain.ErrNoWinningsToClaim
		}

		paidOut, err := safemath.Add(m.PaidOut, payout)
		if err != nil {
			return err
		}
		if paidOut > m.SettlementPool {
			return domain.ErrInsufficientLiquidity
		}

		now := l.clock.Now()
		m.PaidOut = paidOut
		m.UpdatedAt = now
		pos.Claimed = true
		pos.Payout = payout
		pos.UpdatedAt = now
		if err := tx.PutMarket(m); err != nil {
			return err
		}
		if err := tx.PutPosition(pos); err != nil {
			return err
		}
		return l.transfer(ctx, l.vault, holder, l.vault, payout)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoWinningsToClaim) || errors.Is(err, domain.ErrAlreadyClaimed) {
			l.log.Debug().Err(err).Str("market_id", marketID).Str("holder", holder).Msg("claim-rejected")
		}
		return 0, err
	}

	l.log.Info().Str("market_id", marketID).Str("holder", holder).Uint64("payout", payout).Msg("winnings-claimed")
	l.events.DispatchWinningsClaimed(marketID, holder, payout)
	return payout, nil
}

// Payout is a holder's pro-rata share of pool. It is zero when nobody
// holds the winning outcome.
func Payout(pool, held, supply uint64) (uint64, error) {
	if supply == 0 {
		return 0, nil
	}
	return safemath.MulDiv(pool, held, supply)
}
