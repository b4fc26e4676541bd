package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/lmsr"
)

var holders = []string{testCreator, "alice", "bob"}

// Random buys and sells keep the books consistent: positions add up to the
// market quantities, the vault holds exactly the reserve plus fees, and the
// net amount traded is the change in the cost function.
func TestProperty_TradingKeepsBooksBalanced(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv(t, DefaultLimits())
		ctx := context.Background()
		outcomes := rapid.IntRange(2, 4).Draw(t, "outcomes")
		liquidity := rapid.Uint64Range(10_000_000, 1_000_000_000).Draw(t, "liquidity")
		env.createMarket(t, "m1", outcomes, liquidity)
		b := lmsr.LiquidityParam(liquidity)

		steps := rapid.IntRange(1, 25).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			holder := rapid.SampledFrom(holders).Draw(t, "holder")
			outcome := rapid.IntRange(0, outcomes-1).Draw(t, "outcome")
			m := env.market(t, "m1")

			if rapid.Bool().Draw(t, "buy") {
				cost := rapid.Uint64Range(10_000, 5_000_000).Draw(t, "cost")
				want, err := lmsr.SharesForCost(m.Quantities, outcome, cost, b)
				if err != nil {
					t.Fatalf("quote: %v", err)
				}
				if want == 0 {
					continue
				}
				tr, err := env.ledger.BuyWithCost(ctx, BuyWithCostRequest{
					MarketID: "m1", Holder: holder, Outcome: outcome, Cost: cost, ExpectedShares: want,
				})
				if err != nil {
					t.Fatalf("buy: %v", err)
				}
				if tr.Shares != want {
					t.Fatalf("expected %d shares, got %d", want, tr.Shares)
				}
				continue
			}

			pos, err := env.store.GetPosition(ctx, "m1", holder)
			if errors.Is(err, domain.ErrPositionNotFound) || (err == nil && pos.Shares[outcome] == 0) {
				continue
			}
			if err != nil {
				t.Fatalf("position: %v", err)
			}
			shares := rapid.Uint64Range(1, pos.Shares[outcome]).Draw(t, "shares")
			proceeds, err := lmsr.SellCost(m.Quantities, outcome, shares, b)
			if err != nil {
				t.Fatalf("quote: %v", err)
			}
			if proceeds == 0 {
				continue
			}
			if _, err := env.ledger.Sell(ctx, SellRequest{
				MarketID: "m1", Holder: holder, Outcome: outcome, Shares: shares, ExpectedProceeds: proceeds,
			}); err != nil {
				t.Fatalf("sell: %v", err)
			}
		}

		m := env.market(t, "m1")
		checkPositionsMatchQuantities(t, env, m)

		fees := env.feeTotal(t)
		if got, want := env.tokens.Balance(testVault), m.Reserve+fees; got != want {
			t.Fatalf("vault holds %d, want reserve %d + fees %d", got, m.Reserve, fees)
		}

		trades, err := env.store.ListTrades(ctx, "m1", 0)
		if err != nil {
			t.Fatalf("trades: %v", err)
		}
		var tradeFees, bought, sold uint64
		for _, tr := range trades {
			tradeFees += tr.Fee
			if tr.Side == domain.TradeSideBuy {
				bought += tr.Amount
			} else {
				sold += tr.Amount
			}
		}
		if tradeFees != fees {
			t.Fatalf("fee pool %d, trade log fees %d", fees, tradeFees)
		}
		start, err := lmsr.Cost(make([]uint64, outcomes), b)
		if err != nil {
			t.Fatalf("cost: %v", err)
		}
		end, err := lmsr.Cost(m.Quantities, b)
		if err != nil {
			t.Fatalf("cost: %v", err)
		}
		if bought-sold != end-start {
			t.Fatalf("net traded %d, cost function moved %d", bought-sold, end-start)
		}
	})
}

// Claims never pay out more than the settlement pool, and what remains in
// the vault is the unclaimed pool plus fees.
func TestProperty_ClaimsBoundedByPool(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		env := newTestEnv(t, DefaultLimits())
		ctx := context.Background()
		outcomes := rapid.IntRange(2, 4).Draw(t, "outcomes")
		env.createMarket(t, "m1", outcomes, 100_000_000)

		for _, holder := range holders {
			n := rapid.IntRange(0, 3).Draw(t, "buys")
			for j := 0; j < n; j++ {
				outcome := rapid.IntRange(0, outcomes-1).Draw(t, "outcome")
				shares := rapid.Uint64Range(1_000, 50_000_000).Draw(t, "shares")
				m := env.market(t, "m1")
				cost, err := lmsr.CostForShares(m.Quantities, outcome, shares, lmsr.LiquidityParam(m.Liquidity))
				if err != nil {
					t.Fatalf("quote: %v", err)
				}
				_, err = env.ledger.BuyShares(ctx, BuySharesRequest{
					MarketID: "m1", Holder: holder, Outcome: outcome, Shares: shares, ExpectedCost: cost,
				})
				if errors.Is(err, domain.ErrInvalidInput) {
					// Below the minimum trade cost.
					continue
				}
				if err != nil {
					t.Fatalf("buy: %v", err)
				}
			}
		}

		env.clock.Advance(48 * time.Hour)
		winning := rapid.IntRange(0, outcomes-1).Draw(t, "winning")
		m, err := env.ledger.Resolve(ctx, testAdmin, "m1", winning)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}

		var paid uint64
		for _, holder := range holders {
			payout, err := env.ledger.Claim(ctx, "m1", holder)
			switch {
			case err == nil:
				paid += payout
			case errors.Is(err, domain.ErrNoWinningsToClaim), errors.Is(err, domain.ErrPositionNotFound):
			default:
				t.Fatalf("claim %s: %v", holder, err)
			}
		}
		if paid > m.SettlementPool {
			t.Fatalf("paid %d out of a pool of %d", paid, m.SettlementPool)
		}

		m = env.market(t, "m1")
		if m.PaidOut != paid {
			t.Fatalf("market records %d paid out, claims paid %d", m.PaidOut, paid)
		}
		if got, want := env.tokens.Balance(testVault), m.SettlementPool-paid+env.feeTotal(t); got != want {
			t.Fatalf("vault holds %d, want %d", got, want)
		}
	})
}

func checkPositionsMatchQuantities(t tHelper, env *testEnv, m *domain.Market) {
	t.Helper()
	positions, err := env.store.ListPositions(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	sums := make([]uint64, len(m.Outcomes))
	for _, p := range positions {
		for i, s := range p.Shares {
			sums[i] += s
		}
	}
	for i := range sums {
		if sums[i] != m.Quantities[i] {
			t.Fatalf("outcome %d: positions hold %d, market has %d", i, sums[i], m.Quantities[i])
		}
	}
}
