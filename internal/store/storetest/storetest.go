// Package storetest holds behaviour checks shared by every domain.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

var (
	errBoom = errors.New("boom")
	t0      = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

// NewMarket returns an open three-outcome market fixture.
func NewMarket(id string) *domain.Market {
	return &domain.Market{
		ID:         id,
		Question:   "Who wins?",
		Outcomes:   []string{"A", "B", "C"},
		Quantities: []uint64{0, 0, 0},
		Liquidity:  100_000_000,
		Reserve:    100_000_000,
		Creator:    "creator",
		CloseTime:  t0.Add(48 * time.Hour),
		Status:     domain.MarketStatusOpen,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) domain.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.Store)
	}{
		{"MarketRoundTrip", testMarketRoundTrip},
		{"CreateMarketTwice", testCreateMarketTwice},
		{"RollbackOnError", testRollbackOnError},
		{"PositionRoundTrip", testPositionRoundTrip},
		{"ReadYourWrites", testReadYourWrites},
		{"AdminConfig", testAdminConfig},
		{"FeePoolDeltas", testFeePoolDeltas},
		{"FeePoolOverdraw", testFeePoolOverdraw},
		{"FeeChecksBeforeCommit", testFeeChecksBeforeCommit},
		{"TradesNewestFirst", testTradesNewestFirst},
		{"ListMarketsByStatus", testListMarketsByStatus},
		{"ConcurrentFeeCredits", testConcurrentFeeCredits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testMarketRoundTrip(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	m := NewMarket("m1")
	err := s.Tx(ctx, func(tx domain.Tx) error { return tx.CreateMarket(m) })
	is.NoErr(err)

	got, err := s.GetMarket(ctx, "m1")
	is.NoErr(err)
	is.Equal(got.Outcomes, m.Outcomes)
	is.Equal(got.Quantities, m.Quantities)
	is.Equal(got.Liquidity, m.Liquidity)
	is.True(got.CloseTime.Equal(m.CloseTime))
	is.Equal(got.WinningOutcome, nil)

	winner := 2
	resolvedAt := t0.Add(72 * time.Hour)
	got.Quantities[2] = 5_000_000_000
	got.Status = domain.MarketStatusResolved
	got.WinningOutcome = &winner
	got.ResolvedAt = &resolvedAt
	got.SettlementPool = 123
	got.WinningSupply = 5_000_000_000
	err = s.Tx(ctx, func(tx domain.Tx) error { return tx.PutMarket(got) })
	is.NoErr(err)

	again, err := s.GetMarket(ctx, "m1")
	is.NoErr(err)
	is.Equal(again.Quantities[2], uint64(5_000_000_000))
	is.Equal(*again.WinningOutcome, 2)
	is.True(again.IsResolved())
	is.Equal(again.SettlementPool, uint64(123))

	_, err = s.GetMarket(ctx, "missing")
	is.True(errors.Is(err, domain.ErrMarketNotFound))
}

func testCreateMarketTwice(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error { return tx.CreateMarket(NewMarket("m1")) }))
	err := s.Tx(ctx, func(tx domain.Tx) error { return tx.CreateMarket(NewMarket("m1")) })
	is.True(errors.Is(err, domain.ErrMarketExists))
}

func testRollbackOnError(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateMarket(NewMarket("m1")); err != nil {
			return err
		}
		if err := tx.PutPosition(domain.NewPosition("m1", "alice", 3, t0)); err != nil {
			return err
		}
		if err := tx.CreditFees(10, t0); err != nil {
			return err
		}
		return errBoom
	})
	is.True(errors.Is(err, errBoom))

	_, err = s.GetMarket(ctx, "m1")
	is.True(errors.Is(err, domain.ErrMarketNotFound))
	_, err = s.GetPosition(ctx, "m1", "alice")
	is.True(errors.Is(err, domain.ErrPositionNotFound))
	fees, err := s.GetFeePool(ctx)
	is.NoErr(err)
	is.Equal(fees.Total, uint64(0))
}

func testPositionRoundTrip(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	p := domain.NewPosition("m1", "alice", 3, t0)
	p.Shares[1] = 42
	p.CostBasis = 1_000
	p.FeesPaid = 10
	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateMarket(NewMarket("m1")); err != nil {
			return err
		}
		return tx.PutPosition(p)
	})
	is.NoErr(err)

	got, err := s.GetPosition(ctx, "m1", "alice")
	is.NoErr(err)
	is.Equal(got.Shares, []uint64{0, 42, 0})
	is.Equal(got.CostBasis, uint64(1_000))
	is.Equal(got.FeesPaid, uint64(10))
	is.Equal(got.Claimed, false)

	got.Claimed = true
	got.Payout = 77
	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error { return tx.PutPosition(got) }))

	list, err := s.ListPositions(ctx, "m1")
	is.NoErr(err)
	is.Equal(len(list), 1)
	is.True(list[0].Claimed)
	is.Equal(list[0].Payout, uint64(77))

	_, err = s.GetPosition(ctx, "m1", "bob")
	is.True(errors.Is(err, domain.ErrPositionNotFound))
}

func testReadYourWrites(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateMarket(NewMarket("m1")); err != nil {
			return err
		}
		m, err := tx.GetMarket("m1")
		if err != nil {
			return err
		}
		m.Reserve += 5
		if err := tx.PutMarket(m); err != nil {
			return err
		}
		again, err := tx.GetMarket("m1")
		if err != nil {
			return err
		}
		if again.Reserve != 100_000_005 {
			return fmt.Errorf("staged reserve %d", again.Reserve)
		}
		if err := tx.PutPosition(domain.NewPosition("m1", "alice", 3, t0)); err != nil {
			return err
		}
		_, err = tx.GetPosition("m1", "alice")
		return err
	})
	is.NoErr(err)
}

func testAdminConfig(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	_, err := s.GetAdminConfig(ctx)
	is.True(errors.Is(err, domain.ErrNotInitialized))

	cfg := &domain.AdminConfig{Admin: "root", FeeRateBps: 250, MinLiquidity: 1_000_000, UpdatedAt: t0}
	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error { return tx.PutAdminConfig(cfg) }))

	got, err := s.GetAdminConfig(ctx)
	is.NoErr(err)
	is.Equal(got.Admin, "root")
	is.Equal(got.FeeRateBps, uint64(250))
	is.Equal(got.MinLiquidity, uint64(1_000_000))
}

func testFeePoolDeltas(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreditFees(300, t0); err != nil {
			return err
		}
		f, err := tx.GetFeePool()
		if err != nil {
			return err
		}
		if f.Total != 300 {
			return fmt.Errorf("staged total %d", f.Total)
		}
		return nil
	})
	is.NoErr(err)
	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error { return tx.DebitFees(100, t0.Add(time.Hour)) }))

	f, err := s.GetFeePool(ctx)
	is.NoErr(err)
	is.Equal(f.Total, uint64(200))
	is.Equal(f.Collected, uint64(300))
	is.Equal(f.Withdrawn, uint64(100))
	is.True(f.UpdatedAt.Equal(t0.Add(time.Hour)))
}

func testFeePoolOverdraw(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error { return tx.CreditFees(50, t0) }))
	err := s.Tx(ctx, func(tx domain.Tx) error { return tx.DebitFees(51, t0) })
	is.True(errors.Is(err, domain.ErrInsufficientLiquidity))

	f, err := s.GetFeePool(ctx)
	is.NoErr(err)
	is.Equal(f.Total, uint64(50))
}

// Fee and uniqueness failures surface from the staged call itself, before
// fn can go on to move funds.
func testFeeChecksBeforeCommit(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	is.NoErr(s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreditFees(50, t0); err != nil {
			return err
		}
		return tx.CreateMarket(NewMarket("m1"))
	}))

	var debitErr, creditErr, createErr error
	err := s.Tx(ctx, func(tx domain.Tx) error {
		debitErr = tx.DebitFees(51, t0)
		creditErr = tx.CreditFees(math.MaxUint64, t0)
		createErr = tx.CreateMarket(NewMarket("m1"))
		return nil
	})
	is.True(errors.Is(debitErr, domain.ErrInsufficientLiquidity))
	is.True(errors.Is(creditErr, domain.ErrArithmeticOverflow))
	is.True(errors.Is(createErr, domain.ErrMarketExists))
	// The refused calls left nothing staged.
	is.NoErr(err)

	f, err := s.GetFeePool(ctx)
	is.NoErr(err)
	is.Equal(f.Total, uint64(50))
	is.Equal(f.Withdrawn, uint64(0))
}

func testTradesNewestFirst(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateMarket(NewMarket("m1")); err != nil {
			return err
		}
		for i := 0; i < 5; i++ {
			err := tx.AppendTrade(&domain.Trade{
				TradeID:    fmt.Sprintf("t%d", i),
				MarketID:   "m1",
				Holder:     "alice",
				Outcome:    i % 3,
				Side:       domain.TradeSideBuy,
				Shares:     uint64(i + 1),
				Amount:     uint64(10 * (i + 1)),
				ExecutedAt: t0.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	is.NoErr(err)

	trades, err := s.ListTrades(ctx, "m1", 2)
	is.NoErr(err)
	is.Equal(len(trades), 2)
	is.Equal(trades[0].TradeID, "t4")
	is.Equal(trades[1].TradeID, "t3")

	all, err := s.ListTrades(ctx, "m1", 0)
	is.NoErr(err)
	is.Equal(len(all), 5)
	is.Equal(all[4].Side, domain.TradeSideBuy)

	none, err := s.ListTrades(ctx, "other", 10)
	is.NoErr(err)
	is.Equal(len(none), 0)
}

func testListMarketsByStatus(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	resolved := NewMarket("m2")
	resolved.Status = domain.MarketStatusResolved
	resolved.CreatedAt = t0.Add(time.Minute)
	err := s.Tx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateMarket(NewMarket("m1")); err != nil {
			return err
		}
		return tx.CreateMarket(resolved)
	})
	is.NoErr(err)

	all, err := s.ListMarkets(ctx, nil)
	is.NoErr(err)
	is.Equal(len(all), 2)
	is.Equal(all[0].ID, "m1")

	status := domain.MarketStatusResolved
	only, err := s.ListMarkets(ctx, &status)
	is.NoErr(err)
	is.Equal(len(only), 1)
	is.Equal(only[0].ID, "m2")
}

func testConcurrentFeeCredits(t *testing.T, s domain.Store) {
	is := is.New(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Tx(ctx, func(tx domain.Tx) error { return tx.CreditFees(5, t0) })
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		is.NoErr(err)
	}

	f, err := s.GetFeePool(ctx)
	is.NoErr(err)
	is.Equal(f.Total, uint64(100))
}
