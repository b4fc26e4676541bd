package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/store"
	"github.com/efreitasn/opinionmarket/internal/transfer"
)

const (
	testAdmin   = "admin"
	testCreator = "creator"
	testVault   = "vault"
	testFeeBps  = 250
	testMinLiq  = 1_000_000
	startingBal = 1_000_000_000_000
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable domain.Clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockDispatcher records every dispatched event.
type mockDispatcher struct {
	mu       sync.Mutex
	trades   []*domain.Trade
	closed   []string
	resolved []string
	claims   []uint64
}

func (m *mockDispatcher) DispatchTradeExecuted(t *domain.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
}

func (m *mockDispatcher) DispatchMarketClosed(mk *domain.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, mk.ID)
}

func (m *mockDispatcher) DispatchMarketResolved(mk *domain.Market) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, mk.ID)
}

func (m *mockDispatcher) DispatchWinningsClaimed(_, _ string, payout uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claims = append(m.claims, payout)
}

func (m *mockDispatcher) closedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.closed...)
}

// tHelper is satisfied by both *testing.T and *rapid.T.
type tHelper interface {
	Helper()
	Fatalf(format string, args ...any)
}

type testEnv struct {
	ledger *Ledger
	store  *store.MemoryStore
	tokens *transfer.Memory
	clock  *testClock
	events *mockDispatcher
}

// newTestEnv builds an initialized ledger over in-memory collaborators.
// creator, alice and bob start funded.
func newTestEnv(t tHelper, limits Limits) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		tokens: transfer.NewMemory(),
		clock:  &testClock{now: t0},
		events: &mockDispatcher{},
	}
	for _, acct := range []string{testCreator, "alice", "bob"} {
		if err := env.tokens.Mint(acct, startingBal); err != nil {
			t.Fatalf("mint %s: %v", acct, err)
		}
	}
	env.ledger = NewLedger(env.store, NewLocalLocker(), env.tokens, env.clock, LedgerOptions{
		Limits: limits,
		Vault:  testVault,
		Events: env.events,
		Logger: zerolog.Nop(),
	})
	if _, err := env.ledger.Initialize(context.Background(), testAdmin, testFeeBps, testMinLiq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return env
}

// createMarket opens a market closing in two days.
func (e *testEnv) createMarket(t tHelper, id string, outcomes int, liquidity uint64) *domain.Market {
	t.Helper()
	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}[:outcomes]
	m, err := e.ledger.CreateMarket(context.Background(), CreateMarketRequest{
		ID:        id,
		Question:  "Which one?",
		Outcomes:  labels,
		CloseTime: e.clock.Now().Add(48 * time.Hour),
		Liquidity: liquidity,
		Creator:   testCreator,
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

func (e *testEnv) market(t tHelper, id string) *domain.Market {
	t.Helper()
	m, err := e.store.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	return m
}

func (e *testEnv) feeTotal(t tHelper) uint64 {
	t.Helper()
	f, err := e.store.GetFeePool(context.Background())
	if err != nil {
		t.Fatalf("get fee pool: %v", err)
	}
	return f.Total
}
