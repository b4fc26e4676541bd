package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/service"
	"github.com/efreitasn/opinionmarket/internal/store"
	"github.com/efreitasn/opinionmarket/internal/transfer"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

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

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router http.Handler
	ledger *engine.Ledger
	tokens *transfer.Memory
	clock  *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	tokens := transfer.NewMemory()
	clock := &testClock{now: t0}
	for _, acct := range []string{"creator", "alice", "bob"} {
		if err := tokens.Mint(acct, 1_000_000_000_000); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}

	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), 5*time.Second, clock, zerolog.Nop())
	limits := engine.DefaultLimits()
	ledger := engine.NewLedger(st, engine.NewLocalLocker(), tokens, clock, engine.LedgerOptions{
		Limits: limits,
		Vault:  "vault",
		Events: webhookSvc,
		Logger: zerolog.Nop(),
	})
	if _, err := ledger.Initialize(context.Background(), "admin", 250, 1_000_000); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	marketSvc := service.NewMarketService(st, limits, clock)

	return &testEnv{
		router: NewRouter(ledger, marketSvc, webhookSvc, zerolog.Nop()),
		ledger: ledger,
		tokens: tokens,
		clock:  clock,
	}
}

// doJSON sends a JSON request and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rr, status)
	var resp errorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != code {
		t.Fatalf("expected error %q, got %q (%s)", code, resp.Error, resp.Message)
	}
}

// createMarket opens market id with three outcomes, b = 10, closing in two days.
func (env *testEnv) createMarket(t *testing.T, id string) marketResponse {
	t.Helper()
	rr := env.doJSON(t, http.MethodPost, "/markets", map[string]any{
		"market_id":  id,
		"question":   "Who wins?",
		"outcomes":   []string{"A", "B", "C"},
		"close_time": t0.Add(48 * time.Hour).Format(time.RFC3339),
		"liquidity":  "0.1",
		"creator":    "creator",
	})
	expectStatus(t, rr, http.StatusCreated)
	var m marketResponse
	decodeJSON(t, rr, &m)
	return m
}

func (env *testEnv) buy(t *testing.T, id, holder string, outcome int, cost, expectedShares string) *httptest.ResponseRecorder {
	t.Helper()
	return env.doJSON(t, http.MethodPost, "/markets/"+id+"/buy", map[string]any{
		"holder":          holder,
		"outcome":         outcome,
		"cost":            cost,
		"expected_shares": expectedShares,
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, http.MethodGet, "/healthz", nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestMarket_Create_Success(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMarket(t, "m1")

	if m.MarketID != "m1" || m.Status != "open" || m.Closed {
		t.Errorf("unexpected market %+v", m)
	}
	if m.Liquidity != "0.100000000" || m.Reserve != "0.100000000" {
		t.Errorf("got liquidity %s reserve %s", m.Liquidity, m.Reserve)
	}
	if m.LiquidityParam != 10 {
		t.Errorf("got liquidity_param %v, want 10", m.LiquidityParam)
	}
	for i, bps := range m.PricesBps {
		if bps != 3333 {
			t.Errorf("outcome %d: got %d bps, want 3333", i, bps)
		}
	}
	if m.CloseTime != "2026-01-03T12:00:00Z" {
		t.Errorf("got close_time %s", m.CloseTime)
	}
	if got := env.tokens.Balance("vault"); got != 100_000_000 {
		t.Errorf("vault holds %d, want 100000000", got)
	}

	rr := env.doJSON(t, http.MethodGet, "/markets/m1", nil)
	expectStatus(t, rr, http.StatusOK)
}

func TestMarket_Create_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"duplicate", map[string]any{
			"market_id": "m1", "question": "Q", "outcomes": []string{"A", "B"},
			"close_time": t0.Add(48 * time.Hour).Format(time.RFC3339), "liquidity": "0.1", "creator": "creator",
		}, http.StatusConflict, "market_already_exists"},
		{"bad close time", map[string]any{
			"question": "Q", "outcomes": []string{"A", "B"}, "close_time": "tomorrow", "liquidity": "0.1", "creator": "creator",
		}, http.StatusBadRequest, "validation_error"},
		{"one outcome", map[string]any{
			"question": "Q", "outcomes": []string{"A"},
			"close_time": t0.Add(48 * time.Hour).Format(time.RFC3339), "liquidity": "0.1", "creator": "creator",
		}, http.StatusBadRequest, "validation_error"},
		{"bad liquidity", map[string]any{
			"question": "Q", "outcomes": []string{"A", "B"},
			"close_time": t0.Add(48 * time.Hour).Format(time.RFC3339), "liquidity": "lots", "creator": "creator",
		}, http.StatusBadRequest, "validation_error"},
		{"unfunded creator", map[string]any{
			"question": "Q", "outcomes": []string{"A", "B"},
			"close_time": t0.Add(48 * time.Hour).Format(time.RFC3339), "liquidity": "0.1", "creator": "nobody",
		}, http.StatusPaymentRequired, "transfer_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.doJSON(t, http.MethodPost, "/markets", tt.body), tt.status, tt.code)
		})
	}
}

func TestMarket_Get_NotFound(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.doJSON(t, http.MethodGet, "/markets/missing", nil), http.StatusNotFound, "market_not_found")
}

func TestMarket_List(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")
	env.createMarket(t, "m2")

	rr := env.doJSON(t, http.MethodGet, "/markets?status=open", nil)
	expectStatus(t, rr, http.StatusOK)
	var resp marketListResponse
	decodeJSON(t, rr, &resp)
	if len(resp.Markets) != 2 {
		t.Fatalf("got %d markets, want 2", len(resp.Markets))
	}

	expectError(t, env.doJSON(t, http.MethodGet, "/markets?status=pending", nil), http.StatusBadRequest, "validation_error")
}

func TestMarket_QuoteBuySell(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	rr := env.doJSON(t, http.MethodGet, "/markets/m1/quote?side=buy&outcome=0&cost=0.001", nil)
	expectStatus(t, rr, http.StatusOK)
	var quote quoteResponse
	decodeJSON(t, rr, &quote)
	if quote.Shares != "0.002999701" || quote.Fee != "0.000025000" || quote.Net != "0.001000000" {
		t.Errorf("unexpected quote %+v", quote)
	}
	if quote.AveragePrice != "0.333366559" {
		t.Errorf("got average price %s", quote.AveragePrice)
	}

	rr = env.buy(t, "m1", "alice", 0, "0.001", quote.Shares)
	expectStatus(t, rr, http.StatusCreated)
	var trade tradeResponse
	decodeJSON(t, rr, &trade)
	if trade.Shares != "0.002999701" || trade.Side != "buy" || trade.Amount != "0.001000000" {
		t.Errorf("unexpected trade %+v", trade)
	}

	rr = env.doJSON(t, http.MethodPost, "/markets/m1/sell", map[string]any{
		"holder":            "alice",
		"outcome":           0,
		"shares":            "0.002999701",
		"expected_proceeds": "0.001",
	})
	expectStatus(t, rr, http.StatusCreated)
	decodeJSON(t, rr, &trade)
	if trade.Amount != "0.001000000" || trade.Fee != "0.000025000" || trade.Net != "0.000975000" {
		t.Errorf("unexpected sell %+v", trade)
	}

	rr = env.doJSON(t, http.MethodGet, "/markets/m1/trades?limit=10", nil)
	expectStatus(t, rr, http.StatusOK)
	var trades tradeListResponse
	decodeJSON(t, rr, &trades)
	if len(trades.Trades) != 2 || trades.Trades[0].Side != "sell" {
		t.Errorf("expected two trades newest first, got %+v", trades.Trades)
	}
}

func TestMarket_BuyByShares(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	rr := env.doJSON(t, http.MethodPost, "/markets/m1/buy", map[string]any{
		"holder":        "bob",
		"outcome":       1,
		"shares":        "0.002999701",
		"expected_cost": "0.001",
	})
	expectStatus(t, rr, http.StatusCreated)
	var trade tradeResponse
	decodeJSON(t, rr, &trade)
	if trade.Amount != "0.001000000" {
		t.Errorf("got cost %s, want 0.001000000", trade.Amount)
	}
}

func TestMarket_TradeErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
		code   string
	}{
		{"missing outcome", "/markets/m1/buy", map[string]any{"holder": "alice", "cost": "0.001", "expected_shares": "0.003"},
			http.StatusBadRequest, "validation_error"},
		{"cost and shares", "/markets/m1/buy", map[string]any{"holder": "alice", "outcome": 0, "cost": "0.001", "shares": "0.001"},
			http.StatusBadRequest, "validation_error"},
		{"slippage", "/markets/m1/buy", map[string]any{"holder": "alice", "outcome": 0, "cost": "0.001", "expected_shares": "0.0025"},
			http.StatusUnprocessableEntity, "slippage_exceeded"},
		{"unknown market", "/markets/nope/buy", map[string]any{"holder": "alice", "outcome": 0, "cost": "0.001", "expected_shares": "0.003"},
			http.StatusNotFound, "market_not_found"},
		{"sell without shares held", "/markets/m1/sell", map[string]any{"holder": "bob", "outcome": 0, "shares": "0.001", "expected_proceeds": "0.0003"},
			http.StatusUnprocessableEntity, "insufficient_shares"},
		{"unknown field", "/markets/m1/buy", map[string]any{"holder": "alice", "outcome": 0, "price": "1"},
			http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.doJSON(t, http.MethodPost, tt.path, tt.body), tt.status, tt.code)
		})
	}

	env.clock.Advance(48 * time.Hour)
	expectError(t, env.buy(t, "m1", "alice", 0, "0.001", "0.002999701"), http.StatusUnprocessableEntity, "market_closed")
}

func TestMarket_ResolveAndClaim(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")
	expectStatus(t, env.buy(t, "m1", "alice", 2, "0.001", "0.002999701"), http.StatusCreated)

	resolve := map[string]any{"caller": "admin", "winning_outcome": 2}
	expectError(t, env.doJSON(t, http.MethodPost, "/markets/m1/resolve", resolve), http.StatusUnprocessableEntity, "market_not_closed")

	env.clock.Advance(48 * time.Hour)
	expectError(t, env.doJSON(t, http.MethodPost, "/markets/m1/resolve", map[string]any{"caller": "alice", "winning_outcome": 2}),
		http.StatusForbidden, "unauthorized")

	rr := env.doJSON(t, http.MethodPost, "/markets/m1/resolve", resolve)
	expectStatus(t, rr, http.StatusOK)
	var m marketResponse
	decodeJSON(t, rr, &m)
	if m.Status != "resolved" || m.WinningOutcome == nil || *m.WinningOutcome != 2 || m.SettlementPool != "0.100975000" {
		t.Errorf("unexpected resolved market %+v", m)
	}

	rr = env.doJSON(t, http.MethodGet, "/markets/m1/positions/alice", nil)
	expectStatus(t, rr, http.StatusOK)
	var pos positionResponse
	decodeJSON(t, rr, &pos)
	if pos.Claimable != "0.100975000" {
		t.Errorf("got claimable %s", pos.Claimable)
	}

	rr = env.doJSON(t, http.MethodPost, "/markets/m1/claim", map[string]any{"holder": "alice"})
	expectStatus(t, rr, http.StatusOK)
	var claim claimResponse
	decodeJSON(t, rr, &claim)
	if claim.Payout != "0.100975000" {
		t.Errorf("got payout %s", claim.Payout)
	}
	expectError(t, env.doJSON(t, http.MethodPost, "/markets/m1/claim", map[string]any{"holder": "alice"}),
		http.StatusConflict, "already_claimed")
	expectError(t, env.doJSON(t, http.MethodPost, "/markets/m1/claim", map[string]any{"holder": "bob"}),
		http.StatusNotFound, "position_not_found")
}

func TestMarket_Liquidity(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	rr := env.doJSON(t, http.MethodPost, "/markets/m1/liquidity", map[string]any{"account": "bob", "amount": "0.1"})
	expectStatus(t, rr, http.StatusOK)
	var m marketResponse
	decodeJSON(t, rr, &m)
	if m.Liquidity != "0.200000000" || m.LiquidityParam != 20 {
		t.Errorf("unexpected market after add %+v", m)
	}

	expectError(t, env.doJSON(t, http.MethodPost, "/markets/m1/liquidity/remove", map[string]any{"account": "bob", "amount": "0.05"}),
		http.StatusForbidden, "unauthorized")

	rr = env.doJSON(t, http.MethodPost, "/markets/m1/liquidity/remove", map[string]any{"account": "creator", "amount": "0.05"})
	expectStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &m)
	if m.Liquidity != "0.150000000" {
		t.Errorf("got liquidity %s after remove", m.Liquidity)
	}
}

func TestAdmin_FeesAndUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")
	expectStatus(t, env.buy(t, "m1", "alice", 0, "0.001", "0.002999701"), http.StatusCreated)

	rr := env.doJSON(t, http.MethodGet, "/fees", nil)
	expectStatus(t, rr, http.StatusOK)
	var fees feesResponse
	decodeJSON(t, rr, &fees)
	if fees.Total != "0.000025000" || fees.FeeRateBps != 250 {
		t.Errorf("unexpected fees %+v", fees)
	}

	expectError(t, env.doJSON(t, http.MethodPost, "/fees/collect", map[string]any{"caller": "alice", "amount": "0.00001"}),
		http.StatusForbidden, "unauthorized")
	rr = env.doJSON(t, http.MethodPost, "/fees/collect", map[string]any{"caller": "admin", "amount": "0.00002"})
	expectStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &fees)
	if fees.Total != "0.000005000" || fees.Withdrawn != "0.000020000" {
		t.Errorf("unexpected fees after collect %+v", fees)
	}
	expectError(t, env.doJSON(t, http.MethodPost, "/fees/collect", map[string]any{"caller": "admin", "amount": "1"}),
		http.StatusBadRequest, "validation_error")

	rr = env.doJSON(t, http.MethodPut, "/admin", map[string]any{"caller": "admin", "new_admin": "ops", "fee_rate_bps": 100})
	expectStatus(t, rr, http.StatusOK)
	var admin adminResponse
	decodeJSON(t, rr, &admin)
	if admin.Admin != "ops" || admin.FeeRateBps != 100 {
		t.Errorf("unexpected admin %+v", admin)
	}
	expectError(t, env.doJSON(t, http.MethodPut, "/admin", map[string]any{"caller": "ops", "new_admin": "ops", "fee_rate_bps": 1001}),
		http.StatusBadRequest, "validation_error")
}

func TestWebhook_Lifecycle(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]any{
		"subscriber_id": "sub-1",
		"url":           "https://example.com/hooks",
		"events":        []string{"trade.executed", "market.resolved"},
	}
	rr := env.doJSON(t, http.MethodPost, "/webhooks", body)
	expectStatus(t, rr, http.StatusCreated)
	var created webhookListResponse
	decodeJSON(t, rr, &created)
	if len(created.Webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(created.Webhooks))
	}

	// Same registration again is idempotent.
	expectStatus(t, env.doJSON(t, http.MethodPost, "/webhooks", body), http.StatusOK)

	rr = env.doJSON(t, http.MethodGet, "/webhooks?subscriber_id=sub-1", nil)
	expectStatus(t, rr, http.StatusOK)
	var listed webhookListResponse
	decodeJSON(t, rr, &listed)
	if len(listed.Webhooks) != 2 {
		t.Fatalf("got %d webhooks, want 2", len(listed.Webhooks))
	}

	id := created.Webhooks[0].WebhookID
	expectError(t, env.doJSON(t, http.MethodDelete, "/webhooks/"+id+"?subscriber_id=sub-2", nil), http.StatusNotFound, "webhook_not_found")
	expectStatus(t, env.doJSON(t, http.MethodDelete, "/webhooks/"+id+"?subscriber_id=sub-1", nil), http.StatusNoContent)
	expectError(t, env.doJSON(t, http.MethodDelete, "/webhooks/"+id, nil), http.StatusBadRequest, "validation_error")

	expectError(t, env.doJSON(t, http.MethodPost, "/webhooks", map[string]any{
		"subscriber_id": "sub-1", "url": "http://example.com", "events": []string{"trade.executed"},
	}), http.StatusBadRequest, "validation_error")
}

func TestContentType_MissingOnPost(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/markets", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	expectError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestResponseFormat_AmountsAreDecimalStrings(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t, "m1")

	rr := env.doJSON(t, http.MethodGet, "/markets/m1", nil)
	var raw map[string]any
	decodeJSON(t, rr, &raw)
	for _, field := range []string{"liquidity", "reserve", "settlement_pool", "paid_out"} {
		if _, ok := raw[field].(string); !ok {
			t.Errorf("%s = %v, want a decimal string", field, raw[field])
		}
	}
	if raw["winning_outcome"] != nil || raw["resolved_at"] != nil {
		t.Errorf("expected null resolution fields on an open market")
	}
}
