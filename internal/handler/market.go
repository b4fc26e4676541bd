package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/service"
)

// MarketHandler handles HTTP requests for market endpoints. Queries go
// through the market service; state changes go to the ledger.
type MarketHandler struct {
	marketSvc *service.MarketService
	ledger    *engine.Ledger
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService, ledger *engine.Ledger) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc, ledger: ledger}
}

// marketResponse is the JSON representation of a market snapshot.
// Amounts and share quantities are major-unit decimal strings.
type marketResponse struct {
	MarketID       string    `json:"market_id"`
	Question       string    `json:"question"`
	Outcomes       []string  `json:"outcomes"`
	Quantities     []string  `json:"quantities"`
	Prices         []float64 `json:"prices"`
	PricesBps      []uint64  `json:"prices_bps"`
	Liquidity      string    `json:"liquidity"`
	LiquidityParam float64   `json:"liquidity_param"`
	Reserve        string    `json:"reserve"`
	Creator        string    `json:"creator"`
	Status         string    `json:"status"`
	Closed         bool      `json:"closed"`
	CloseTime      string    `json:"close_time"`
	WinningOutcome *int      `json:"winning_outcome"`
	SettlementPool string    `json:"settlement_pool"`
	WinningSupply  string    `json:"winning_supply"`
	PaidOut        string    `json:"paid_out"`
	ResolvedAt     *string   `json:"resolved_at"`
	CreatedAt      string    `json:"created_at"`
}

type marketListResponse struct {
	Markets []marketResponse `json:"markets"`
}

type createMarketRequest struct {
	MarketID  string   `json:"market_id"`
	Question  string   `json:"question"`
	Outcomes  []string `json:"outcomes"`
	CloseTime string   `json:"close_time"`
	Liquidity string   `json:"liquidity"`
	Creator   string   `json:"creator"`
}

// tradeRequest is the body of POST /markets/{id}/buy and /sell. A buy sets
// cost with expected_shares, or shares with expected_cost. A sell sets
// shares with expected_proceeds.
type tradeRequest struct {
	Holder           string `json:"holder"`
	Outcome          *int   `json:"outcome"`
	Cost             string `json:"cost"`
	Shares           string `json:"shares"`
	ExpectedShares   string `json:"expected_shares"`
	ExpectedCost     string `json:"expected_cost"`
	ExpectedProceeds string `json:"expected_proceeds"`
}

type tradeResponse struct {
	TradeID    string `json:"trade_id"`
	MarketID   string `json:"market_id"`
	Holder     string `json:"holder"`
	Outcome    int    `json:"outcome"`
	Side       string `json:"side"`
	Shares     string `json:"shares"`
	Amount     string `json:"amount"`
	Fee        string `json:"fee"`
	Net        string `json:"net"`
	ExecutedAt string `json:"executed_at"`
}

type tradeListResponse struct {
	Trades []tradeResponse `json:"trades"`
}

type quoteResponse struct {
	MarketID     string  `json:"market_id"`
	Outcome      int     `json:"outcome"`
	Side         string  `json:"side"`
	Shares       string  `json:"shares"`
	Amount       string  `json:"amount"`
	Fee          string  `json:"fee"`
	Net          string  `json:"net"`
	AveragePrice string  `json:"average_price"`
	PriceBefore  float64 `json:"price_before"`
	PriceAfter   float64 `json:"price_after"`
	FeeRateBps   uint64  `json:"fee_rate_bps"`
	QuotedAt     string  `json:"quoted_at"`
}

type resolveRequest struct {
	Caller         string `json:"caller"`
	WinningOutcome *int   `json:"winning_outcome"`
}

type claimRequest struct {
	Holder string `json:"holder"`
}

type claimResponse struct {
	MarketID string `json:"market_id"`
	Holder   string `json:"holder"`
	Payout   string `json:"payout"`
}

type liquidityRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type positionResponse struct {
	MarketID  string   `json:"market_id"`
	Holder    string   `json:"holder"`
	Shares    []string `json:"shares"`
	CostBasis string   `json:"cost_basis"`
	FeesPaid  string   `json:"fees_paid"`
	Claimed   bool     `json:"claimed"`
	Payout    string   `json:"payout"`
	Claimable string   `json:"claimable"`
	UpdatedAt string   `json:"updated_at"`
}

type positionListResponse struct {
	Positions []positionResponse `json:"positions"`
}

// List handles GET /markets.
func (h *MarketHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.marketSvc.ListMarkets(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := marketListResponse{Markets: make([]marketResponse, len(snaps))}
	for i, s := range snaps {
		resp.Markets[i] = buildMarketResponse(s)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Get handles GET /markets/{market_id}.
func (h *MarketHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.marketSvc.GetMarket(r.Context(), chi.URLParam(r, "market_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildMarketResponse(snap))
}

// Create handles POST /markets.
func (h *MarketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	closeTime, err := time.Parse(time.RFC3339, req.CloseTime)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "close_time must be a valid RFC 3339 timestamp")
		return
	}
	liquidity, err := parseAmount("liquidity", req.Liquidity)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	m, err := h.ledger.CreateMarket(r.Context(), engine.CreateMarketRequest{
		ID:        req.MarketID,
		Question:  req.Question,
		Outcomes:  req.Outcomes,
		CloseTime: closeTime,
		Liquidity: liquidity,
		Creator:   req.Creator,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.writeMarket(w, r, http.StatusCreated, m.ID)
}

// Buy handles POST /markets/{market_id}/buy.
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Outcome == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "outcome is required")
		return
	}
	amounts, err := parseAmounts(map[string]string{
		"cost":            req.Cost,
		"shares":          req.Shares,
		"expected_shares": req.ExpectedShares,
		"expected_cost":   req.ExpectedCost,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	marketID := chi.URLParam(r, "market_id")
	var trade *domain.Trade
	switch {
	case req.Cost != "" && req.Shares == "":
		trade, err = h.ledger.BuyWithCost(r.Context(), engine.BuyWithCostRequest{
			MarketID:       marketID,
			Holder:         req.Holder,
			Outcome:        *req.Outcome,
			Cost:           amounts["cost"],
			ExpectedShares: amounts["expected_shares"],
		})
	case req.Shares != "" && req.Cost == "":
		trade, err = h.ledger.BuyShares(r.Context(), engine.BuySharesRequest{
			MarketID:     marketID,
			Holder:       req.Holder,
			Outcome:      *req.Outcome,
			Shares:       amounts["shares"],
			ExpectedCost: amounts["expected_cost"],
		})
	default:
		WriteError(w, http.StatusBadRequest, "validation_error", "set exactly one of cost or shares")
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildTradeResponse(trade))
}

// Sell handles POST /markets/{market_id}/sell.
func (h *MarketHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Outcome == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "outcome is required")
		return
	}
	if req.Cost != "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "a sell is sized by shares")
		return
	}
	amounts, err := parseAmounts(map[string]string{
		"shares":            req.Shares,
		"expected_proceeds": req.ExpectedProceeds,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	trade, err := h.ledger.Sell(r.Context(), engine.SellRequest{
		MarketID:         chi.URLParam(r, "market_id"),
		Holder:           req.Holder,
		Outcome:          *req.Outcome,
		Shares:           amounts["shares"],
		ExpectedProceeds: amounts["expected_proceeds"],
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildTradeResponse(trade))
}

// Quote handles GET /markets/{market_id}/quote.
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := queryInt(r, "outcome")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	amounts, err := parseAmounts(map[string]string{
		"cost":   q.Get("cost"),
		"shares": q.Get("shares"),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	quote, err := h.marketSvc.Quote(r.Context(), service.QuoteRequest{
		MarketID: chi.URLParam(r, "market_id"),
		Outcome:  outcome,
		Side:     domain.TradeSide(q.Get("side")),
		Cost:     amounts["cost"],
		Shares:   amounts["shares"],
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, quoteResponse{
		MarketID:     quote.MarketID,
		Outcome:      quote.Outcome,
		Side:         string(quote.Side),
		Shares:       formatAmount(quote.Shares),
		Amount:       formatAmount(quote.Amount),
		Fee:          formatAmount(quote.Fee),
		Net:          formatAmount(quote.Net),
		AveragePrice: quote.AveragePrice.StringFixed(9),
		PriceBefore:  quote.PriceBefore,
		PriceAfter:   quote.PriceAfter,
		FeeRateBps:   quote.FeeRateBps,
		QuotedAt:     formatTime(quote.QuotedAt),
	})
}

// Resolve handles POST /markets/{market_id}/resolve.
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.WinningOutcome == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "winning_outcome is required")
		return
	}
	m, err := h.ledger.Resolve(r.Context(), req.Caller, chi.URLParam(r, "market_id"), *req.WinningOutcome)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.writeMarket(w, r, http.StatusOK, m.ID)
}

// Claim handles POST /markets/{market_id}/claim.
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	marketID := chi.URLParam(r, "market_id")
	payout, err := h.ledger.Claim(r.Context(), marketID, req.Holder)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, claimResponse{
		MarketID: marketID,
		Holder:   req.Holder,
		Payout:   formatAmount(payout),
	})
}

// AddLiquidity handles POST /markets/{market_id}/liquidity.
func (h *MarketHandler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	h.changeLiquidity(w, r, h.ledger.AddLiquidity)
}

// RemoveLiquidity handles POST /markets/{market_id}/liquidity/remove.
func (h *MarketHandler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	h.changeLiquidity(w, r, h.ledger.RemoveLiquidity)
}

func (h *MarketHandler) changeLiquidity(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, account, marketID string, amount uint64) (*domain.Market, error),
) {
	var req liquidityRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	m, err := op(r.Context(), req.Account, chi.URLParam(r, "market_id"), amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.writeMarket(w, r, http.StatusOK, m.ID)
}

// Positions handles GET /markets/{market_id}/positions.
func (h *MarketHandler) Positions(w http.ResponseWriter, r *http.Request) {
	views, err := h.marketSvc.ListPositions(r.Context(), chi.URLParam(r, "market_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := positionListResponse{Positions: make([]positionResponse, len(views))}
	for i, v := range views {
		resp.Positions[i] = buildPositionResponse(v)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Position handles GET /markets/{market_id}/positions/{holder}.
func (h *MarketHandler) Position(w http.ResponseWriter, r *http.Request) {
	view, err := h.marketSvc.GetPosition(r.Context(), chi.URLParam(r, "market_id"), chi.URLParam(r, "holder"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildPositionResponse(view))
}

// Trades handles GET /markets/{market_id}/trades.
func (h *MarketHandler) Trades(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	trades, err := h.marketSvc.ListTrades(r.Context(), chi.URLParam(r, "market_id"), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := tradeListResponse{Trades: make([]tradeResponse, len(trades))}
	for i, t := range trades {
		resp.Trades[i] = buildTradeResponse(t)
	}
	WriteJSON(w, http.StatusOK, resp)
}

// writeMarket re-reads a market after a state change and writes its
// snapshot.
func (h *MarketHandler) writeMarket(w http.ResponseWriter, r *http.Request, status int, marketID string) {
	snap, err := h.marketSvc.GetMarket(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, status, buildMarketResponse(snap))
}

func parseAmounts(fields map[string]string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(fields))
	for name, raw := range fields {
		v, err := parseAmount(name, raw)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func buildMarketResponse(s *service.MarketSnapshot) marketResponse {
	m := s.Market
	return marketResponse{
		MarketID:       m.ID,
		Question:       m.Question,
		Outcomes:       m.Outcomes,
		Quantities:     formatAmounts(m.Quantities),
		Prices:         s.Prices,
		PricesBps:      s.PricesBps,
		Liquidity:      formatAmount(m.Liquidity),
		LiquidityParam: s.LiquidityParam,
		Reserve:        formatAmount(m.Reserve),
		Creator:        m.Creator,
		Status:         string(m.Status),
		Closed:         s.Closed,
		CloseTime:      formatTime(m.CloseTime),
		WinningOutcome: m.WinningOutcome,
		SettlementPool: formatAmount(m.SettlementPool),
		WinningSupply:  formatAmount(m.WinningSupply),
		PaidOut:        formatAmount(m.PaidOut),
		ResolvedAt:     formatTimePtr(m.ResolvedAt),
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func buildTradeResponse(t *domain.Trade) tradeResponse {
	return tradeResponse{
		TradeID:    t.TradeID,
		MarketID:   t.MarketID,
		Holder:     t.Holder,
		Outcome:    t.Outcome,
		Side:       string(t.Side),
		Shares:     formatAmount(t.Shares),
		Amount:     formatAmount(t.Amount),
		Fee:        formatAmount(t.Fee),
		Net:        formatAmount(t.Net()),
		ExecutedAt: formatTime(t.ExecutedAt),
	}
}

func buildPositionResponse(v *service.PositionView) positionResponse {
	p := v.Position
	return positionResponse{
		MarketID:  p.MarketID,
		Holder:    p.Holder,
		Shares:    formatAmounts(p.Shares),
		CostBasis: formatAmount(p.CostBasis),
		FeesPaid:  formatAmount(p.FeesPaid),
		Claimed:   p.Claimed,
		Payout:    formatAmount(p.Payout),
		Claimable: formatAmount(v.Claimable),
		UpdatedAt: formatTime(p.UpdatedAt),
	}
}
