package handler

import (
	"net/http"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/service"
)

// AdminHandler handles the fee pool and admin configuration endpoints.
type AdminHandler struct {
	marketSvc *service.MarketService
	ledger    *engine.Ledger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(marketSvc *service.MarketService, ledger *engine.Ledger) *AdminHandler {
	return &AdminHandler{marketSvc: marketSvc, ledger: ledger}
}

type feesResponse struct {
	Total      string `json:"total"`
	Collected  string `json:"collected"`
	Withdrawn  string `json:"withdrawn"`
	Admin      string `json:"admin"`
	FeeRateBps uint64 `json:"fee_rate_bps"`
}

type collectFeesRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type updateAdminRequest struct {
	Caller     string  `json:"caller"`
	NewAdmin   string  `json:"new_admin"`
	FeeRateBps *uint64 `json:"fee_rate_bps"`
}

type adminResponse struct {
	Admin        string `json:"admin"`
	FeeRateBps   uint64 `json:"fee_rate_bps"`
	MinLiquidity string `json:"min_liquidity"`
	UpdatedAt    string `json:"updated_at"`
}

// Fees handles GET /fees.
func (h *AdminHandler) Fees(w http.ResponseWriter, r *http.Request) {
	summary, err := h.marketSvc.GetFees(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildFeesResponse(summary.Pool, summary.Admin, summary.FeeRateBps))
}

// CollectFees handles POST /fees/collect.
func (h *AdminHandler) CollectFees(w http.ResponseWriter, r *http.Request) {
	var req collectFeesRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if _, err := h.ledger.CollectFees(r.Context(), req.Caller, amount); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.Fees(w, r)
}

// UpdateAdmin handles PUT /admin.
func (h *AdminHandler) UpdateAdmin(w http.ResponseWriter, r *http.Request) {
	var req updateAdminRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.FeeRateBps == nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "fee_rate_bps is required")
		return
	}
	cfg, err := h.ledger.UpdateAdmin(r.Context(), req.Caller, req.NewAdmin, *req.FeeRateBps)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, adminResponse{
		Admin:        cfg.Admin,
		FeeRateBps:   cfg.FeeRateBps,
		MinLiquidity: formatAmount(cfg.MinLiquidity),
		UpdatedAt:    formatTime(cfg.UpdatedAt),
	})
}

func buildFeesResponse(pool *domain.FeePool, admin string, rate uint64) feesResponse {
	return feesResponse{
		Total:      formatAmount(pool.Total),
		Collected:  formatAmount(pool.Collected),
		Withdrawn:  formatAmount(pool.Withdrawn),
		Admin:      admin,
		FeeRateBps: rate,
	}
}
