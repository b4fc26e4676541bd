package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/engine"
	"github.com/efreitasn/opinionmarket/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	ledger *engine.Ledger,
	marketSvc *service.MarketService,
	webhookSvc *service.WebhookService,
	logger zerolog.Logger,
) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	marketH := NewMarketHandler(marketSvc, ledger)
	adminH := NewAdminHandler(marketSvc, ledger)
	webhookH := NewWebhookHandler(webhookSvc)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/markets", func(r chi.Router) {
		r.Get("/", marketH.List)
		r.Post("/", marketH.Create)

		r.Route("/{market_id}", func(r chi.Router) {
			r.Get("/", marketH.Get)
			r.Get("/quote", marketH.Quote)
			r.Post("/buy", marketH.Buy)
			r.Post("/sell", marketH.Sell)
			r.Post("/resolve", marketH.Resolve)
			r.Post("/claim", marketH.Claim)
			r.Post("/liquidity", marketH.AddLiquidity)
			r.Post("/liquidity/remove", marketH.RemoveLiquidity)
			r.Get("/positions", marketH.Positions)
			r.Get("/positions/{holder}", marketH.Position)
			r.Get("/trades", marketH.Trades)
		})
	})

	r.Get("/fees", adminH.Fees)
	r.Post("/fees/collect", adminH.CollectFees)
	r.Put("/admin", adminH.UpdateAdmin)

	r.Post("/webhooks", webhookH.Upsert)
	r.Get("/webhooks", webhookH.List)
	r.Delete("/webhooks/{webhook_id}", webhookH.Delete)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration, and attaches the logger to the request context.
func requestLogging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON rejects POST, PUT and PATCH requests whose Content-Type
// is not application/json.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
