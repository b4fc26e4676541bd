package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// errorStatus maps each domain sentinel to an HTTP status. The sentinel's
// text doubles as the error code.
var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrMarketNotFound, http.StatusNotFound},
	{domain.ErrPositionNotFound, http.StatusNotFound},
	{domain.ErrWebhookNotFound, http.StatusNotFound},
	{domain.ErrUnauthorized, http.StatusForbidden},
	{domain.ErrMarketExists, http.StatusConflict},
	{domain.ErrAlreadyInitialized, http.StatusConflict},
	{domain.ErrAlreadyClaimed, http.StatusConflict},
	{domain.ErrNotInitialized, http.StatusServiceUnavailable},
	{domain.ErrInvalidWinningOption, http.StatusBadRequest},
	{domain.ErrMarketClosed, http.StatusUnprocessableEntity},
	{domain.ErrMarketResolved, http.StatusUnprocessableEntity},
	{domain.ErrMarketNotResolved, http.StatusUnprocessableEntity},
	{domain.ErrMarketNotClosed, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientShares, http.StatusUnprocessableEntity},
	{domain.ErrInsufficientLiquidity, http.StatusUnprocessableEntity},
	{domain.ErrSlippageExceeded, http.StatusUnprocessableEntity},
	{domain.ErrNoWinningsToClaim, http.StatusUnprocessableEntity},
	{domain.ErrArithmeticOverflow, http.StatusUnprocessableEntity},
	{domain.ErrTransferFailed, http.StatusPaymentRequired},
	{domain.ErrInvalidInput, http.StatusBadRequest},
}

// writeDomainError maps err to an HTTP response. Unknown errors are logged
// and reported as 500 without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			WriteError(w, e.status, e.err.Error(), err.Error())
			return
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		WriteError(w, http.StatusServiceUnavailable, "unavailable", "The request could not be completed in time")
		return
	}

	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("unhandled-error")
	WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
}
