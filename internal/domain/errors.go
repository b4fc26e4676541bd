package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInvalidInput          = errors.New("invalid_input")
	ErrInsufficientShares    = errors.New("insufficient_shares")
	ErrArithmeticOverflow    = errors.New("arithmetic_overflow")
	ErrSlippageExceeded      = errors.New("slippage_exceeded")
	ErrMarketClosed          = errors.New("market_closed")
	ErrMarketResolved        = errors.New("market_resolved")
	ErrMarketNotResolved     = errors.New("market_not_resolved")
	ErrMarketNotClosed       = errors.New("market_not_closed")
	ErrInvalidWinningOption  = errors.New("invalid_winning_option")
	ErrNoWinningsToClaim     = errors.New("no_winnings_to_claim")
	ErrAlreadyClaimed        = errors.New("already_claimed")
	ErrTransferFailed        = errors.New("transfer_failed")
	ErrInsufficientLiquidity = errors.New("insufficient_liquidity")
	ErrMarketNotFound        = errors.New("market_not_found")
	ErrMarketExists          = errors.New("market_already_exists")
	ErrPositionNotFound      = errors.New("position_not_found")
	ErrNotInitialized        = errors.New("not_initialized")
	ErrAlreadyInitialized    = errors.New("already_initialized")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrWebhookNotFound       = errors.New("webhook_not_found")
)

// ValidationError represents a request validation failure. It matches
// ErrInvalidInput under errors.Is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is reports whether target is ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
