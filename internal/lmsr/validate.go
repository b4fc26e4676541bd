package lmsr

import (
	"fmt"

	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// DefaultSlippageToleranceBps is the default allowed deviation between the
// amount a trader expects and the amount the market maker computes (1%).
const DefaultSlippageToleranceBps = 100

// ValidateSlippage fails with domain.ErrSlippageExceeded when actual deviates
// from expected by more than expected*toleranceBps/10000 (floored).
func ValidateSlippage(expected, actual, toleranceBps uint64) error {
	if expected == 0 {
		return fmt.Errorf("expected amount must be positive: %w", domain.ErrInvalidInput)
	}
	diff := actual - expected
	if expected > actual {
		diff = expected - actual
	}
	allowed, err := safemath.MulDiv(expected, toleranceBps, domain.BpsDenominator)
	if err != nil {
		return err
	}
	if diff > allowed {
		return fmt.Errorf("expected %d, got %d (tolerance %d bps): %w",
			expected, actual, toleranceBps, domain.ErrSlippageExceeded)
	}
	return nil
}

// CalculateFee returns floor(amount * feeRateBps / 10000).
func CalculateFee(amount, feeRateBps uint64) (uint64, error) {
	if feeRateBps > domain.BpsDenominator {
		return 0, fmt.Errorf("fee rate %d bps above 100%%: %w", feeRateBps, domain.ErrInvalidInput)
	}
	return safemath.MulDiv(amount, feeRateBps, domain.BpsDenominator)
}

// AmountAfterFee returns amount minus its fee.
func AmountAfterFee(amount, feeRateBps uint64) (uint64, error) {
	fee, err := CalculateFee(amount, feeRateBps)
	if err != nil {
		return 0, err
	}
	return safemath.Sub(amount, fee)
}
