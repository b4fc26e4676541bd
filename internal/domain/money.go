package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// BaseUnitsPerMajor is the fixed scale shared by every monetary and share
// quantity: 1e9 base units make one major unit.
const BaseUnitsPerMajor = 1_000_000_000

// majorExp is the decimal exponent of BaseUnitsPerMajor.
const majorExp = 9

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

// ToMajor converts a base-unit amount to an exact major-unit decimal.
func ToMajor(base uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), -majorExp)
}

// FormatMajor renders a base-unit amount in major units with all nine
// fractional digits, e.g. 1500000000 -> "1.500000000".
func FormatMajor(base uint64) string {
	return ToMajor(base).StringFixed(majorExp)
}

// ParseMajor converts a major-unit decimal string to base units. It rejects
// negative values, more than nine fractional digits, and values that do not
// fit in a uint64.
func ParseMajor(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &ValidationError{Message: fmt.Sprintf("invalid amount %q", s)}
	}
	if d.IsNegative() {
		return 0, &ValidationError{Message: "amount must not be negative"}
	}
	scaled := d.Shift(majorExp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, &ValidationError{Message: "amount must have at most 9 decimal places"}
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return bi.Uint64(), nil
}
