// Package safemath provides overflow-checked uint64 arithmetic for ledger
// quantities. Every function reports domain.ErrArithmeticOverflow instead of
// wrapping around.
package safemath

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// Add returns a + b.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, domain.ErrArithmeticOverflow
	}
	return a + b, nil
}

// Sub returns a - b. Going below zero is an overflow.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, domain.ErrArithmeticOverflow
	}
	return a - b, nil
}

// SaturatingSub returns a - b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Mul returns a * b.
func Mul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxUint64/b {
		return 0, domain.ErrArithmeticOverflow
	}
	return a * b, nil
}

// MulDiv returns floor(a * b / d) with a 256-bit intermediate product, so it
// only fails when the final quotient does not fit in a uint64. d == 0 is
// reported as invalid input.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, domain.ErrInvalidInput
	}
	x := uint256.NewInt(a)
	x.Mul(x, uint256.NewInt(b))
	x.Div(x, uint256.NewInt(d))
	if !x.IsUint64() {
		return 0, domain.ErrArithmeticOverflow
	}
	return x.Uint64(), nil
}
