// Package lmsr implements the liquidity-sensitive Logarithmic Market Scoring
// Rule used to price every outcome of a market.
//
// Quantities and costs are uint64 base units (1e9 per major unit). The cost
// function works in major units internally and truncates its result back to
// base units; every quote is a difference of two truncated costs, so buying
// and then selling the same shares returns exactly the amount paid.
package lmsr

import (
	"fmt"
	"math"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// LiquidityScale converts pooled liquidity in major units into the LMSR
// liquidity parameter b.
const LiquidityScale = 100.0

const baseUnits = float64(domain.BaseUnitsPerMajor)

// twoTo64 is the first float64 value that no longer fits in a uint64.
const twoTo64 = 18446744073709551616.0

// LiquidityParam derives b from a market's pooled liquidity in base units.
func LiquidityParam(pooledLiquidity uint64) float64 {
	return float64(pooledLiquidity) / baseUnits * LiquidityScale
}

// Cost evaluates C(q) = b * ln(sum(exp(q_i / b))) and returns it in base
// units, truncated. The running maximum of q_i / b is factored out before
// exponentiating so large quantities do not overflow.
func Cost(q []uint64, b float64) (uint64, error) {
	if err := checkInputs(q, b); err != nil {
		return 0, err
	}
	c := b * logSumExp(q, b)
	base := c * baseUnits
	if math.IsNaN(base) || base >= twoTo64 {
		return 0, domain.ErrArithmeticOverflow
	}
	if base < 0 {
		return 0, nil
	}
	return uint64(base), nil
}

// Price returns the instantaneous price of outcome i,
// exp(q_i / b) / sum(exp(q_j / b)), in [0, 1].
func Price(q []uint64, i int, b float64) (float64, error) {
	if err := checkIndex(q, i); err != nil {
		return 0, err
	}
	prices, err := Prices(q, b)
	if err != nil {
		return 0, err
	}
	return prices[i], nil
}

// Prices returns the price of every outcome. The values sum to 1 up to
// rounding.
func Prices(q []uint64, b float64) ([]float64, error) {
	if err := checkInputs(q, b); err != nil {
		return nil, err
	}
	m := maxScaled(q, b)
	exps := make([]float64, len(q))
	sum := 0.0
	for j, qj := range q {
		exps[j] = math.Exp(scaled(qj, b) - m)
		sum += exps[j]
	}
	for j := range exps {
		exps[j] /= sum
	}
	return exps, nil
}

// PriceBps returns the price of outcome i rounded to basis points, in
// [0, 10000].
func PriceBps(q []uint64, i int, b float64) (uint64, error) {
	p, err := Price(q, i, b)
	if err != nil {
		return 0, err
	}
	return uint64(math.Round(p * domain.BpsDenominator)), nil
}

// scaled returns q_i in major units divided by b.
func scaled(qi uint64, b float64) float64 {
	return float64(qi) / baseUnits / b
}

func maxScaled(q []uint64, b float64) float64 {
	m := math.Inf(-1)
	for _, qi := range q {
		if x := scaled(qi, b); x > m {
			m = x
		}
	}
	return m
}

// logSumExp returns ln(sum(exp(q_i / b))) without overflowing.
func logSumExp(q []uint64, b float64) float64 {
	m := maxScaled(q, b)
	sum := 0.0
	for _, qi := range q {
		sum += math.Exp(scaled(qi, b) - m)
	}
	return m + math.Log(sum)
}

func checkInputs(q []uint64, b float64) error {
	if len(q) == 0 {
		return fmt.Errorf("empty quantities: %w", domain.ErrInvalidInput)
	}
	if !(b > 0) || math.IsInf(b, 0) {
		return fmt.Errorf("liquidity parameter %v must be positive: %w", b, domain.ErrInvalidInput)
	}
	return nil
}

func checkIndex(q []uint64, i int) error {
	if i < 0 || i >= len(q) {
		return fmt.Errorf("outcome index %d out of range [0,%d): %w", i, len(q), domain.ErrInvalidInput)
	}
	return nil
}
