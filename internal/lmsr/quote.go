package lmsr

import (
	"github.com/efreitasn/opinionmarket/internal/domain"
	"github.com/efreitasn/opinionmarket/internal/safemath"
)

// BuyCost returns the base-unit cost of acquiring shares more units of
// outcome i: C(q + shares*e_i) - C(q).
func BuyCost(q []uint64, i int, shares uint64, b float64) (uint64, error) {
	if err := checkIndex(q, i); err != nil {
		return 0, err
	}
	before, err := Cost(q, b)
	if err != nil {
		return 0, err
	}
	next := append([]uint64(nil), q...)
	if next[i], err = safemath.Add(q[i], shares); err != nil {
		return 0, err
	}
	after, err := Cost(next, b)
	if err != nil {
		return 0, err
	}
	// C is increasing in q_i; a dip can only come from float rounding.
	return safemath.SaturatingSub(after, before), nil
}

// CostForShares is the share-denominated buy quote.
func CostForShares(q []uint64, i int, shares uint64, b float64) (uint64, error) {
	return BuyCost(q, i, shares, b)
}

// SellCost returns the base-unit proceeds of selling shares units of
// outcome i: C(q) - C(q - shares*e_i). It fails with
// domain.ErrInsufficientShares when fewer than shares are outstanding.
func SellCost(q []uint64, i int, shares uint64, b float64) (uint64, error) {
	if err := checkIndex(q, i); err != nil {
		return 0, err
	}
	if q[i] < shares {
		return 0, domain.ErrInsufficientShares
	}
	before, err := Cost(q, b)
	if err != nil {
		return 0, err
	}
	next := append([]uint64(nil), q...)
	next[i] = q[i] - shares
	after, err := Cost(next, b)
	if err != nil {
		return 0, err
	}
	return safemath.SaturatingSub(before, after), nil
}
