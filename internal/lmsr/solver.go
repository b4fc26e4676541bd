package lmsr

import (
	"math"

	"github.com/efreitasn/opinionmarket/internal/domain"
)

// SharesForCost returns the largest share count whose BuyCost does not
// exceed cost, or 0 when not even one share is affordable.
//
// The search first grows its upper bound exponentially from cost until the
// bound is unaffordable, then bisects. Since every price is at most 1, cost
// shares is usually already close to the answer; doubling covers the cases
// where the outcome is cheap. A budget that would push the outstanding
// quantity past the uint64 domain fails with domain.ErrArithmeticOverflow.
func SharesForCost(q []uint64, i int, cost uint64, b float64) (uint64, error) {
	if err := checkIndex(q, i); err != nil {
		return 0, err
	}
	if cost == 0 {
		return 0, nil
	}

	one, err := BuyCost(q, i, 1, b)
	if err != nil {
		return 0, err
	}
	if one > cost {
		return 0, nil
	}

	limit := math.MaxUint64 - q[i] // room left for outcome i
	lo := uint64(1)                // affordable
	hi := cost                     // candidate upper bound
	if hi < 2 {
		hi = 2
	}

	// Bracket: find hi with BuyCost(hi) > cost.
	for {
		if hi > limit {
			hi = limit
		}
		c, err := BuyCost(q, i, hi, b)
		if err != nil {
			return 0, err
		}
		if c > cost {
			break
		}
		if hi == limit {
			return 0, domain.ErrArithmeticOverflow
		}
		lo = hi
		if hi > math.MaxUint64/2 {
			hi = limit
		} else {
			hi *= 2
		}
	}

	// Bisect [lo, hi): lo is affordable, hi is not.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		c, err := BuyCost(q, i, mid, b)
		if err != nil {
			return 0, err
		}
		if c <= cost {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}
