package budget

import "github.com/shopspring/decimal"

// RemainderPlacement decides which quarters absorb qty mod 4.
type RemainderPlacement int

const (
	// RemainderEarly gives the leftover units to Q1, then Q2, then Q3.
	RemainderEarly RemainderPlacement = iota
	// RemainderLast gives the whole leftover to Q4.
	RemainderLast
)

var four = decimal.NewFromInt(4)

// SplitQuarters divides qty into four quarterly quantities whose sum is
// exactly qty. Whole units are spread evenly; the integer remainder goes to
// the quarters chosen by placement, and any fractional part of qty lands on
// the last quarter that received a remainder unit (Q4 for RemainderLast).
func SplitQuarters(qty decimal.Decimal, placement RemainderPlacement) [4]decimal.Decimal {
	var q [4]decimal.Decimal
	if !qty.IsPositive() {
		for i := range q {
			q[i] = decimal.Zero
		}
		return q
	}

	whole := qty.Floor()
	fraction := qty.Sub(whole)
	base := whole.Div(four).Floor()
	remainder := int(whole.Sub(base.Mul(four)).IntPart())

	for i := range q {
		q[i] = base
	}

	last := 3
	switch placement {
	case RemainderLast:
		q[3] = q[3].Add(decimal.NewFromInt(int64(remainder)))
	default:
		for i := 0; i < remainder; i++ {
			q[i] = q[i].Add(decimal.NewFromInt(1))
		}
		if remainder > 0 {
			last = remainder - 1
		} else {
			last = 0
		}
	}
	q[last] = q[last].Add(fraction)
	return q
}

// FillQuarters completes a partial quarter input. Given quarters are kept;
// the missing ones share qty minus the given sum, whole units spread evenly
// and the remainder (fraction included) on the last missing quarter. A given
// sum above qty is a QUARTERLY_SUM_MISMATCH. With all four given the
// quarters are returned as is.
func FillQuarters(qty decimal.Decimal, given [4]*decimal.Decimal) ([4]decimal.Decimal, error) {
	var q [4]decimal.Decimal
	sum := decimal.Zero
	var missing []int
	for i, v := range given {
		if v == nil {
			missing = append(missing, i)
			continue
		}
		q[i] = *v
		sum = sum.Add(*v)
	}
	if len(missing) == 0 {
		return q, nil
	}

	rest := qty.Sub(sum)
	if rest.IsNegative() {
		return q, ValidationError(CodeQuarterlySumMismatch,
			"given quarterly quantities %s exceed requested quantity %s", sum.String(), qty.String())
	}

	n := decimal.NewFromInt(int64(len(missing)))
	base := rest.Floor().Div(n).Floor()
	for _, i := range missing {
		q[i] = base
	}
	last := missing[len(missing)-1]
	q[last] = rest.Sub(base.Mul(decimal.NewFromInt(int64(len(missing) - 1))))
	return q, nil
}
