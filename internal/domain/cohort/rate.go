package cohort

import (
	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of decimals kept on percentages.
const DefaultPrecision = 1

var hundred = decimal.NewFromInt(100)

// Rate returns 100*numerator/denominator rounded half away from zero to
// precision decimals. A zero denominator yields 0.
func Rate(numerator, denominator int, precision int) float64 {
	if denominator == 0 {
		return 0
	}
	if precision < 0 {
		precision = 0
	}
	pct := decimal.NewFromInt(int64(numerator)).
		Mul(hundred).
		DivRound(decimal.NewFromInt(int64(denominator)), int32(precision))
	return pct.InexactFloat64()
}
