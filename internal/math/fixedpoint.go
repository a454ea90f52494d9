package math

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DivisionPrecision is the number of fractional digits kept when a quotient
// does not terminate. Share percentages and price ratios are the only
// non-terminating values in the ledger.
const DivisionPrecision int32 = 36

var (
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
)

// FromRaw converts an on-chain integer quantity into human units:
// raw / 10^decimals. The conversion is a decimal shift and therefore exact.
func FromRaw(raw string, decimals int) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	if decimals < 0 {
		return decimal.Zero, fmt.Errorf("negative decimals %d", decimals)
	}

	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse raw quantity %q: %w", raw, err)
	}

	return v.Shift(-int32(decimals)), nil
}

// MustFromRaw is FromRaw for literals known to be valid.
func MustFromRaw(raw string, decimals int) decimal.Decimal {
	v, err := FromRaw(raw, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// SafeDiv returns a / b, or zero when b is zero. Division by zero on
// percentage and price-ratio paths means "0% of nothing", never a fault.
func SafeDiv(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.DivRound(b, DivisionPrecision)
}

// CrossValue expresses qtyA + qtyB in units of token A using USD prices:
// qtyA + qtyB * (priceB / priceA).
func CrossValue(qtyA, qtyB, priceA, priceB decimal.Decimal) decimal.Decimal {
	return qtyA.Add(qtyB.Mul(SafeDiv(priceB, priceA)))
}

// USDValue is qty0*price0 + qty1*price1.
func USDValue(qty0, qty1, price0, price1 decimal.Decimal) decimal.Decimal {
	return qty0.Mul(price0).Add(qty1.Mul(price1))
}

// RelativeDeviation returns |actual - expected| / |expected|.
// When expected is zero the deviation is zero if actual is zero too, else one.
func RelativeDeviation(actual, expected decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		if actual.IsZero() {
			return decimal.Zero
		}
		return One
	}
	return actual.Sub(expected).Abs().DivRound(expected.Abs(), DivisionPrecision)
}

// WithinTolerance reports whether actual deviates from expected by at most
// tol (a fraction, e.g. 0.001 for 0.1%).
func WithinTolerance(actual, expected, tol decimal.Decimal) bool {
	return RelativeDeviation(actual, expected).LessThanOrEqual(tol)
}

// ClampNonNegative maps tiny negative rounding residue to zero.
func ClampNonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
