package decimal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of fractional digits kept for rupee amounts
const MoneyPlaces = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNonPositive   = errors.New("amount must be positive")
	hundred          = decimal.NewFromInt(100)
)

// ParseAmount parses a monetary amount and rejects zero or negative values
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositive
	}
	return d.Round(MoneyPlaces), nil
}

// Round rounds to money precision
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Commission returns amount * ratePercent / 100 rounded to money precision
func Commission(amount, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsNegative() {
		return decimal.Zero
	}
	return Round(amount.Mul(ratePercent).Div(hundred))
}

// Ratio returns num/den clamped to [0, 1]. A non-positive denominator yields 0.
func Ratio(num, den decimal.Decimal) float64 {
	if !den.IsPositive() || !num.IsPositive() {
		return 0
	}
	r, _ := num.Div(den).Float64()
	if r > 1 {
		return 1
	}
	return r
}

// Format renders an amount for human-readable resolution text, e.g. "₹10,200.00"
func Format(d decimal.Decimal) string {
	s := d.Abs().StringFixed(MoneyPlaces)
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "₹" + b.String() + "." + frac
}
