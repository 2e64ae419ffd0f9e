// Package money provides the fixed-point amount type used for balances and
// transaction amounts.
//
// Amounts carry exactly two minor-unit digits. They are stored as integer
// minor units and never pass through float64.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits (cents).
const Scale = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPrecision     = errors.New("amount has more than 2 decimal places")
	ErrOverflow      = errors.New("amount out of range")
)

// Storage keeps int64 minor units, which bounds every amount and balance.
var (
	maxAmount = decimal.New(math.MaxInt64, -Scale)
	minAmount = decimal.New(math.MinInt64, -Scale)
)

func inRange(d decimal.Decimal) bool {
	return d.Cmp(minAmount) >= 0 && d.Cmp(maxAmount) <= 0
}

// Amount is a signed fixed-point value with two decimal places.
// The zero value is 0.00.
type Amount struct {
	d decimal.Decimal
}

// Zero is 0.00.
var Zero = Amount{}

// Parse reads a decimal string like "12.34" or "-5". More than two
// fractional digits is rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(d.Round(Scale)) {
		return Amount{}, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
	if !inRange(d) {
		return Amount{}, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromMinor builds an amount from integer minor units (1234 -> 12.34).
func FromMinor(minor int64) Amount {
	return Amount{d: decimal.New(minor, -Scale)}
}

// FromDecimal converts a decimal, rejecting extra precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Round(Scale)) {
		return Amount{}, fmt.Errorf("%w: %s", ErrPrecision, d.String())
	}
	if !inRange(d) {
		return Amount{}, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Amount{d: d.Round(Scale)}, nil
}

// Minor returns the amount in integer minor units. Sums built with Add or
// Mul can leave the int64 range; persist through ToMinor instead.
func (a Amount) Minor() int64 { return a.d.Shift(Scale).IntPart() }

// ToMinor is Minor failing with ErrOverflow instead of wrapping.
func (a Amount) ToMinor() (int64, error) {
	if !inRange(a.d) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, a.String())
	}
	return a.d.Shift(Scale).IntPart(), nil
}

// Decimal exposes the underlying decimal for ratio math.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }
func (a Amount) Abs() Amount         { return Amount{d: a.d.Abs()} }

// Mul multiplies by an integer count (e.g. n occurrences).
func (a Amount) Mul(n int64) Amount { return Amount{d: a.d.Mul(decimal.NewFromInt(n))} }

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsNegative() bool { return a.d.IsNegative() }
func (a Amount) IsPositive() bool { return a.d.IsPositive() }
func (a Amount) Equal(b Amount) bool {
	return a.d.Equal(b.d)
}
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

// Ratio returns a/b as a decimal rounded to 4 places. b must be non-zero.
func (a Amount) Ratio(b Amount) decimal.Decimal {
	if b.d.IsZero() {
		return decimal.Zero
	}
	return a.d.DivRound(b.d, 4)
}

// String always renders two decimals: "12.30".
func (a Amount) String() string { return a.d.StringFixed(Scale) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
