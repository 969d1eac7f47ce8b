package entry

import (
	"github.com/shopspring/decimal"
)

// Number is a decimal physical quantity. It parses JSON numbers without
// binary-float drift and serializes back as the shortest exact decimal form.
type Number struct {
	decimal.Decimal
}

// NumberFromString parses a decimal string.
func NumberFromString(s string) (Number, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Number{}, err
	}

	return Number{Decimal: d}, nil
}

// MustNumber parses a decimal string and panics on failure. For constants
// and tests.
func MustNumber(s string) Number {
	return Number{Decimal: decimal.RequireFromString(s)}
}

// NumberFromInt converts an integer.
func NumberFromInt(v int64) Number {
	return Number{Decimal: decimal.NewFromInt(v)}
}

// MarshalJSON emits a bare JSON number in shortest exact form.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

// EqualAt compares two numbers at the given number of decimal places.
func (n Number) EqualAt(other Number, places int32) bool {
	return n.Decimal.Round(places).Equal(other.Decimal.Round(places))
}
