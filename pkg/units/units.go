// Package units parses and normalises the decimal quantities traded on the
// platform: energy amounts in kWh and prices per kWh.
package units

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// PriceScale is the number of decimal places kept for prices per kWh.
	PriceScale int32 = 6
	// AmountScale is the number of decimal places kept for kWh amounts.
	AmountScale int32 = 3
)

// ParsePrice parses a strictly positive price per kWh.
func ParsePrice(s string) (decimal.Decimal, error) {
	return parsePositive("price", s, PriceScale)
}

// ParseAmount parses a strictly positive energy amount in kWh.
func ParseAmount(s string) (decimal.Decimal, error) {
	return parsePositive("amount", s, AmountScale)
}

func parsePositive(field, s string, scale int32) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", field, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive, got %s", field, d)
	}
	if -d.Exponent() > scale && !d.Equal(d.Round(scale)) {
		return decimal.Zero, fmt.Errorf("%s %s has more than %d decimal places", field, d, scale)
	}
	return d, nil
}

// RoundPrice rounds a computed price to PriceScale places.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// Notional returns price × amount rounded to cents.
func Notional(price, amount decimal.Decimal) decimal.Decimal {
	return price.Mul(amount).Round(2)
}

// Float64 converts for scoring maths; precision loss is acceptable there.
func Float64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
