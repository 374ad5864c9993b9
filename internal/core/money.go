// Package core holds the sales domain types, money handling and the error
// taxonomy shared by every stage of the pipeline.
//
// Amounts in the reporting currency are stored as integer cents so that
// sums are exact and independent of addition order.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var hundred = decimal.NewFromInt(100)

// MaxSalesAmount bounds extracted amounts: the warehouse keeps twelve
// integer digits and six decimals of the original amount.
var MaxSalesAmount = decimal.New(1, 12)

// MoneyFromDecimal rounds d to two decimal places, half away from zero,
// and returns it as cents. Values whose cents do not fit in an int64 fail
// with ErrAmountOutOfRange.
//
// Examples:
//
//	MoneyFromDecimal(33.335) -> 3334
//	MoneyFromDecimal(12.344) -> 1234
func MoneyFromDecimal(d decimal.Decimal) (Money, error) {
	cents := d.Round(2).Mul(hundred)
	if !cents.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("%w: %s", ErrAmountOutOfRange, d.Round(2).String())
	}
	return Money{Cents: cents.IntPart()}, nil
}

// ParseAmount reads an extracted amount. The result is not Valid when s is
// blank or not a decimal number.
func ParseAmount(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// Decimal returns the amount as a two-place decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with exactly two decimals, e.g. "92.00".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns m+o, or ErrAmountOutOfRange when the sum overflows.
func (m Money) Add(o Money) (Money, error) {
	sum := m.Cents + o.Cents
	if (o.Cents > 0 && sum < m.Cents) || (o.Cents < 0 && sum > m.Cents) {
		return Money{}, ErrAmountOutOfRange
	}
	return Money{Cents: sum}, nil
}

func (m Money) IsZero() bool {
	return m.Cents == 0
}

// ParseCurrency normalizes a currency code and checks it against ISO 4217.
func ParseCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", ErrInvalidCurrency
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", ErrInvalidCurrency
	}
	return unit.String(), nil
}

var orderDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseOrderDate accepts the date layouts seen in sales exports and
// returns the calendar day in UTC.
func ParseOrderDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}
	for _, layout := range orderDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, ErrInvalidDate
}

// MonthKey renders the "YYYY-MM" bucket for t.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}
