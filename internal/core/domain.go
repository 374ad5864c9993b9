package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ByAffiliate Dimension = "affiliate"
	ByCategory  Dimension = "category"
	ByMonth     Dimension = "month"
)

const (
	DefaultAffiliate = "Unknown"
	DefaultCategory  = "Uncategorized"

	RateSourceLive   = "live"
	RateSourceStatic = "static"
	RateSourceCache  = "cache"
)

type (
	// Dimension names one of the three aggregate views.
	Dimension string

	Money struct {
		Cents int64
	}

	// RawSalesRecord is a sales transaction exactly as extracted.
	// SalesAmount is not Valid when the source had no usable value.
	RawSalesRecord struct {
		OrderID       int64
		AffiliateName string
		SalesAmount   decimal.NullDecimal
		Currency      string
		OrderDate     string
		Category      string
	}

	// CanonicalSalesRecord is a validated record with its amount expressed
	// in the reporting currency.
	CanonicalSalesRecord struct {
		OrderID              int64
		AffiliateName        string
		SalesAmount          decimal.Decimal
		Currency             string
		OrderDate            time.Time
		Category             string
		SalesAmountReporting Money
		Rate                 decimal.Decimal
		Month                string
	}

	// ExchangeRate is the number of reporting-currency units per one unit
	// of Currency.
	ExchangeRate struct {
		Currency   string
		Rate       decimal.Decimal
		ObservedAt time.Time
		Source     string
	}

	AggregateRow struct {
		Key         string
		Total       Money
		LastUpdated time.Time
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountOutOfRange = fmt.Errorf("%w: out of range", ErrInvalidAmount)
	ErrInvalidRate      = errors.New("invalid exchange rate")
	ErrInvalidCurrency  = errors.New("invalid currency code")
	ErrInvalidDate      = errors.New("invalid order date")
	ErrInvalidOrderID   = errors.New("invalid order id")
	ErrEmptyKey         = errors.New("empty aggregate key")
	ErrNotFound         = errors.New("not found")
)

// Dimensions lists every aggregate view in a stable order.
func Dimensions() []Dimension {
	return []Dimension{ByAffiliate, ByCategory, ByMonth}
}

func (d Dimension) Valid() bool {
	switch d {
	case ByAffiliate, ByCategory, ByMonth:
		return true
	}
	return false
}

// NewExchangeRate validates the currency code and requires a strictly
// positive rate.
func NewExchangeRate(currency string, rate decimal.Decimal, observedAt time.Time, source string) (ExchangeRate, error) {
	code, err := ParseCurrency(currency)
	if err != nil {
		return ExchangeRate{}, err
	}
	if !rate.IsPositive() {
		return ExchangeRate{}, fmt.Errorf("%w: %s for %s", ErrInvalidRate, rate.String(), code)
	}
	return ExchangeRate{
		Currency:   code,
		Rate:       rate,
		ObservedAt: observedAt.UTC(),
		Source:     source,
	}, nil
}

// Identity is the rate of the reporting currency to itself.
func Identity(currency string, at time.Time) ExchangeRate {
	return ExchangeRate{
		Currency:   strings.ToUpper(currency),
		Rate:       decimal.NewFromInt(1),
		ObservedAt: at.UTC(),
		Source:     RateSourceStatic,
	}
}

func (r ExchangeRate) Validate() error {
	if _, err := ParseCurrency(r.Currency); err != nil {
		return err
	}
	if !r.Rate.IsPositive() {
		return ErrInvalidRate
	}
	return nil
}

// NewCanonicalSalesRecord builds a canonical record from already cleaned
// fields. The reporting amount is derived from amount and rate and rounded
// half-up to cents. Amounts at or above MaxSalesAmount, or converting to
// more cents than an int64 holds, fail with ErrAmountOutOfRange.
func NewCanonicalSalesRecord(orderID int64, affiliate, category, currency string, amount decimal.Decimal, orderDate time.Time, rate decimal.Decimal) (CanonicalSalesRecord, error) {
	if orderID <= 0 {
		return CanonicalSalesRecord{}, ErrInvalidOrderID
	}
	if amount.IsNegative() {
		return CanonicalSalesRecord{}, ErrInvalidAmount
	}
	if amount.GreaterThanOrEqual(MaxSalesAmount) {
		return CanonicalSalesRecord{}, fmt.Errorf("%w: %s is not below %s", ErrAmountOutOfRange, amount.String(), MaxSalesAmount.String())
	}
	if !rate.IsPositive() {
		return CanonicalSalesRecord{}, ErrInvalidRate
	}
	if orderDate.IsZero() {
		return CanonicalSalesRecord{}, ErrInvalidDate
	}
	reporting, err := MoneyFromDecimal(amount.Mul(rate))
	if err != nil {
		return CanonicalSalesRecord{}, err
	}
	day := time.Date(orderDate.Year(), orderDate.Month(), orderDate.Day(), 0, 0, 0, 0, time.UTC)
	return CanonicalSalesRecord{
		OrderID:              orderID,
		AffiliateName:        affiliate,
		SalesAmount:          amount,
		Currency:             currency,
		OrderDate:            day,
		Category:             category,
		SalesAmountReporting: reporting,
		Rate:                 rate,
		Month:                MonthKey(day),
	}, nil
}

// Key returns the value of the record for the given dimension.
func (c CanonicalSalesRecord) Key(d Dimension) string {
	switch d {
	case ByAffiliate:
		return c.AffiliateName
	case ByCategory:
		return c.Category
	case ByMonth:
		return c.Month
	}
	return ""
}

// HasAmount reports whether the source carried a usable amount.
func (r RawSalesRecord) HasAmount() bool {
	return r.SalesAmount.Valid
}

func (a AggregateRow) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return ErrEmptyKey
	}
	return nil
}
