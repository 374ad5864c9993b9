package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"salesetl/internal/core"
)

type stubRates struct {
	reporting string
	rates     map[string]string
	calls     int
}

func (s *stubRates) ReportingCurrency() string { return s.reporting }

func (s *stubRates) Resolve(_ context.Context, currency string, _ time.Time) (core.ExchangeRate, error) {
	if currency == s.reporting {
		return core.Identity(currency, time.Now()), nil
	}
	s.calls++
	r, ok := s.rates[currency]
	if !ok {
		return core.ExchangeRate{}, &core.RateUnavailableError{Currency: currency}
	}
	return core.NewExchangeRate(currency, decimal.RequireFromString(r), time.Now(), core.RateSourceLive)
}

func newNormalizer() (*Normalizer, *stubRates) {
	rates := &stubRates{reporting: "USD", rates: map[string]string{"EUR": "0.92", "GBP": "1.27"}}
	return New(rates, nil), rates
}

func TestNormalizeConvertsAmount(t *testing.T) {
	n, _ := newNormalizer()
	rec, err := n.Normalize(context.Background(), core.RawSalesRecord{
		OrderID: 1, AffiliateName: "acme", SalesAmount: core.ParseAmount("100"), Currency: "eur", OrderDate: "2024-03-15", Category: "books",
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if rec.SalesAmountReporting.String() != "92.00" {
		t.Fatalf("expected 92.00, got %s", rec.SalesAmountReporting)
	}
	if rec.Currency != "EUR" || rec.Month != "2024-03" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestNormalizeReportingCurrencyIsExact(t *testing.T) {
	n, rates := newNormalizer()
	amounts := []string{"0", "0.01", "1.1", "19.99", "1234567.89", "33.33", "999999999999.99"}
	for _, a := range amounts {
		rec, err := n.Normalize(context.Background(), core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount(a), Currency: "USD", OrderDate: "2024-01-01"})
		if err != nil {
			t.Fatalf("%v: unexpected error %v", a, err)
		}
		if !rec.SalesAmountReporting.Decimal().Equal(decimal.RequireFromString(a)) {
			t.Fatalf("%v: expected identical amount, got %s", a, rec.SalesAmountReporting)
		}
	}
	if rates.calls != 0 {
		t.Fatalf("expected no rate lookups for the reporting currency, got %d", rates.calls)
	}
}

func TestNormalizeRoundsHalfUp(t *testing.T) {
	n, _ := newNormalizer()
	for i := 0; i < 20; i++ {
		rec, err := n.Normalize(context.Background(), core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("33.335"), Currency: "USD", OrderDate: "2024-01-01"})
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if rec.SalesAmountReporting.Cents != 3334 {
			t.Fatalf("expected 33.34, got %s", rec.SalesAmountReporting)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	n, _ := newNormalizer()
	rec, err := n.Normalize(context.Background(), core.RawSalesRecord{OrderID: 5, SalesAmount: core.ParseAmount("10"), OrderDate: "2024-02-02", AffiliateName: "  "})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if rec.AffiliateName != core.DefaultAffiliate || rec.Category != core.DefaultCategory || rec.Currency != "USD" {
		t.Fatalf("expected defaults, got %+v", rec)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  core.RawSalesRecord
		is   error
	}{
		{"missing id", core.RawSalesRecord{SalesAmount: core.ParseAmount("1"), OrderDate: "2024-01-01"}, core.ErrInvalidOrderID},
		{"negative", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("-1"), OrderDate: "2024-01-01"}, core.ErrInvalidAmount},
		{"missing amount", core.RawSalesRecord{OrderID: 1, OrderDate: "2024-01-01"}, core.ErrInvalidAmount},
		{"nan", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("NaN"), OrderDate: "2024-01-01"}, core.ErrInvalidAmount},
		{"too large", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1e17"), Currency: "USD", OrderDate: "2024-01-01"}, core.ErrAmountOutOfRange},
		{"column bound", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1000000000000"), Currency: "USD", OrderDate: "2024-01-01"}, core.ErrAmountOutOfRange},
		{"bad currency", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1"), Currency: "EURO", OrderDate: "2024-01-01"}, core.ErrInvalidCurrency},
		{"missing date", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1")}, core.ErrInvalidDate},
		{"bad date", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1"), OrderDate: "not a date"}, core.ErrInvalidDate},
		{"no rate", core.RawSalesRecord{OrderID: 1, SalesAmount: core.ParseAmount("1"), Currency: "JPY", OrderDate: "2024-01-01"}, core.ErrRateUnavailable},
	}
	n, _ := newNormalizer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), tc.raw)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, core.ErrInvalidRecord) {
				t.Fatalf("expected invalid record, got %v", err)
			}
			if !errors.Is(err, tc.is) {
				t.Fatalf("expected %v in chain, got %v", tc.is, err)
			}
			var ne *core.NormalizationError
			if !errors.As(err, &ne) || ne.OrderID != tc.raw.OrderID {
				t.Fatalf("expected NormalizationError for order %d, got %v", tc.raw.OrderID, err)
			}
		})
	}
}

func TestNormalizeAllKeepsGoodRecords(t *testing.T) {
	n, _ := newNormalizer()
	raws := []core.RawSalesRecord{
		{OrderID: 1, SalesAmount: core.ParseAmount("10"), Currency: "USD", OrderDate: "2024-01-01"},
		{OrderID: 2, SalesAmount: core.ParseAmount("20"), Currency: "USD", OrderDate: "2024-01-02"},
		{OrderID: 3, SalesAmount: core.ParseAmount("30"), Currency: "USD", OrderDate: "31/31/2024"},
		{OrderID: 4, SalesAmount: core.ParseAmount("40"), Currency: "EUR", OrderDate: "2024-01-04"},
		{OrderID: 5, SalesAmount: core.ParseAmount("50"), Currency: "GBP", OrderDate: "2024-01-05"},
	}
	recs, failures := n.NormalizeAll(context.Background(), raws)
	if len(recs) != 4 || len(failures) != 1 {
		t.Fatalf("expected 4 accepted and 1 rejected, got %d and %d", len(recs), len(failures))
	}
	var ne *core.NormalizationError
	if !errors.As(failures[0], &ne) || ne.OrderID != 3 {
		t.Fatalf("expected order 3 to be rejected, got %v", failures[0])
	}
	if recs[0].OrderID != 1 || recs[3].OrderID != 5 {
		t.Fatalf("expected input order preserved")
	}
}
