package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewExchangeRate(t *testing.T) {
	now := time.Now()
	r, err := NewExchangeRate("eur", decimal.RequireFromString("0.92"), now, RateSourceLive)
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if r.Currency != "EUR" {
		t.Fatalf("expected EUR, got %s", r.Currency)
	}

	bads := []struct {
		currency string
		rate     decimal.Decimal
	}{
		{"EUR", decimal.Zero},
		{"EUR", decimal.NewFromInt(-1)},
		{"EU", decimal.NewFromInt(1)},
		{"", decimal.NewFromInt(1)},
	}
	for i, tc := range bads {
		if _, err := NewExchangeRate(tc.currency, tc.rate, now, RateSourceLive); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestNewCanonicalSalesRecord(t *testing.T) {
	date := time.Date(2024, 2, 29, 13, 0, 0, 0, time.UTC)
	rec, err := NewCanonicalSalesRecord(7, "acme", "books", "EUR", decimal.NewFromInt(100), date, decimal.RequireFromString("0.92"))
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if rec.SalesAmountReporting.Cents != 9200 {
		t.Fatalf("expected 9200 cents, got %d", rec.SalesAmountReporting.Cents)
	}
	if rec.Month != "2024-02" {
		t.Fatalf("expected month 2024-02, got %s", rec.Month)
	}
	if rec.OrderDate.Hour() != 0 {
		t.Fatalf("expected order date truncated to day, got %v", rec.OrderDate)
	}
	if rec.Key(ByAffiliate) != "acme" || rec.Key(ByCategory) != "books" || rec.Key(ByMonth) != "2024-02" {
		t.Fatalf("unexpected keys for %+v", rec)
	}

	bads := []struct {
		id     int64
		amount decimal.Decimal
		date   time.Time
		rate   decimal.Decimal
	}{
		{0, decimal.NewFromInt(1), date, decimal.NewFromInt(1)},
		{1, decimal.NewFromInt(-1), date, decimal.NewFromInt(1)},
		{1, decimal.NewFromInt(1), time.Time{}, decimal.NewFromInt(1)},
		{1, decimal.NewFromInt(1), date, decimal.Zero},
	}
	for i, tc := range bads {
		if _, err := NewCanonicalSalesRecord(tc.id, "a", "c", "USD", tc.amount, tc.date, tc.rate); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestRawSalesRecordHasAmount(t *testing.T) {
	if !(RawSalesRecord{SalesAmount: ParseAmount("10")}).HasAmount() {
		t.Fatalf("expected a parsed amount to be present")
	}
	if !(RawSalesRecord{SalesAmount: ParseAmount("-5")}).HasAmount() {
		t.Fatalf("expected a negative amount to be present")
	}
	if (RawSalesRecord{}).HasAmount() {
		t.Fatalf("expected the zero record to have no amount")
	}
}

func TestNewCanonicalSalesRecordRange(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	one := decimal.NewFromInt(1)

	if _, err := NewCanonicalSalesRecord(1, "a", "c", "USD", decimal.RequireFromString("1e17"), date, one); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected out of range for 1e17, got %v", err)
	}
	if _, err := NewCanonicalSalesRecord(1, "a", "c", "USD", MaxSalesAmount, date, one); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected the bound itself to be rejected, got %v", err)
	}
	// Below the bound but too many cents after conversion.
	if _, err := NewCanonicalSalesRecord(1, "a", "c", "XAU", decimal.RequireFromString("999999999999"), date, decimal.RequireFromString("1e6")); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected conversion overflow, got %v", err)
	}

	rec, err := NewCanonicalSalesRecord(1, "a", "c", "USD", decimal.RequireFromString("999999999999.99"), date, one)
	if err != nil {
		t.Fatalf("expected the largest amount to load, got %v", err)
	}
	if rec.SalesAmountReporting.Cents != 99999999999999 {
		t.Fatalf("unexpected cents %d", rec.SalesAmountReporting.Cents)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		is   error
		kind string
	}{
		{&RateUnavailableError{Currency: "JPY"}, ErrRateUnavailable, "rate_unavailable"},
		{&NormalizationError{OrderID: 1, Reason: "bad date", Err: ErrInvalidDate}, ErrInvalidRecord, "invalid_record"},
		{&DuplicateRecordError{OrderID: 1}, ErrDuplicateRecord, "duplicate"},
		{&StorageError{Op: "commit", Err: errors.New("disk full")}, ErrStorage, "storage"},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("run: %w", tc.err)
		if !errors.Is(wrapped, tc.is) {
			t.Fatalf("%T: expected errors.Is to match", tc.err)
		}
		if k := FailureKind(wrapped); k != tc.kind {
			t.Fatalf("%T: expected kind %s, got %s", tc.err, tc.kind, k)
		}
	}

	norm := &NormalizationError{OrderID: 2, Reason: "rate", Err: &RateUnavailableError{Currency: "JPY"}}
	if FailureKind(norm) != "rate_unavailable" {
		t.Fatalf("expected rate failures to be reported as rate_unavailable")
	}
	if !errors.Is(norm, ErrInvalidRecord) {
		t.Fatalf("expected normalization error to remain an invalid record")
	}
}

func TestDimensions(t *testing.T) {
	for _, d := range Dimensions() {
		if !d.Valid() {
			t.Fatalf("%s should be valid", d)
		}
	}
	if Dimension("region").Valid() {
		t.Fatalf("unexpected valid dimension")
	}
}
