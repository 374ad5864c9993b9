// Package normalize turns extracted sales records into canonical records
// priced in the reporting currency.
package normalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"salesetl/internal/core"
	"salesetl/internal/log"
)

// RateResolver is satisfied by *rates.Resolver.
type RateResolver interface {
	Resolve(ctx context.Context, currency string, asOf time.Time) (core.ExchangeRate, error)
	ReportingCurrency() string
}

type Normalizer struct {
	rates  RateResolver
	logger *log.Logger
}

func New(rates RateResolver, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Normalizer{rates: rates, logger: logger.WithComponent(log.ComponentNormalize)}
}

// Normalize validates raw, fills in missing descriptive fields and converts
// the amount. Any rejection is a *core.NormalizationError.
func (n *Normalizer) Normalize(ctx context.Context, raw core.RawSalesRecord) (core.CanonicalSalesRecord, error) {
	reject := func(reason string, err error) (core.CanonicalSalesRecord, error) {
		return core.CanonicalSalesRecord{}, &core.NormalizationError{OrderID: raw.OrderID, Reason: reason, Err: err}
	}

	if raw.OrderID <= 0 {
		return reject("missing order id", core.ErrInvalidOrderID)
	}
	if !raw.HasAmount() {
		return reject("sales amount missing or not a number", core.ErrInvalidAmount)
	}
	amount := raw.SalesAmount.Decimal
	if amount.IsNegative() {
		return reject(fmt.Sprintf("negative sales amount %s", amount), core.ErrInvalidAmount)
	}
	if amount.GreaterThanOrEqual(core.MaxSalesAmount) {
		return reject(fmt.Sprintf("sales amount %s is not below %s", amount, core.MaxSalesAmount), core.ErrAmountOutOfRange)
	}

	currency := strings.TrimSpace(raw.Currency)
	if currency == "" {
		currency = n.rates.ReportingCurrency()
	}
	code, err := core.ParseCurrency(currency)
	if err != nil {
		return reject(fmt.Sprintf("unrecognized currency %q", raw.Currency), err)
	}

	orderDate, err := core.ParseOrderDate(raw.OrderDate)
	if err != nil {
		if strings.TrimSpace(raw.OrderDate) == "" {
			return reject("missing order date", err)
		}
		return reject(fmt.Sprintf("unparseable order date %q", raw.OrderDate), err)
	}

	rate, err := n.rates.Resolve(ctx, code, orderDate)
	if err != nil {
		return reject(fmt.Sprintf("no exchange rate for %s", code), err)
	}

	rec, err := core.NewCanonicalSalesRecord(
		raw.OrderID,
		orDefault(raw.AffiliateName, core.DefaultAffiliate),
		orDefault(raw.Category, core.DefaultCategory),
		code,
		amount,
		orderDate,
		rate.Rate,
	)
	if err != nil {
		return reject(err.Error(), err)
	}
	return rec, nil
}

// NormalizeAll normalizes every record, returning the accepted ones in
// input order and one error per rejected record.
func (n *Normalizer) NormalizeAll(ctx context.Context, raws []core.RawSalesRecord) ([]core.CanonicalSalesRecord, []error) {
	out := make([]core.CanonicalSalesRecord, 0, len(raws))
	var failures []error
	for _, raw := range raws {
		rec, err := n.Normalize(ctx, raw)
		if err != nil {
			n.logger.WarnContext(ctx, "Record rejected",
				log.FieldOrderID, raw.OrderID,
				log.FieldError, err)
			failures = append(failures, err)
			continue
		}
		out = append(out, rec)
	}
	n.logger.InfoContext(ctx, "Normalization finished",
		"accepted", len(out),
		"rejected", len(failures))
	return out, failures
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
