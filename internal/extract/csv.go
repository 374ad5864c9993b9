// Package extract reads raw sales records from delimited exports.
package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"salesetl/internal/core"
	"salesetl/internal/log"
)

const (
	colOrderID   = "order_id"
	colAffiliate = "affiliate_name"
	colAmount    = "sales_amount"
	colCurrency  = "currency"
	colOrderDate = "order_date"
	colCategory  = "category"

	// FailureKind marks rows rejected before normalization.
	FailureKind = "extraction"
)

var ErrMissingColumn = errors.New("missing required column")

// CSVExtractor reads a sales export with a header row. Only order_id is
// required; other missing columns read as blank.
type CSVExtractor struct {
	path   string
	comma  rune
	logger *log.Logger
}

func NewCSVExtractor(path string, logger *log.Logger) *CSVExtractor {
	if logger == nil {
		logger = log.Default()
	}
	return &CSVExtractor{path: path, comma: ',', logger: logger.WithComponent(log.ComponentExtract)}
}

// WithComma switches the field delimiter, e.g. to ';'.
func (e *CSVExtractor) WithComma(r rune) *CSVExtractor {
	e.comma = r
	return e
}

func (e *CSVExtractor) Extract(ctx context.Context) (core.Batch, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return core.Batch{Source: e.path}, fmt.Errorf("open %s: %w", e.path, err)
	}
	defer f.Close()

	batch, err := Parse(ctx, f, e.path, e.comma)
	if err != nil {
		return batch, err
	}
	e.logger.InfoContext(ctx, "Extracted sales records",
		log.FieldSource, e.path,
		log.FieldCount, len(batch.Records),
		"rejected", len(batch.Rejected))
	return batch, nil
}

// Parse reads CSV from r. Rows whose order_id is not a positive integer
// are returned as rejects with their line number.
func Parse(ctx context.Context, r io.Reader, source string, comma rune) (core.Batch, error) {
	batch := core.Batch{Source: source}

	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return batch, nil
	}
	if err != nil {
		return batch, fmt.Errorf("read header: %w", err)
	}
	cols := indexColumns(header)
	if _, ok := cols[colOrderID]; !ok {
		return batch, fmt.Errorf("%w: %s", ErrMissingColumn, colOrderID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				batch.Rejected = append(batch.Rejected, core.RecordFailure{Line: perr.Line, Kind: FailureKind, Reason: perr.Err.Error()})
				continue
			}
			return batch, fmt.Errorf("read row: %w", err)
		}
		if blank(row) {
			continue
		}
		line, _ := cr.FieldPos(0)

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rawID := field(colOrderID)
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= 0 {
			batch.Rejected = append(batch.Rejected, core.RecordFailure{
				Line:   line,
				Kind:   FailureKind,
				Reason: fmt.Sprintf("order_id %q is not a positive integer", rawID),
			})
			continue
		}

		batch.Records = append(batch.Records, core.RawSalesRecord{
			OrderID:       id,
			AffiliateName: field(colAffiliate),
			SalesAmount:   core.ParseAmount(field(colAmount)),
			Currency:      field(colCurrency),
			OrderDate:     field(colOrderDate),
			Category:      field(colCategory),
		})
	}
	return batch, nil
}

func indexColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
