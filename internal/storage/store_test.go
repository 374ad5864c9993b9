package storage

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Dialect:    SQLite,
		SQLitePath: filepath.Join(t.TempDir(), "warehouse.db"),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func canonical(t *testing.T, id int64, affiliate, category, currency, amount, date, rate string) core.CanonicalSalesRecord {
	t.Helper()
	day, err := core.ParseOrderDate(date)
	require.NoError(t, err)
	rec, err := core.NewCanonicalSalesRecord(id, affiliate, category, currency,
		decimal.RequireFromString(amount), day, decimal.RequireFromString(rate))
	require.NoError(t, err)
	return rec
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	assert.Equal(t, q, rebind(SQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, rebind(Postgres, q))
	assert.Equal(t, `SELECT 1`, rebind(Postgres, `SELECT 1`))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Dialect: SQLite})
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Dialect: "oracle"})
	assert.Error(t, err)
}

func TestAppendSaleDetectsDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := canonical(t, 42, "acme", "books", "EUR", "100", "2024-03-01", "0.92")

	var first, second bool
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		first, err = tx.AppendSale(ctx, rec, "run-1")
		return err
	}))
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		second, err = tx.AppendSale(ctx, rec, "run-2")
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)

	n, err := s.CountSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := s.SaleExists(ctx, 42)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAccumulateFactAddsAcrossTransactions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	for _, step := range []struct {
		cents int64
		at    time.Time
	}{{1050, t1}, {2025, t2}} {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.AccumulateFact(ctx, core.ByAffiliate, "acme", core.Money{Cents: step.cents}, step.at)
		}))
	}

	row, err := s.Fact(ctx, core.ByAffiliate, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3075), row.Total.Cents)
	assert.True(t, row.LastUpdated.Equal(t2), "last_updated %v", row.LastUpdated)

	_, err = s.Fact(ctx, core.ByAffiliate, "nobody")
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := canonical(t, 1, "acme", "books", "USD", "10", "2024-01-01", "1")

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AppendSale(ctx, rec, ""); err != nil {
			return err
		}
		if err := tx.AccumulateFact(ctx, core.ByMonth, "2024-01", core.Money{Cents: 1000}, time.Now()); err != nil {
			return err
		}
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStorage))

	n, err := s.CountSales(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	rows, err := s.Facts(ctx, core.ByMonth)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFactsOrderingAndSummary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []core.CanonicalSalesRecord{
		canonical(t, 1, "acme", "books", "USD", "10", "2024-02-01", "1"),
		canonical(t, 2, "globex", "games", "USD", "30", "2024-01-05", "1"),
		canonical(t, 3, "acme", "games", "USD", "5.01", "2024-02-07", "1"),
	}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, r := range recs {
			if _, err := tx.AppendSale(ctx, r, "run"); err != nil {
				return err
			}
			for _, d := range core.Dimensions() {
				if err := tx.AccumulateFact(ctx, d, r.Key(d), r.SalesAmountReporting, now); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	aff, err := s.Facts(ctx, core.ByAffiliate)
	require.NoError(t, err)
	require.Len(t, aff, 2)
	assert.Equal(t, "globex", aff[0].Key)
	assert.Equal(t, int64(1501), aff[1].Total.Cents)

	months, err := s.Facts(ctx, core.ByMonth)
	require.NoError(t, err)
	require.Len(t, months, 2)
	assert.Equal(t, "2024-01", months[0].Key)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Orders)
	assert.Equal(t, int64(4501), sum.Total.Cents)
	assert.Equal(t, int64(1500), sum.Average.Cents)
	assert.Equal(t, int64(501), sum.Min.Cents)
	assert.Equal(t, int64(3000), sum.Max.Cents)
}

func TestSummaryEmpty(t *testing.T) {
	s := openTestStore(t)
	sum, err := s.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestRateStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rates := s.Rates()

	_, err := rates.Get(ctx, "EUR")
	assert.True(t, errors.Is(err, core.ErrNotFound))

	older, _ := core.NewExchangeRate("EUR", decimal.RequireFromString("1.05"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), core.RateSourceStatic)
	newer, _ := core.NewExchangeRate("EUR", decimal.RequireFromString("1.08"), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), core.RateSourceLive)

	require.NoError(t, rates.Put(ctx, newer))
	require.NoError(t, rates.Put(ctx, older))

	got, err := rates.Get(ctx, "EUR")
	require.NoError(t, err)
	assert.True(t, got.Rate.Equal(newer.Rate), "an older observation must not replace a newer one")
	assert.Equal(t, core.RateSourceLive, got.Source)
	assert.True(t, got.ObservedAt.Equal(newer.ObservedAt))

	history, err := rates.History(ctx, "EUR", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Rate.Equal(newer.Rate))

	assert.Error(t, rates.Put(ctx, core.ExchangeRate{Currency: "EUR"}))
}

func TestRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	run := RunRecord{ID: "0b9c2f8e-6d1a-4b6e-9a57-3f1f0f6b2a11", StartedAt: start, FinishedAt: start.Add(time.Minute), Status: "running"}
	require.NoError(t, s.SaveRun(ctx, run))
	run.Status = "completed"
	run.Loaded = 4
	run.Failed = 1
	run.TotalCents = 12345
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.SaveRun(ctx, RunRecord{ID: "second", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour), Status: "failed", Error: "boom"}))

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].ID)
	assert.Equal(t, "completed", runs[1].Status)
	assert.Equal(t, 4, runs[1].Loaded)
	assert.Equal(t, int64(12345), runs[1].TotalCents)
	assert.True(t, runs[1].StartedAt.Equal(start))
}

func TestPostgresUpsertRetriesSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres, time.Second, nil)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO fact_monthly_sales (month, total_sales_cents, last_updated) VALUES ($1, $2, $3)`)).
		WithArgs("2024-01", int64(500), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.AccumulateFact(ctx, core.ByMonth, "2024-01", core.Money{Cents: 500}, at)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateAndFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Postgres, time.Second, nil)
	rec := canonical(t, 9, "acme", "books", "USD", "1", "2024-01-01", "1")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO sales (`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO fact_affiliate_sales`)).WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	var inserted bool
	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		if inserted, err = tx.AppendSale(ctx, rec, ""); err != nil {
			return err
		}
		return tx.AccumulateFact(ctx, core.ByAffiliate, "acme", core.Money{Cents: 100}, time.Now())
	})
	require.Error(t, err)
	assert.False(t, inserted)

	var se *core.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "upsert", se.Op)
	require.NoError(t, mock.ExpectationsWereMet(), "non-transient failures must not be retried")
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&core.StorageError{Op: "commit", Err: &pq.Error{Code: "40P01"}}))
	assert.True(t, isTransient(&pq.Error{Code: "08006"}))
	assert.True(t, isTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(&pq.Error{Code: "23505"}))
	assert.False(t, isTransient(errors.New("syntax error")))
	assert.False(t, isTransient(nil))
}
