package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salesetl/internal/core"
	"salesetl/internal/normalize"
	"salesetl/internal/rates"
	"salesetl/internal/storage"
	"salesetl/internal/warehouse"
)

type recordingNotifier struct {
	reports []*Report
}

func (n *recordingNotifier) RunFinished(_ context.Context, r *Report) error {
	n.reports = append(n.reports, r)
	return nil
}

type staticExtractor struct {
	batch core.Batch
	err   error
}

func (e staticExtractor) Extract(context.Context) (core.Batch, error) {
	return e.batch, e.err
}

type fixture struct {
	store    *storage.Store
	runner   *Runner
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Config{
		Dialect:    storage.SQLite,
		SQLitePath: filepath.Join(t.TempDir(), "etl.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := rates.NewMemoryCache()
	eur, err := core.NewExchangeRate("EUR", decimal.RequireFromString("0.92"), time.Now(), core.RateSourceStatic)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, eur))

	resolver := rates.NewResolver("USD", nil, cache)
	notifier := &recordingNotifier{}
	runner := NewRunner(
		normalize.New(resolver, nil),
		warehouse.NewUpserter(store, nil),
		WithRunRecorder(store),
		WithNotifier(notifier),
	)
	return fixture{store: store, runner: runner, notifier: notifier}
}

func TestRunLoadsGoodRecordsAndReportsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch := core.Batch{
		Source: "sales.csv",
		Records: []core.RawSalesRecord{
			{OrderID: 1, AffiliateName: "acme", SalesAmount: core.ParseAmount("100"), Currency: "EUR", OrderDate: "2024-01-15", Category: "books"},
			{OrderID: 2, AffiliateName: "acme", SalesAmount: core.ParseAmount("10"), Currency: "USD", OrderDate: "2024-01-20", Category: "books"},
			{OrderID: 3, AffiliateName: "globex", SalesAmount: core.ParseAmount("5.5"), Currency: "USD", OrderDate: "someday", Category: "games"},
			{OrderID: 4, AffiliateName: "globex", SalesAmount: core.ParseAmount("20"), Currency: "USD", OrderDate: "2024-02-01", Category: "games"},
			{OrderID: 5, AffiliateName: "", SalesAmount: core.ParseAmount("1"), Currency: "", OrderDate: "2024-02-02", Category: ""},
		},
	}

	rep, err := f.runner.Run(ctx, batch)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithFailures, rep.Status)
	assert.Equal(t, 5, rep.Input)
	assert.Equal(t, 4, rep.Loaded)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 0, rep.Skipped)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, int64(3), rep.Failures[0].OrderID)
	assert.Equal(t, "invalid_record", rep.Failures[0].Kind)
	assert.Equal(t, int64(9200+1000+2000+100), rep.Total().Cents)
	_, err = uuid.Parse(rep.RunID)
	assert.NoError(t, err)

	acme, err := f.store.Fact(ctx, core.ByAffiliate, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(10200), acme.Total.Cents)
	unknown, err := f.store.Fact(ctx, core.ByAffiliate, core.DefaultAffiliate)
	require.NoError(t, err)
	assert.Equal(t, int64(100), unknown.Total.Cents)

	runs, err := f.store.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rep.RunID, runs[0].ID)
	assert.Equal(t, 4, runs[0].Loaded)

	require.Len(t, f.notifier.reports, 1)
	assert.Same(t, rep, f.notifier.reports[0])
}

func TestRunTwiceSkipsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := core.Batch{Records: []core.RawSalesRecord{
		{OrderID: 10, AffiliateName: "acme", SalesAmount: core.ParseAmount("12.5"), Currency: "USD", OrderDate: "2024-03-01", Category: "books"},
	}}

	first, err := f.runner.Run(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	second, err := f.runner.Run(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFailures, second.Status)
	assert.Equal(t, 0, second.Loaded)
	assert.Equal(t, 1, second.Skipped)
	require.Len(t, second.Failures, 1)
	assert.Equal(t, "duplicate", second.Failures[0].Kind)

	row, err := f.store.Fact(ctx, core.ByCategory, "books")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), row.Total.Cents)
}

func TestRunAllRecordsFailing(t *testing.T) {
	f := newFixture(t)
	rep, err := f.runner.Run(context.Background(), core.Batch{
		Records: []core.RawSalesRecord{
			{OrderID: 1, SalesAmount: core.ParseAmount("NaN"), OrderDate: "2024-01-01"},
			{OrderID: 2, SalesAmount: core.ParseAmount("3"), Currency: "JPY", OrderDate: "2024-01-01"},
		},
		Rejected: []core.RecordFailure{{Line: 4, Kind: "extraction", Reason: "order_id is not a number"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFailures, rep.Status)
	assert.Equal(t, 3, rep.Input)
	assert.Equal(t, 0, rep.Loaded)
	assert.Equal(t, 3, rep.Failed)

	kinds := map[string]int{}
	for _, fl := range rep.Failures {
		kinds[fl.Kind]++
	}
	assert.Equal(t, map[string]int{"extraction": 1, "invalid_record": 1, "rate_unavailable": 1}, kinds)
}

func TestRunRejectsAmountOutOfRangeAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.runner.Run(ctx, core.Batch{Records: []core.RawSalesRecord{
		{OrderID: 1, AffiliateName: "acme", SalesAmount: core.ParseAmount("1e17"), Currency: "USD", OrderDate: "2024-01-01", Category: "books"},
		{OrderID: 2, AffiliateName: "acme", SalesAmount: core.ParseAmount("1000000000000"), Currency: "USD", OrderDate: "2024-01-01", Category: "books"},
		{OrderID: 3, AffiliateName: "acme", SalesAmount: core.ParseAmount("4.25"), Currency: "USD", OrderDate: "2024-01-02", Category: "books"},
	}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithFailures, rep.Status)
	assert.Equal(t, 1, rep.Loaded)
	assert.Equal(t, 2, rep.Failed)
	for _, fl := range rep.Failures {
		assert.Equal(t, "invalid_record", fl.Kind)
	}
	assert.Equal(t, int64(425), rep.Total().Cents)

	acme, err := f.store.Fact(ctx, core.ByAffiliate, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(425), acme.Total.Cents)
}

func TestRunStorageFailureMarksReportFailed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	rep, err := f.runner.Run(context.Background(), core.Batch{Records: []core.RawSalesRecord{
		{OrderID: 1, SalesAmount: core.ParseAmount("1"), Currency: "USD", OrderDate: "2024-01-01"},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStorage))
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, 0, rep.Loaded)
	assert.NotEmpty(t, rep.Error)
	assert.True(t, rep.Views.Empty())
}

func TestRunFromExtractor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.runner.RunFrom(ctx, staticExtractor{batch: core.Batch{Records: []core.RawSalesRecord{
		{OrderID: 1, SalesAmount: core.ParseAmount("2"), Currency: "USD", OrderDate: "2024-01-01"},
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Loaded)

	rep, err = f.runner.RunFrom(ctx, staticExtractor{err: errors.New("file not found")})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Contains(t, rep.Error, "file not found")
}
