package aggregate

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"salesetl/internal/core"
)

func rec(id int64, affiliate, category, month string, cents int64) core.CanonicalSalesRecord {
	return core.CanonicalSalesRecord{
		OrderID:              id,
		AffiliateName:        affiliate,
		Category:             category,
		Month:                month,
		SalesAmountReporting: core.Money{Cents: cents},
	}
}

func sample() []core.CanonicalSalesRecord {
	return []core.CanonicalSalesRecord{
		rec(1, "acme", "books", "2024-01", 1000),
		rec(2, "acme", "games", "2024-02", 250),
		rec(3, "globex", "books", "2024-01", 3334),
		rec(4, "initech", "Uncategorized", "2024-03", 1),
		rec(5, "globex", "games", "2024-02", 999),
	}
}

func mustAggregate(t *testing.T, records []core.CanonicalSalesRecord) Views {
	t.Helper()
	v, err := Aggregate(records)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	return v
}

func TestAggregate(t *testing.T) {
	v := mustAggregate(t, sample())

	wantAffiliate := map[string]core.Money{"acme": {Cents: 1250}, "globex": {Cents: 4333}, "initech": {Cents: 1}}
	if !reflect.DeepEqual(v.ByAffiliate, wantAffiliate) {
		t.Fatalf("by affiliate: got %v", v.ByAffiliate)
	}
	wantCategory := map[string]core.Money{"books": {Cents: 4334}, "games": {Cents: 1249}, "Uncategorized": {Cents: 1}}
	if !reflect.DeepEqual(v.ByCategory, wantCategory) {
		t.Fatalf("by category: got %v", v.ByCategory)
	}
	wantMonth := map[string]core.Money{"2024-01": {Cents: 4334}, "2024-02": {Cents: 1249}, "2024-03": {Cents: 1}}
	if !reflect.DeepEqual(v.ByMonth, wantMonth) {
		t.Fatalf("by month: got %v", v.ByMonth)
	}
	if v.Total().Cents != 5584 {
		t.Fatalf("expected total 5584, got %d", v.Total().Cents)
	}
}

func TestAggregatePermutationInvariant(t *testing.T) {
	records := sample()
	want := mustAggregate(t, records)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]core.CanonicalSalesRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := mustAggregate(t, shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d changed the result: %v", i, got)
		}
	}
}

func TestAggregateEmpty(t *testing.T) {
	v := mustAggregate(t, nil)
	if !v.Empty() || v.Total().Cents != 0 {
		t.Fatalf("expected empty views")
	}
}

func TestRowsOrdering(t *testing.T) {
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	v := mustAggregate(t, sample())

	aff := v.Rows(core.ByAffiliate, at)
	if len(aff) != 3 || aff[0].Key != "globex" || aff[2].Key != "initech" {
		t.Fatalf("expected affiliates by descending total, got %+v", aff)
	}
	if !aff[0].LastUpdated.Equal(at) {
		t.Fatalf("expected rows stamped with run time")
	}

	months := v.Rows(core.ByMonth, at)
	if months[0].Key != "2024-01" || months[2].Key != "2024-03" {
		t.Fatalf("expected months in order, got %+v", months)
	}

	if v.View(core.Dimension("region")) != nil {
		t.Fatalf("expected nil view for unknown dimension")
	}
}

func TestAggregateOverflow(t *testing.T) {
	records := []core.CanonicalSalesRecord{
		rec(1, "acme", "books", "2024-01", math.MaxInt64-10),
		rec(2, "globex", "games", "2024-02", 11),
	}
	if _, err := Aggregate(records); !errors.Is(err, core.ErrAmountOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestAddLeavesViewsUnchangedOnOverflow(t *testing.T) {
	v := mustAggregate(t, []core.CanonicalSalesRecord{rec(1, "acme", "books", "2024-01", math.MaxInt64-10)})
	if err := v.Add(rec(2, "globex", "games", "2024-02", 11)); !errors.Is(err, core.ErrAmountOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if len(v.ByAffiliate) != 1 || len(v.ByCategory) != 1 || len(v.ByMonth) != 1 {
		t.Fatalf("expected views untouched, got %+v", v)
	}
	if v.Total().Cents != math.MaxInt64-10 {
		t.Fatalf("unexpected total %d", v.Total().Cents)
	}
}

func TestAdmit(t *testing.T) {
	records := []core.CanonicalSalesRecord{
		rec(1, "acme", "books", "2024-01", math.MaxInt64-100),
		rec(2, "globex", "games", "2024-02", 1000),
		rec(3, "acme", "books", "2024-01", 50),
	}
	v, accepted, rejected := Admit(records)
	if len(accepted) != 2 || accepted[0].OrderID != 1 || accepted[1].OrderID != 3 {
		t.Fatalf("unexpected accepted records %+v", accepted)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected one rejected record, got %d", len(rejected))
	}
	var nerr *core.NormalizationError
	if !errors.As(rejected[0], &nerr) || nerr.OrderID != 2 {
		t.Fatalf("expected a normalization error for order 2, got %v", rejected[0])
	}
	if !errors.Is(rejected[0], core.ErrInvalidRecord) || !errors.Is(rejected[0], core.ErrAmountOutOfRange) {
		t.Fatalf("unexpected error chain %v", rejected[0])
	}
	if v.Total().Cents != math.MaxInt64-50 {
		t.Fatalf("unexpected total %d", v.Total().Cents)
	}
}
