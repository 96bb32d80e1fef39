package features_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/features"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/internal/fixture"
	"github.com/TFMV/custfeat/query"
)

var window2017 = query.NewWindow(fixture.Time("2017-01-01 00:00:00"), fixture.Time("2018-01-01 00:00:00"))

func build(t *testing.T, store *db.Store, opts ...features.Option) *features.Table {
	t.Helper()
	table, err := features.NewBuilder(store, fixture.Rollup(), opts...).Build(context.Background())
	require.NoError(t, err)
	return table
}

// cells maps customer -> column -> value; nil expects an unset cell.
type cells map[string]map[string]any

func assertCells(t *testing.T, table *features.Table, want cells) {
	t.Helper()
	for customer, row := range want {
		for column, v := range row {
			got, ok := table.Value(customer, column)
			if v == nil {
				assert.False(t, ok, "%s/%s should be unset, got %v", customer, column, got)
				continue
			}
			if assert.True(t, ok, "%s/%s should be set", customer, column) {
				assert.InDelta(t, v, got, 1e-9, "%s/%s", customer, column)
			}
		}
	}
}

func TestBuild(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	store := fixture.Store(mem)
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithAllocator(mem))

	assert.Equal(t, []string{"u1", "u2", "u3", "u4"}, table.Customers())
	assert.Equal(t, []string{
		"frequency", "recency", "monetary", "item_per_c", "review_score",
		"food", "home", "leisure",
	}, table.Columns())

	assertCells(t, table, cells{
		"u1": {"frequency": 2.0, "recency": 0.0, "monetary": 55.0, "item_per_c": 2.0,
			"review_score": 4.0, "food": 15.0, "home": 20.0, "leisure": nil},
		"u2": {"frequency": 1.0, "recency": 32 + 4.0/24, "monetary": 7.5, "item_per_c": 1.0,
			"review_score": 4.0, "food": nil, "home": nil},
		// only a canceled 2016 order: no window activity, items still join
		"u3": {"frequency": 0.0, "recency": nil, "monetary": 100.0, "item_per_c": 1.0,
			"review_score": 2.0, "food": nil, "home": 100.0},
		"u4": {"frequency": 0.0, "recency": nil, "monetary": 0.0, "item_per_c": 0.0,
			"review_score": nil, "food": nil, "home": nil, "leisure": nil},
	})
}

func TestBuildAlignItemsToWindow(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithAlignItemsToWindow(true))
	assertCells(t, table, cells{
		"u1": {"monetary": 55.0, "item_per_c": 2.0, "review_score": 4.0, "food": 15.0},
		"u3": {"frequency": 0.0, "monetary": 0.0, "item_per_c": 0.0, "review_score": nil, "home": nil},
	})
}

func TestBuildAllTime(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()

	table := build(t, store)
	assertCells(t, table, cells{
		"u1": {"frequency": 2.0, "recency": 0.0},
		"u3": {"frequency": 1.0, "recency": 75 + 3.0/24},
		"u4": {"frequency": 0.0, "recency": nil},
	})
}

func TestBuildIsIdempotent(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()

	first := build(t, store, features.WithWindow(window2017))
	second := build(t, store, features.WithWindow(window2017))
	assert.Equal(t, first, second)

	parallel := build(t, store, features.WithWindow(window2017), features.WithParallel(true))
	assert.Equal(t, first, parallel)
}

func TestBuildSelectedFeatures(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()

	table := build(t, store, features.WithFeatures(features.ReviewScore, features.Frequency))
	assert.Equal(t, []string{"frequency", "review_score"}, table.Columns())
	assert.Equal(t, 4, table.NumRows())

	empty := build(t, store, features.WithFeatures())
	assert.Empty(t, empty.Columns())
	assert.Equal(t, 4, empty.NumRows())

	_, err := features.NewBuilder(store, nil, features.WithFeatures("churn")).Build(context.Background())
	assert.Error(t, err)
}

func TestBuildEmptyWindow(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()
	later := query.NewWindow(fixture.Time("2020-01-01 00:00:00"), fixture.Time("2021-01-01 00:00:00"))

	for _, parallel := range []bool{false, true} {
		_, err := features.NewBuilder(store, fixture.Rollup(),
			features.WithWindow(later), features.WithParallel(parallel)).Build(context.Background())
		assert.ErrorIs(t, err, features.ErrEmptyWindow)
	}

	table := build(t, store, features.WithWindow(later), features.WithFeatures(features.Frequency))
	freq, err := table.Series("frequency")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0, 0}, freq)
}

func TestBuildMissingTable(t *testing.T) {
	mem := memory.NewGoAllocator()
	tables := fixture.Tables(mem)
	delete(tables, db.Reviews)
	store := db.NewStore(tables)
	for _, rec := range tables {
		rec.Release()
	}
	defer store.Release()

	_, err := features.NewBuilder(store, fixture.Rollup()).Build(context.Background())
	require.ErrorIs(t, err, db.ErrMissingTable)
	var missing *db.MissingTableError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, db.Reviews, missing.Name)

	table := build(t, store, features.WithFeatures(features.Frequency, features.Monetary))
	assert.Equal(t, []string{"frequency", "monetary"}, table.Columns())
}

func TestBuildUnparsableTimestamp(t *testing.T) {
	mem := memory.NewGoAllocator()
	tables := fixture.Tables(mem)
	tables[db.Orders].Release()
	tables[db.Orders] = fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, "o1"),
		fixture.String(db.ColCustomerID, "c1"),
		fixture.String(db.ColPurchaseTime, "yesterday"),
	)
	store := db.NewStore(tables)
	for _, rec := range tables {
		rec.Release()
	}
	defer store.Release()

	_, err := features.NewBuilder(store, nil).Build(context.Background())
	assert.Error(t, err)
}

// storeWith is the fixture store with some tables replaced. It takes the
// replacement records over.
func storeWith(mem memory.Allocator, replace map[string]arrow.Record) *db.Store {
	tables := fixture.Tables(mem)
	for name, rec := range replace {
		tables[name].Release()
		tables[name] = rec
	}
	store := db.NewStore(tables)
	for _, rec := range tables {
		rec.Release()
	}
	return store
}

// ordersWith is the fixture orders table with extra (order, customer, time) rows.
func ordersWith(mem memory.Allocator, extra ...[3]string) arrow.Record {
	ids := []any{"o1", "o2", "o3", "o4", "o5", "o6"}
	owners := []any{"c1", "c2", "c3", "c4", "c9", "c3"}
	stamps := []any{"2017-01-10 10:00:00", "2017-03-05 12:00:00", "2017-02-01 08:00:00",
		"2016-12-20 09:00:00", "2017-02-15 00:00:00", nil}
	for _, row := range extra {
		ids, owners, stamps = append(ids, row[0]), append(owners, row[1]), append(stamps, row[2])
	}
	return fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, ids...),
		fixture.String(db.ColCustomerID, owners...),
		fixture.String(db.ColPurchaseTime, stamps...),
	)
}

func TestFrequencyCountsDistinctOrders(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := storeWith(mem, map[string]arrow.Record{
		db.Orders: ordersWith(mem, [3]string{"o1", "c1", "2017-01-10 10:00:00"}),
	})
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithFeatures(features.Frequency))
	assertCells(t, table, cells{
		"u1": {"frequency": 2.0},
		"u2": {"frequency": 1.0},
	})
}

func TestBuildDuplicateOrderID(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := storeWith(mem, map[string]arrow.Record{
		db.Orders: ordersWith(mem, [3]string{"o3", "c3", "2017-02-01 08:00:00"}),
	})
	defer store.Release()

	for _, parallel := range []bool{false, true} {
		_, err := features.NewBuilder(store, fixture.Rollup(),
			features.WithWindow(window2017), features.WithParallel(parallel)).Build(context.Background())
		require.ErrorIs(t, err, identity.ErrDuplicateKey, "parallel=%v", parallel)
		var dup *identity.DuplicateKeyError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, "o3", dup.Key)
	}
}

// The window's latest purchase sets the reference point for recency even
// when its customer_id resolves to nobody.
func TestRecencyReferenceIncludesUnmappedOrders(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := storeWith(mem, map[string]arrow.Record{
		db.Orders: ordersWith(mem, [3]string{"o7", "c9", "2017-06-01 00:00:00"}),
	})
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithFeatures(features.Recency))
	assertCells(t, table, cells{
		"u1": {"recency": 87.5},
		"u2": {"recency": 119 + 2.0/3},
		"u3": {"recency": nil},
	})
}

func TestItemsPerCartKeepsOrdersWithoutItemIDs(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := storeWith(mem, map[string]arrow.Record{
		db.OrderItems: fixture.NewRecord(mem,
			fixture.String(db.ColOrderID, "o1", "o1", "o1", "o2", "o2", "o3"),
			fixture.Int64(db.ColOrderItemID, 1, 2, 3, nil, nil, 1),
			fixture.String(db.ColProductID, "p1", "p1", "p3", "p4", "p4", "p5"),
			fixture.Float64(db.ColPrice, 10.0, 5.0, 20.0, 20.0, 20.0, 7.5),
		),
	})
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithFeatures(features.ItemsPerCart))
	assertCells(t, table, cells{
		"u1": {"item_per_c": 1.5},
		"u2": {"item_per_c": 1.0},
		"u4": {"item_per_c": 0.0},
	})
}

func TestParseFeatures(t *testing.T) {
	all, err := features.ParseFeatures("")
	require.NoError(t, err)
	assert.Equal(t, features.All(), all)

	fs, err := features.ParseFeatures("monetary, items_per_cart")
	require.NoError(t, err)
	assert.Equal(t, []features.Feature{features.Monetary, features.ItemsPerCart}, fs)

	_, err = features.ParseFeatures("monetary,clv")
	assert.Error(t, err)
}

func TestTableRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	store := fixture.Store(mem)
	defer store.Release()

	table := build(t, store, features.WithWindow(window2017), features.WithAllocator(mem),
		features.WithFeatures(features.Frequency, features.Recency))
	rec := table.Record(mem)
	defer rec.Release()

	assert.Equal(t, int64(4), rec.NumRows())
	assert.Equal(t, []string{db.ColCustomerUniqueID, "frequency", "recency"},
		[]string{rec.ColumnName(0), rec.ColumnName(1), rec.ColumnName(2)})
	assert.Equal(t, arrow.PrimitiveTypes.Float64, rec.Column(1).DataType())

	ids := rec.Column(0).(*array.String)
	assert.Equal(t, "u3", ids.Value(2))
	recency := rec.Column(2).(*array.Float64)
	assert.Equal(t, 2, recency.NullN())
	assert.True(t, recency.IsNull(2))
	assert.Equal(t, 0.0, recency.Value(0))
}

// Every customer with k windowed orders gets frequency k, whatever the
// orders outside the window.
func TestFrequencyCountsWindowedOrders(t *testing.T) {
	start := fixture.Time("2017-01-01 00:00:00")
	w := query.NewWindow(start, start.Add(30*24*time.Hour))

	rapid.Check(t, func(t *rapid.T) {
		mem := memory.NewGoAllocator()
		n := rapid.IntRange(1, 8).Draw(t, "customers")

		var custIDs, uids, orderIDs, owners, stamps []any
		want := make(map[string]float64)
		for c := 0; c < n; c++ {
			uid := fmt.Sprintf("u%d", c)
			custIDs = append(custIDs, fmt.Sprintf("c%d", c))
			uids = append(uids, uid)
			want[uid] = 0

			inside := rapid.IntRange(0, 4).Draw(t, "inside")
			outside := rapid.IntRange(0, 3).Draw(t, "outside")
			for k := 0; k < inside+outside; k++ {
				ts := start.Add(time.Duration(rapid.IntRange(1, 30*24).Draw(t, "hour")) * time.Hour)
				if k >= inside {
					ts = start.Add(-time.Duration(rapid.IntRange(0, 1000).Draw(t, "before")) * time.Hour)
				} else {
					want[uid]++
				}
				orderIDs = append(orderIDs, fmt.Sprintf("o%d-%d", c, k))
				owners = append(owners, fmt.Sprintf("c%d", c))
				stamps = append(stamps, ts.Format(time.DateTime))
			}
		}

		tables := map[string]arrow.Record{
			db.Customers: fixture.NewRecord(mem,
				fixture.String(db.ColCustomerID, custIDs...),
				fixture.String(db.ColCustomerUniqueID, uids...),
			),
			db.Orders: fixture.NewRecord(mem,
				fixture.String(db.ColOrderID, orderIDs...),
				fixture.String(db.ColCustomerID, owners...),
				fixture.String(db.ColPurchaseTime, stamps...),
			),
		}
		store := db.NewStore(tables)
		for _, rec := range tables {
			rec.Release()
		}
		defer store.Release()

		table, err := features.NewBuilder(store, nil,
			features.WithWindow(w), features.WithFeatures(features.Frequency)).Build(context.Background())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		for uid, k := range want {
			got, ok := table.Value(uid, "frequency")
			if !ok || got != k {
				t.Fatalf("frequency(%s) = %v (set %v), want %v", uid, got, ok, k)
			}
		}
	})
}
