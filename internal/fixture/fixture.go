// Package fixture builds small Arrow tables of the e-commerce dataset for tests.
package fixture

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/custfeat/db"
)

// Column is one named column of a fixture record. A nil value is null.
type Column struct {
	Name   string
	Type   arrow.DataType
	Values []any
}

// String declares a utf8 column.
func String(name string, values ...any) Column {
	return Column{Name: name, Type: arrow.BinaryTypes.String, Values: values}
}

// Int64 declares an int64 column.
func Int64(name string, values ...any) Column {
	return Column{Name: name, Type: arrow.PrimitiveTypes.Int64, Values: values}
}

// Float64 declares a float64 column.
func Float64(name string, values ...any) Column {
	return Column{Name: name, Type: arrow.PrimitiveTypes.Float64, Values: values}
}

// Timestamp declares a timestamp[s] column; values are time.Time or nil.
func Timestamp(name string, values ...any) Column {
	return Column{Name: name, Type: arrow.FixedWidthTypes.Timestamp_s, Values: values}
}

// NewRecord builds a record from equally sized columns. It panics on
// malformed input, which is a bug in the calling test.
func NewRecord(mem memory.Allocator, cols ...Column) arrow.Record {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	for i, c := range cols {
		if len(c.Values) != len(cols[0].Values) {
			panic(fmt.Sprintf("fixture: column %q has %d values, want %d", c.Name, len(c.Values), len(cols[0].Values)))
		}
		for _, v := range c.Values {
			appendValue(builder.Field(i), v)
		}
	}
	return builder.NewRecord()
}

func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch fb := b.(type) {
	case *array.StringBuilder:
		fb.Append(v.(string))
	case *array.Int64Builder:
		switch n := v.(type) {
		case int:
			fb.Append(int64(n))
		default:
			fb.Append(n.(int64))
		}
	case *array.Float64Builder:
		switch n := v.(type) {
		case int:
			fb.Append(float64(n))
		default:
			fb.Append(n.(float64))
		}
	case *array.TimestampBuilder:
		fb.Append(arrow.Timestamp(v.(time.Time).Unix()))
	default:
		panic(fmt.Sprintf("fixture: unsupported builder %T", b))
	}
}

// Time parses a "2006-01-02 15:04:05" literal in UTC.
func Time(s string) time.Time {
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Rollup is the mother-category configuration matching Tables.
func Rollup() map[string]string {
	return map[string]string{
		"food_drink":     "food",
		"bed_bath_table": "home",
		"housewares":     "home",
		"toys":           "leisure",
	}
}

// Tables returns the six raw tables of a tiny dataset:
//
//	u1 owns c1 and c2 (orders o1, o2), u2 owns c3 (o3, o6 without timestamp),
//	u3 owns c4 (o4, purchased in 2016), u4 owns c5 and never ordered.
//	o5 belongs to an unknown customer_id, item and review rows for o99 have no order.
func Tables(mem memory.Allocator) map[string]arrow.Record {
	return map[string]arrow.Record{
		db.Customers: NewRecord(mem,
			String(db.ColCustomerID, "c1", "c2", "c3", "c4", "c5"),
			String(db.ColCustomerUniqueID, "u1", "u1", "u2", "u3", "u4"),
			String("customer_state", "SP", "SP", "RJ", "MG", "SP"),
		),
		db.Orders: NewRecord(mem,
			String(db.ColOrderID, "o1", "o2", "o3", "o4", "o5", "o6"),
			String(db.ColCustomerID, "c1", "c2", "c3", "c4", "c9", "c3"),
			String(db.ColOrderStatus, "delivered", "delivered", "delivered", "canceled", "delivered", "created"),
			String(db.ColPurchaseTime,
				"2017-01-10 10:00:00",
				"2017-03-05 12:00:00",
				"2017-02-01 08:00:00",
				"2016-12-20 09:00:00",
				"2017-02-15 00:00:00",
				nil),
			String("order_approved_at",
				"2017-01-10 10:15:00",
				"2017-03-05 12:30:00",
				nil,
				"2016-12-20 09:10:00",
				"2017-02-15 01:00:00",
				nil),
		),
		db.OrderItems: NewRecord(mem,
			String(db.ColOrderID, "o1", "o1", "o1", "o2", "o3", "o4", "o5", "o99"),
			Int64(db.ColOrderItemID, 1, 2, 3, 1, 1, 1, 1, 1),
			String(db.ColProductID, "p1", "p1", "p3", "p4", "p5", "p2", "p1", "p1"),
			Float64(db.ColPrice, 10.0, 5.0, 20.0, 20.0, 7.5, 100.0, 9.0, 1.0),
		),
		db.Products: NewRecord(mem,
			String(db.ColProductID, "p1", "p2", "p3", "p4", "p5"),
			String(db.ColCategoryName, "alimentos", "cama_mesa_banho", "utilidades_domesticas", "sem_traducao", nil),
		),
		db.Translations: NewRecord(mem,
			String(db.ColCategoryName, "alimentos", "cama_mesa_banho", "utilidades_domesticas", "livros"),
			String(db.ColCategoryEnglish, "food_drink", "bed_bath_table", "housewares", "books"),
		),
		db.Reviews: NewRecord(mem,
			String("review_id", "r1", "r2", "r3", "r4", "r5"),
			String(db.ColOrderID, "o1", "o2", "o3", "o99", "o4"),
			Int64(db.ColReviewScore, 5, 3, 4, 1, 2),
		),
	}
}

// Store wraps Tables in a table store. The store holds its own references.
func Store(mem memory.Allocator) *db.Store {
	tables := Tables(mem)
	store := db.NewStore(tables)
	for _, rec := range tables {
		rec.Release()
	}
	return store
}
