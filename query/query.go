// Package query holds the row-level primitives of the feature pipeline:
// typed column access, row selection and the purchase time window.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ErrColumnNotFound is wrapped by lookups of undeclared columns.
var ErrColumnNotFound = errors.New("column not found")

// ColumnIndex returns the position of column name in rec.
func ColumnIndex(rec arrow.Record, name string) (int, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return -1, fmt.Errorf("%w: %q", ErrColumnNotFound, name)
	}
	return indices[0], nil
}

// Strings returns the utf8 column name of rec.
func Strings(rec arrow.Record, name string) (*array.String, error) {
	i, err := ColumnIndex(rec, name)
	if err != nil {
		return nil, err
	}
	col, ok := rec.Column(i).(*array.String)
	if !ok {
		return nil, fmt.Errorf("unexpected type for %s column: %s", name, rec.Column(i).DataType())
	}
	return col, nil
}

// Timestamps returns the timestamp column name of rec.
func Timestamps(rec arrow.Record, name string) (*array.Timestamp, error) {
	i, err := ColumnIndex(rec, name)
	if err != nil {
		return nil, err
	}
	col, ok := rec.Column(i).(*array.Timestamp)
	if !ok {
		return nil, fmt.Errorf("unexpected type for %s column: %s", name, rec.Column(i).DataType())
	}
	return col, nil
}

// Numeric reads row i of a numeric column; ok is false for nulls.
type Numeric func(i int) (v float64, ok bool)

// Numbers returns a float64 view over an integer or floating point column.
func Numbers(rec arrow.Record, name string) (Numeric, error) {
	i, err := ColumnIndex(rec, name)
	if err != nil {
		return nil, err
	}
	switch col := rec.Column(i).(type) {
	case *array.Float64:
		return func(i int) (float64, bool) { return col.Value(i), col.IsValid(i) }, nil
	case *array.Float32:
		return func(i int) (float64, bool) { return float64(col.Value(i)), col.IsValid(i) }, nil
	case *array.Int64:
		return func(i int) (float64, bool) { return float64(col.Value(i)), col.IsValid(i) }, nil
	case *array.Int32:
		return func(i int) (float64, bool) { return float64(col.Value(i)), col.IsValid(i) }, nil
	default:
		return nil, fmt.Errorf("unexpected type for %s column: %s", name, col.DataType())
	}
}

// Take copies the given rows of rec, in order, into a new record. Every
// Arrow type the take kernel supports can appear in rec.
func Take(mem memory.Allocator, rec arrow.Record, rows []uint32) (arrow.Record, error) {
	b := array.NewUint32Builder(mem)
	defer b.Release()
	b.AppendValues(rows, nil)
	indices := b.NewArray()
	defer indices.Release()

	ctx := compute.WithAllocator(context.Background(), mem)
	cols := make([]arrow.Array, 0, rec.NumCols())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i, field := range rec.Schema().Fields() {
		col, err := compute.TakeArray(ctx, rec.Column(i), indices)
		if err != nil {
			return nil, fmt.Errorf("take %s: %w", field.Name, err)
		}
		cols = append(cols, col)
	}
	return array.NewRecord(rec.Schema(), cols, int64(len(rows))), nil
}
