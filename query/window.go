package query

import (
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/custfeat/index"
)

// timeLayouts are tried in order when parsing date-like strings.
var timeLayouts = []string{
	time.DateTime,
	time.DateOnly,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTime parses a YYYY-MM-DD compatible literal as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Window is the half-open interval (start, end] in unix seconds.
type Window struct {
	start int64
	end   int64
}

// NewWindow selects timestamps t with start < t <= end.
func NewWindow(start, end time.Time) Window {
	return Window{start: start.Unix(), end: end.Unix()}
}

// ParseWindow is NewWindow over date literals. An empty literal leaves that
// side of the window unbounded.
func ParseWindow(start, end string) (Window, error) {
	w := AllTime()
	if start != "" {
		s, err := ParseTime(start)
		if err != nil {
			return Window{}, fmt.Errorf("window start: %w", err)
		}
		w.start = s.Unix()
	}
	if end != "" {
		e, err := ParseTime(end)
		if err != nil {
			return Window{}, fmt.Errorf("window end: %w", err)
		}
		w.end = e.Unix()
	}
	return w, nil
}

// AllTime selects every non-null timestamp.
func AllTime() Window {
	return Window{start: math.MinInt64, end: math.MaxInt64}
}

// Contains reports whether t falls in the window.
func (w Window) Contains(t time.Time) bool {
	u := t.Unix()
	return w.start < u && u <= w.end
}

func (w Window) String() string {
	start, end := "-inf", "+inf"
	if w.start != math.MinInt64 {
		start = time.Unix(w.start, 0).UTC().Format(time.DateTime)
	}
	if w.end != math.MaxInt64 {
		end = time.Unix(w.end, 0).UTC().Format(time.DateTime)
	}
	return fmt.Sprintf("(%s, %s]", start, end)
}

// Between returns a copy of orders restricted to rows whose on column falls
// in w. The temporal columns (and on) of the copy are normalized to
// timestamp[s]; rows with a null on value are dropped. The input record is
// not modified.
func Between(mem memory.Allocator, orders arrow.Record, w Window, on string, temporal []string) (arrow.Record, error) {
	normalized, err := Normalize(mem, orders, append([]string{on}, temporal...))
	if err != nil {
		return nil, err
	}
	defer normalized.Release()

	ts, err := Timestamps(normalized, on)
	if err != nil {
		return nil, err
	}

	idx := index.NewSortedIndex(ts.Len())
	for i := 0; i < ts.Len(); i++ {
		if ts.IsNull(i) {
			continue
		}
		idx.Add(uint32(i), int64(ts.Value(i)))
	}
	return Take(mem, normalized, idx.Between(w.start, w.end).ToArray())
}

// Normalize returns a copy of rec in which every listed column that exists
// is a timestamp[s] column. String cells are parsed with ParseTime, empty
// strings become null.
func Normalize(mem memory.Allocator, rec arrow.Record, temporal []string) (arrow.Record, error) {
	wanted := make(map[string]bool, len(temporal))
	for _, name := range temporal {
		wanted[name] = true
	}

	fields := make([]arrow.Field, rec.NumCols())
	cols := make([]arrow.Array, rec.NumCols())
	var owned []arrow.Array
	defer func() {
		for _, c := range owned {
			c.Release()
		}
	}()

	for i, field := range rec.Schema().Fields() {
		fields[i] = field
		cols[i] = rec.Column(i)
		if !wanted[field.Name] {
			continue
		}
		converted, err := toSeconds(mem, rec.Column(i))
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", field.Name, err)
		}
		owned = append(owned, converted)
		cols[i] = converted
		fields[i].Type = arrow.FixedWidthTypes.Timestamp_s
		fields[i].Nullable = true
	}

	md := rec.Schema().Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows()), nil
}

func toSeconds(mem memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	b := array.NewTimestampBuilder(mem, arrow.FixedWidthTypes.Timestamp_s.(*arrow.TimestampType))
	defer b.Release()
	b.Reserve(arr.Len())

	switch src := arr.(type) {
	case *array.String:
		for i := 0; i < src.Len(); i++ {
			if src.IsNull(i) || src.Value(i) == "" {
				b.AppendNull()
				continue
			}
			t, err := ParseTime(src.Value(i))
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			b.Append(arrow.Timestamp(t.Unix()))
		}
	case *array.Timestamp:
		unit := src.DataType().(*arrow.TimestampType).Unit
		for i := 0; i < src.Len(); i++ {
			if src.IsNull(i) {
				b.AppendNull()
				continue
			}
			b.Append(arrow.Timestamp(src.Value(i).ToTime(unit).Unix()))
		}
	default:
		return nil, fmt.Errorf("unsupported temporal type %s", arr.DataType())
	}
	return b.NewArray(), nil
}
