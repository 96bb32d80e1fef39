package features

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SeriesRenderer draws the distribution of one feature column.
type SeriesRenderer interface {
	RenderSeries(name string, values []float64) error
}

// GroupRenderer draws feature tables grouped by a per-customer label, such as
// a cluster assignment.
type GroupRenderer interface {
	RenderGroups(t *Table, labels map[string]string) error
}

// RenderColumns hands every column's set cells to r, in column order.
func RenderColumns(t *Table, r SeriesRenderer) error {
	for _, name := range t.Columns() {
		values, err := t.Series(name)
		if err != nil {
			return err
		}
		if err := r.RenderSeries(name, values); err != nil {
			return err
		}
	}
	return nil
}

// Summary describes a series.
type Summary struct {
	Count  int
	Mean   float64
	Std    float64
	Min    float64
	Median float64
	Max    float64
}

// Describe summarizes values. Std is the sample standard deviation; it is
// NaN below two values, as are all statistics of an empty series.
func Describe(values []float64) Summary {
	s := Summary{Count: len(values)}
	if s.Count == 0 {
		nan := math.NaN()
		return Summary{Mean: nan, Std: nan, Min: nan, Median: nan, Max: nan}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	s.Min, s.Max = floats.Min(sorted), floats.Max(sorted)
	s.Median = median(sorted)
	s.Mean = stat.Mean(sorted, nil)
	s.Std = math.NaN()
	if s.Count > 1 {
		s.Std = stat.StdDev(sorted, nil)
	}
	return s
}

// median of sorted values, averaging the two middle ones for even lengths.
func median(sorted []float64) float64 {
	n := len(sorted)
	lo := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if n%2 == 1 {
		return lo
	}
	return (lo + sorted[n/2]) / 2
}
