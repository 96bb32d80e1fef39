package index

import (
	"sort"

	roaring "github.com/RoaringBitmap/roaring"
)

// ---------------------------------------------------------------------
// Sorted Column Index
//
//    Stores (value, rowID) entries sorted by value. Range lookups are two
//    binary searches plus a bitmap fill.
// ---------------------------------------------------------------------

type sortedEntry struct {
	value int64
	rowID uint32
}

// SortedIndex orders the rows of an int64 column by value.
type SortedIndex struct {
	entries []sortedEntry
	sorted  bool
}

// NewSortedIndex allocates an index for about n rows.
func NewSortedIndex(n int) *SortedIndex {
	return &SortedIndex{entries: make([]sortedEntry, 0, n), sorted: true}
}

// Add records value at rowID. Entries are sorted lazily on first lookup.
func (s *SortedIndex) Add(rowID uint32, value int64) {
	if n := len(s.entries); n > 0 && s.entries[n-1].value > value {
		s.sorted = false
	}
	s.entries = append(s.entries, sortedEntry{value: value, rowID: rowID})
}

func (s *SortedIndex) ensureSorted() {
	if s.sorted {
		return
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].value < s.entries[j].value
	})
	s.sorted = true
}

// Between returns the rows whose value v satisfies lo < v <= hi.
func (s *SortedIndex) Between(lo, hi int64) *roaring.Bitmap {
	s.ensureSorted()
	result := roaring.New()
	if hi <= lo {
		return result
	}

	n := len(s.entries)
	left := sort.Search(n, func(i int) bool { return s.entries[i].value > lo })
	right := sort.Search(n, func(i int) bool { return s.entries[i].value > hi })
	for i := left; i < right; i++ {
		result.Add(s.entries[i].rowID)
	}
	return result
}

// Min returns the smallest indexed value; ok is false when empty.
func (s *SortedIndex) Min() (int64, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	s.ensureSorted()
	return s.entries[0].value, true
}

// Max returns the largest indexed value; ok is false when empty.
func (s *SortedIndex) Max() (int64, bool) {
	if len(s.entries) == 0 {
		return 0, false
	}
	s.ensureSorted()
	return s.entries[len(s.entries)-1].value, true
}

// Len returns the number of indexed rows.
func (s *SortedIndex) Len() int {
	return len(s.entries)
}
