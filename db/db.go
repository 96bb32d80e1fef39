// Package db implements the read-only table store holding the raw Arrow
// tables of one feature derivation run.
package db

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var storeLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "custfeat_store_lookups_total",
	Help: "Table store lookups by table and result",
}, []string{"table", "result"})

func init() {
	prometheus.MustRegister(storeLookups)
}

// ---------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------

// ErrMissingTable is matched by every MissingTableError.
var ErrMissingTable = errors.New("missing table")

// MissingTableError reports a table name absent from the store.
type MissingTableError struct {
	Name string
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("missing table %q", e.Name)
}

// Is lets errors.Is(err, ErrMissingTable) match.
func (e *MissingTableError) Is(target error) bool {
	return target == ErrMissingTable
}

// ---------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------

// Store is a snapshot of named Arrow tables. It exposes no mutation: every
// consumer copies before transforming.
type Store struct {
	tables map[string]arrow.Record
}

// NewStore retains the given records and returns a store over them.
func NewStore(tables map[string]arrow.Record) *Store {
	s := &Store{tables: make(map[string]arrow.Record, len(tables))}
	for name, rec := range tables {
		rec.Retain()
		s.tables[name] = rec
	}
	return s
}

// Get returns the table registered under name.
func (s *Store) Get(name string) (arrow.Record, error) {
	rec, ok := s.tables[name]
	if !ok {
		storeLookups.WithLabelValues(name, "missing").Inc()
		return nil, &MissingTableError{Name: name}
	}
	storeLookups.WithLabelValues(name, "hit").Inc()
	return rec, nil
}

// Require fails with the first missing table among names.
func (s *Store) Require(names ...string) error {
	for _, name := range names {
		if _, err := s.Get(name); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered table names, sorted.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String summarizes the store contents for logging.
func (s *Store) String() string {
	parts := make([]string, 0, len(s.tables))
	for _, name := range s.Names() {
		parts = append(parts, fmt.Sprintf("%s(%d)", name, s.tables[name].NumRows()))
	}
	return strings.Join(parts, " ")
}

// Release releases all records held by the store.
func (s *Store) Release() {
	for name, rec := range s.tables {
		rec.Release()
		delete(s.tables, name)
	}
}
