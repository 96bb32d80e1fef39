package features

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/query"
)

// FillPolicy is the value given to roster customers an aggregator has no
// value for. A zero FillPolicy leaves those cells unset.
type FillPolicy struct {
	Fill  bool
	Value float64
}

var (
	// FillZero fills absent customers with 0.
	FillZero = FillPolicy{Fill: true}
	// NoFill leaves absent customers unset.
	NoFill = FillPolicy{}
)

func (p FillPolicy) String() string {
	if !p.Fill {
		return "none"
	}
	return fmt.Sprintf("%g", p.Value)
}

// Partial is the output of one aggregator: a group of columns, each a
// partial function over customer_unique_id.
type Partial struct {
	Feature Feature
	Columns []string
	Values  []map[string]float64
	Fill    FillPolicy
}

func newPartial(f Feature, fill FillPolicy, columns ...string) *Partial {
	p := &Partial{
		Feature: f,
		Columns: columns,
		Values:  make([]map[string]float64, len(columns)),
		Fill:    fill,
	}
	for i := range p.Values {
		p.Values[i] = make(map[string]float64)
	}
	return p
}

// Get returns the value of customer in column, if the aggregator set one.
func (p *Partial) Get(column, customer string) (float64, bool) {
	for i, c := range p.Columns {
		if c == column {
			v, ok := p.Values[i][customer]
			return v, ok
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------
// Roster
// ---------------------------------------------------------------------

// Roster is the ordered set of unique customers, the universe of output rows.
type Roster struct {
	ids []string
	pos map[string]int
}

// NewRoster keeps the first occurrence of every id.
func NewRoster(ids ...string) *Roster {
	r := &Roster{pos: make(map[string]int, len(ids))}
	for _, id := range ids {
		if _, ok := r.pos[id]; ok {
			continue
		}
		r.pos[id] = len(r.ids)
		r.ids = append(r.ids, id)
	}
	return r
}

// BuildRoster lists the customer_unique_id values of the customers table in
// order of first appearance.
func BuildRoster(store *db.Store) (*Roster, error) {
	customers, err := store.Get(db.Customers)
	if err != nil {
		return nil, err
	}
	uids, err := query.Strings(customers, db.ColCustomerUniqueID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, uids.Len())
	for i := 0; i < uids.Len(); i++ {
		if uids.IsValid(i) {
			ids = append(ids, uids.Value(i))
		}
	}
	return NewRoster(ids...), nil
}

// Len returns the number of customers.
func (r *Roster) Len() int { return len(r.ids) }

// IDs returns the customers in roster order.
func (r *Roster) IDs() []string { return append([]string(nil), r.ids...) }

// Contains reports whether id is on the roster.
func (r *Roster) Contains(id string) bool {
	_, ok := r.pos[id]
	return ok
}

// ---------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------

// Table is the customer feature table: one row per roster customer, float64
// cells that may be unset.
type Table struct {
	roster  *Roster
	columns []string
	colPos  map[string]int
	values  [][]float64
	valid   [][]bool
}

// Assemble left-joins the partials onto the roster in the given order and
// applies each partial's fill policy to the cells it left unset. Values for
// customers outside the roster are dropped.
func Assemble(roster *Roster, partials ...*Partial) (*Table, error) {
	t := &Table{roster: roster, colPos: make(map[string]int)}
	n := roster.Len()

	for _, p := range partials {
		for ci, col := range p.Columns {
			if _, dup := t.colPos[col]; dup {
				return nil, fmt.Errorf("column %q produced twice", col)
			}
			values := make([]float64, n)
			valid := make([]bool, n)
			for customer, v := range p.Values[ci] {
				if row, ok := roster.pos[customer]; ok {
					values[row] = v
					valid[row] = true
				}
			}
			if p.Fill.Fill {
				for row := range valid {
					if !valid[row] {
						values[row] = p.Fill.Value
						valid[row] = true
					}
				}
			}
			t.colPos[col] = len(t.columns)
			t.columns = append(t.columns, col)
			t.values = append(t.values, values)
			t.valid = append(t.valid, valid)
		}
	}
	return t, nil
}

// NumRows returns the number of customers.
func (t *Table) NumRows() int { return t.roster.Len() }

// Customers returns the row keys in order.
func (t *Table) Customers() []string { return t.roster.IDs() }

// Columns returns the feature column names in order.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Value returns the cell of customer in column; ok is false for unset cells
// and unknown customers or columns.
func (t *Table) Value(customer, column string) (float64, bool) {
	row, ok := t.roster.pos[customer]
	if !ok {
		return 0, false
	}
	col, ok := t.colPos[column]
	if !ok {
		return 0, false
	}
	return t.values[col][row], t.valid[col][row]
}

// Column returns copies of a column's values and validity, in roster order.
func (t *Table) Column(name string) ([]float64, []bool, error) {
	col, ok := t.colPos[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", query.ErrColumnNotFound, name)
	}
	return append([]float64(nil), t.values[col]...), append([]bool(nil), t.valid[col]...), nil
}

// Series returns the set cells of a column, in roster order.
func (t *Table) Series(name string) ([]float64, error) {
	values, valid, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(values))
	for i, v := range values {
		if valid[i] {
			out = append(out, v)
		}
	}
	return out, nil
}

// Schema is the Arrow layout of Record.
func (t *Table) Schema() *arrow.Schema {
	fields := make([]arrow.Field, 0, len(t.columns)+1)
	fields = append(fields, arrow.Field{Name: db.ColCustomerUniqueID, Type: arrow.BinaryTypes.String})
	for _, c := range t.columns {
		fields = append(fields, arrow.Field{Name: c, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

// Record converts the table to an Arrow record, unset cells as nulls.
func (t *Table) Record(mem memory.Allocator) arrow.Record {
	builder := array.NewRecordBuilder(mem, t.Schema())
	defer builder.Release()

	builder.Field(0).(*array.StringBuilder).AppendValues(t.roster.ids, nil)
	for i := range t.columns {
		builder.Field(i+1).(*array.Float64Builder).AppendValues(t.values[i], t.valid[i])
	}
	return builder.NewRecord()
}
