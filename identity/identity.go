// Package identity resolves per-order customer identifiers and order
// identifiers onto the stable per-person customer_unique_id.
package identity

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/index"
	"github.com/TFMV/custfeat/query"
)

// ErrDuplicateKey is matched by every DuplicateKeyError.
var ErrDuplicateKey = errors.New("duplicate key")

// DuplicateKeyError reports a non-unique source column of an identity map.
type DuplicateKeyError struct {
	Column string
	Key    string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate %s %q", e.Column, e.Key)
}

// Is lets errors.Is(err, ErrDuplicateKey) match.
func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// Map is a partial function from a key column to customer_unique_id.
type Map struct {
	keys   index.Index
	values []string
	valid  []bool
}

// Resolve returns the person identity of key. ok is false when key is
// unmapped or maps to a null identity.
func (m *Map) Resolve(key string) (string, bool) {
	rows, err := m.keys.Search(key)
	if err != nil || rows == nil || rows.IsEmpty() {
		return "", false
	}
	row := rows.Minimum()
	return m.values[row], m.valid[row]
}

// Len returns the number of mapped keys.
func (m *Map) Len() int {
	return m.keys.Len()
}

func newMap(rec arrow.Record, keyCol, valueCol string, strategy index.Strategy) (*Map, error) {
	keys, err := query.Strings(rec, keyCol)
	if err != nil {
		return nil, err
	}
	values, err := query.Strings(rec, valueCol)
	if err != nil {
		return nil, err
	}

	settings := index.DefaultSettings()
	settings.ExpectedKeys = keys.Len()
	idx, err := index.New(strategy, settings)
	if err != nil {
		return nil, err
	}

	m := &Map{
		keys:   idx,
		values: make([]string, keys.Len()),
		valid:  make([]bool, keys.Len()),
	}
	for i := 0; i < keys.Len(); i++ {
		if keys.IsNull(i) {
			continue
		}
		key := keys.Value(i)
		if rows, _ := idx.Search(key); rows != nil && !rows.IsEmpty() {
			return nil, &DuplicateKeyError{Column: keyCol, Key: key}
		}
		if err := idx.Add(uint32(i), key); err != nil {
			return nil, err
		}
		if values.IsValid(i) {
			m.values[i] = values.Value(i)
			m.valid[i] = true
		}
	}
	return m, nil
}

// CustomerIdentityMap maps customer_id to customer_unique_id.
func CustomerIdentityMap(customers arrow.Record) (*Map, error) {
	return newMap(customers, db.ColCustomerID, db.ColCustomerUniqueID, index.HashIndex)
}

// OrderIdentityMap maps order_id to customer_unique_id. orders must carry
// the customer_unique_id column added by AttachUniqueID.
func OrderIdentityMap(orders arrow.Record) (*Map, error) {
	return newMap(orders, db.ColOrderID, db.ColCustomerUniqueID, index.Bloom)
}

// AttachUniqueID returns a copy of orders with a customer_unique_id column
// resolved through customers. Unmapped customer_id values yield nulls.
func AttachUniqueID(mem memory.Allocator, orders arrow.Record, customers *Map) (arrow.Record, error) {
	ids, err := query.Strings(orders, db.ColCustomerID)
	if err != nil {
		return nil, err
	}
	if _, err := query.ColumnIndex(orders, db.ColCustomerUniqueID); err == nil {
		return nil, fmt.Errorf("orders already carry %s", db.ColCustomerUniqueID)
	}

	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.Reserve(ids.Len())
	for i := 0; i < ids.Len(); i++ {
		if ids.IsNull(i) {
			b.AppendNull()
			continue
		}
		if uid, ok := customers.Resolve(ids.Value(i)); ok {
			b.Append(uid)
		} else {
			b.AppendNull()
		}
	}
	uids := b.NewArray()
	defer uids.Release()

	fields := append(orders.Schema().Fields(), arrow.Field{
		Name: db.ColCustomerUniqueID, Type: arrow.BinaryTypes.String, Nullable: true,
	})
	cols := append(append(make([]arrow.Array, 0, len(fields)), orders.Columns()...), uids)
	md := orders.Schema().Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, orders.NumRows()), nil
}
