package identity_test

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/internal/fixture"
	"github.com/TFMV/custfeat/query"
)

func TestCustomerIdentityMap(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()
	customers, err := store.Get(db.Customers)
	require.NoError(t, err)

	m, err := identity.CustomerIdentityMap(customers)
	require.NoError(t, err)
	assert.Equal(t, 5, m.Len())

	for id, want := range map[string]string{"c1": "u1", "c2": "u1", "c3": "u2", "c5": "u4"} {
		got, ok := m.Resolve(id)
		require.True(t, ok, id)
		assert.Equal(t, want, got, id)
	}
	_, ok := m.Resolve("c9")
	assert.False(t, ok)
}

func TestCustomerIdentityMapDuplicate(t *testing.T) {
	mem := memory.NewGoAllocator()
	customers := fixture.NewRecord(mem,
		fixture.String(db.ColCustomerID, "c1", "c2", "c1"),
		fixture.String(db.ColCustomerUniqueID, "u1", "u2", "u3"),
	)
	defer customers.Release()

	_, err := identity.CustomerIdentityMap(customers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, identity.ErrDuplicateKey))

	var dup *identity.DuplicateKeyError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, db.ColCustomerID, dup.Column)
	assert.Equal(t, "c1", dup.Key)
}

func TestNullIdentityIsUnmapped(t *testing.T) {
	mem := memory.NewGoAllocator()
	customers := fixture.NewRecord(mem,
		fixture.String(db.ColCustomerID, "c1", nil, "c3"),
		fixture.String(db.ColCustomerUniqueID, "u1", "u2", nil),
	)
	defer customers.Release()

	m, err := identity.CustomerIdentityMap(customers)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	_, ok := m.Resolve("c3")
	assert.False(t, ok)
}

func TestAttachUniqueIDAndOrderMap(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()
	customers, err := store.Get(db.Customers)
	require.NoError(t, err)
	orders, err := store.Get(db.Orders)
	require.NoError(t, err)

	cm, err := identity.CustomerIdentityMap(customers)
	require.NoError(t, err)

	withID, err := identity.AttachUniqueID(mem, orders, cm)
	require.NoError(t, err)
	defer withID.Release()
	assert.Equal(t, orders.NumCols()+1, withID.NumCols())
	assert.Equal(t, orders.NumRows(), withID.NumRows())

	uids, err := query.Strings(withID, db.ColCustomerUniqueID)
	require.NoError(t, err)
	assert.Equal(t, "u1", uids.Value(1))
	assert.True(t, uids.IsNull(4), "o5 belongs to an unknown customer_id")

	// the stored orders table is untouched
	_, err = query.Strings(orders, db.ColCustomerUniqueID)
	assert.ErrorIs(t, err, query.ErrColumnNotFound)

	_, err = identity.AttachUniqueID(mem, withID, cm)
	assert.Error(t, err)

	om, err := identity.OrderIdentityMap(withID)
	require.NoError(t, err)
	got, ok := om.Resolve("o2")
	require.True(t, ok)
	assert.Equal(t, "u1", got)
	_, ok = om.Resolve("o5")
	assert.False(t, ok)
	_, ok = om.Resolve("o99")
	assert.False(t, ok)
}

func TestOrderIdentityMapDuplicate(t *testing.T) {
	mem := memory.NewGoAllocator()
	orders := fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, "o1", "o1"),
		fixture.String(db.ColCustomerUniqueID, "u1", "u2"),
	)
	defer orders.Release()

	_, err := identity.OrderIdentityMap(orders)
	assert.ErrorIs(t, err, identity.ErrDuplicateKey)
}

func TestMissingColumns(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := fixture.NewRecord(mem, fixture.String("id", "x"))
	defer rec.Release()

	_, err := identity.CustomerIdentityMap(rec)
	assert.ErrorIs(t, err, query.ErrColumnNotFound)
	_, err = identity.OrderIdentityMap(rec)
	assert.ErrorIs(t, err, query.ErrColumnNotFound)
}

func TestResolverCaches(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()
	orders, err := store.Get(db.Orders)
	require.NoError(t, err)

	r := identity.NewResolver(mem, 4)
	first, err := r.CustomerMap(store)
	require.NoError(t, err)
	second, err := r.CustomerMap(store)
	require.NoError(t, err)
	assert.Same(t, first, second)

	om, err := r.OrderMap(store, orders)
	require.NoError(t, err)
	again, err := r.OrderMap(store, orders)
	require.NoError(t, err)
	assert.Same(t, om, again)
	assert.Equal(t, 2, r.Len())

	uid, ok := om.Resolve("o3")
	require.True(t, ok)
	assert.Equal(t, "u2", uid)
}

func TestResolverMissingCustomers(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := db.NewStore(nil)

	_, err := identity.NewResolver(mem, 0).CustomerMap(store)
	assert.ErrorIs(t, err, db.ErrMissingTable)
}
