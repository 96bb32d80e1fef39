package identity

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/groupcache/lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TFMV/custfeat/db"
)

var cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "custfeat_identity_cache_total",
	Help: "Identity map cache lookups by result",
}, []string{"kind", "result"})

func init() {
	prometheus.MustRegister(cacheLookups)
}

type mapKind string

const (
	customerMap mapKind = "customer"
	orderMap    mapKind = "order"
)

type cacheKey struct {
	kind mapKind
	rec  arrow.Record
}

// Resolver memoizes identity maps per source record so that aggregators can
// each re-resolve identity without rebuilding the indexes. It is safe for
// concurrent use.
type Resolver struct {
	mu    sync.Mutex
	mem   memory.Allocator
	cache *lru.Cache
}

// NewResolver creates a resolver caching up to size maps.
func NewResolver(mem memory.Allocator, size int) *Resolver {
	if size <= 0 {
		size = 16
	}
	return &Resolver{mem: mem, cache: lru.New(size)}
}

// CustomerMap returns the customer_id map of the store's customers table.
func (r *Resolver) CustomerMap(store *db.Store) (*Map, error) {
	customers, err := store.Get(db.Customers)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(cacheKey{kind: customerMap, rec: customers}, func() (*Map, error) {
		return CustomerIdentityMap(customers)
	})
}

// OrderMap returns the order_id map of orders, resolving their customer_id
// through the store's customers table.
func (r *Resolver) OrderMap(store *db.Store, orders arrow.Record) (*Map, error) {
	customers, err := r.CustomerMap(store)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(cacheKey{kind: orderMap, rec: orders}, func() (*Map, error) {
		withID, err := AttachUniqueID(r.mem, orders, customers)
		if err != nil {
			return nil, err
		}
		defer withID.Release()
		return OrderIdentityMap(withID)
	})
}

func (r *Resolver) lookup(key cacheKey, build func() (*Map, error)) (*Map, error) {
	if v, ok := r.cache.Get(key); ok {
		cacheLookups.WithLabelValues(string(key.kind), "hit").Inc()
		return v.(*Map), nil
	}
	cacheLookups.WithLabelValues(string(key.kind), "miss").Inc()

	m, err := build()
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, m)
	return m, nil
}

// Len returns the number of cached maps.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
