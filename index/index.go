package index

import (
	"fmt"
	"sync"

	roaring "github.com/RoaringBitmap/roaring"
	bloom "github.com/bits-and-blooms/bloom/v3"
	murmur3 "github.com/spaolacci/murmur3"
)

// ---------------------------------------------------------------------
// Strategy: Defines which indexing strategy to use
// ---------------------------------------------------------------------

type Strategy int

const (
	HashIndex Strategy = iota
	Bloom
)

func (s Strategy) String() string {
	switch s {
	case HashIndex:
		return "hash"
	case Bloom:
		return "bloom"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ---------------------------------------------------------------------
// Index: key -> row positions of one column
// ---------------------------------------------------------------------

type Index interface {
	// Add records that rowID holds key
	Add(rowID uint32, key string) error
	// Search returns the rows holding key, or nil when there are none
	Search(key string) (*roaring.Bitmap, error)
	// Len returns the number of distinct keys
	Len() int
	// Clear removes all entries
	Clear() error
}

type Settings struct {
	// BloomFilterFPRate is the desired false-positive rate for the Bloom filter
	BloomFilterFPRate float64
	// ExpectedKeys sizes the hash buckets and the Bloom filter
	ExpectedKeys int
}

// DefaultSettings suits tables of up to a few hundred thousand keys.
func DefaultSettings() Settings {
	return Settings{
		BloomFilterFPRate: 0.01,
		ExpectedKeys:      100000,
	}
}

// New instantiates an empty index of the given strategy.
func New(strategy Strategy, settings Settings) (Index, error) {
	switch strategy {
	case HashIndex:
		return NewHashIndex(settings.ExpectedKeys), nil
	case Bloom:
		return NewBloomIndex(settings.ExpectedKeys, settings.BloomFilterFPRate), nil
	default:
		return nil, fmt.Errorf("unsupported index strategy: %v", strategy)
	}
}

// ---------------------------------------------------------------------
// 1) Hash Index
//
//    Uses Murmur3 to hash each key into a bucket, and within each bucket
//    stores key -> Roaring bitmap of rowIDs.
// ---------------------------------------------------------------------

type hashIndex struct {
	mu      sync.RWMutex
	size    int
	keys    int
	buckets map[uint64]map[string]*roaring.Bitmap
}

// NewHashIndex constructs a new HashIndex
func NewHashIndex(sizeHint int) Index {
	return &hashIndex{
		size:    sizeHint,
		buckets: make(map[uint64]map[string]*roaring.Bitmap, sizeHint),
	}
}

func (h *hashIndex) Add(rowID uint32, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hk := murmur3.Sum64([]byte(key))
	submap, ok := h.buckets[hk]
	if !ok {
		submap = make(map[string]*roaring.Bitmap, 1)
		h.buckets[hk] = submap
	}
	bm, ok := submap[key]
	if !ok {
		bm = roaring.New()
		submap[key] = bm
		h.keys++
	}
	bm.Add(rowID)
	return nil
}

func (h *hashIndex) Search(key string) (*roaring.Bitmap, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	submap, ok := h.buckets[murmur3.Sum64([]byte(key))]
	if !ok {
		return nil, nil
	}
	return submap[key], nil
}

func (h *hashIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.keys
}

func (h *hashIndex) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = make(map[uint64]map[string]*roaring.Bitmap, h.size)
	h.keys = 0
	return nil
}

// ---------------------------------------------------------------------
// 2) Bloom Filter Index
//
//    Keeps a map[key]->bitmap for rowIDs plus a bloom filter that answers
//    "definitely not present" without touching the map. Suited to
//    workloads where most keys miss.
// ---------------------------------------------------------------------

type bloomIndex struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	values   map[string]*roaring.Bitmap
	capacity uint
	fpRate   float64
}

func NewBloomIndex(capacity int, fpRate float64) Index {
	if capacity <= 0 {
		capacity = DefaultSettings().ExpectedKeys
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultSettings().BloomFilterFPRate
	}
	return &bloomIndex{
		filter:   bloom.NewWithEstimates(uint(capacity), fpRate),
		values:   make(map[string]*roaring.Bitmap),
		capacity: uint(capacity),
		fpRate:   fpRate,
	}
}

func (b *bloomIndex) Add(rowID uint32, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filter.AddString(key)
	bm, ok := b.values[key]
	if !ok {
		bm = roaring.New()
		b.values[key] = bm
	}
	bm.Add(rowID)
	return nil
}

func (b *bloomIndex) Search(key string) (*roaring.Bitmap, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.filter.TestString(key) {
		// Definitely not present
		return nil, nil
	}
	return b.values[key], nil
}

func (b *bloomIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}

func (b *bloomIndex) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filter = bloom.NewWithEstimates(b.capacity, b.fpRate)
	b.values = make(map[string]*roaring.Bitmap)
	return nil
}
