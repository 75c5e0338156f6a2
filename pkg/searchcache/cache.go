// Package searchcache memoizes fused search results. MemoryCache keeps them
// in a bounded LRU with TTL; RedisCache shares them between processes.
package searchcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores values of type V by string key.
type Cache[V any] interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (V, bool, error)
	// Peek is Get without touching the hit and miss counters.
	Peek(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
	// Purge drops every entry owned by the cache.
	Purge(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counter struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counter) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counter) stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// MemoryCache is an in-process LRU cache with a per-entry TTL.
type MemoryCache[V any] struct {
	cache *lru.LRU[string, V]
	counter
}

// NewMemoryCache creates a cache holding at most size entries for ttl each.
// A zero ttl keeps entries until they are evicted.
func NewMemoryCache[V any](size int, ttl time.Duration) *MemoryCache[V] {
	if size <= 0 {
		size = 256
	}
	return &MemoryCache[V]{cache: lru.NewLRU[string, V](size, nil, ttl)}
}

// Get retrieves a value from the cache.
func (m *MemoryCache[V]) Get(_ context.Context, key string) (V, bool, error) {
	v, ok := m.cache.Get(key)
	m.record(ok)
	return v, ok, nil
}

// Peek retrieves a value without recording a lookup.
func (m *MemoryCache[V]) Peek(_ context.Context, key string) (V, bool, error) {
	v, ok := m.cache.Peek(key)
	return v, ok, nil
}

// Set stores a value in the cache.
func (m *MemoryCache[V]) Set(_ context.Context, key string, value V) error {
	m.cache.Add(key, value)
	return nil
}

// Delete removes a key from the cache.
func (m *MemoryCache[V]) Delete(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

// Purge removes every entry.
func (m *MemoryCache[V]) Purge(context.Context) error {
	m.cache.Purge()
	return nil
}

// Len returns the number of live entries.
func (m *MemoryCache[V]) Len() int {
	return m.cache.Len()
}

// Stats returns the hit and miss counts.
func (m *MemoryCache[V]) Stats() Stats {
	return m.stats()
}

// Close empties the cache.
func (m *MemoryCache[V]) Close() error {
	m.cache.Purge()
	return nil
}

// KeyBuilder hashes key parts with FNV-64a. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") differ.
type KeyBuilder struct {
	h   hash.Hash64
	buf [8]byte
}

// NewKey starts a key.
func NewKey() *KeyBuilder {
	return &KeyBuilder{h: fnv.New64a()}
}

func (k *KeyBuilder) writeLen(n int) {
	binary.LittleEndian.PutUint64(k.buf[:], uint64(n))
	k.h.Write(k.buf[:])
}

// Str adds a string part.
func (k *KeyBuilder) Str(s string) *KeyBuilder {
	k.writeLen(len(s))
	k.h.Write([]byte(s))
	return k
}

// Int adds an integer part.
func (k *KeyBuilder) Int(i int) *KeyBuilder {
	return k.Str(strconv.Itoa(i))
}

// Floats adds a vector part bit-exactly.
func (k *KeyBuilder) Floats(v []float32) *KeyBuilder {
	k.writeLen(len(v))
	var b [4]byte
	for _, f := range v {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		k.h.Write(b[:])
	}
	return k
}

// Sum returns the key as 16 hex digits.
func (k *KeyBuilder) Sum() string {
	return fmt.Sprintf("%016x", k.h.Sum64())
}

// Key hashes string parts into a stable cache key.
func Key(parts ...string) string {
	k := NewKey()
	for _, p := range parts {
		k.Str(p)
	}
	return k.Sum()
}
