package searchcache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Memo puts a Cache in front of a loader and collapses concurrent misses
// for the same key into one load. A load that overlaps Invalidate returns
// its value but does not cache it.
type Memo[V any] struct {
	cache Cache[V]
	group singleflight.Group
	gen   atomic.Uint64
	log   zerolog.Logger
}

// NewMemo wraps c.
func NewMemo[V any](c Cache[V], log zerolog.Logger) *Memo[V] {
	return &Memo[V]{cache: c, log: log}
}

// Cache returns the wrapped cache.
func (m *Memo[V]) Cache() Cache[V] {
	return m.cache
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result. Cache errors are logged and treated as misses; load errors are
// returned and nothing is cached. The bool reports a cache hit.
func (m *Memo[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, bool, error) {
	if v, ok, err := m.cache.Get(ctx, key); err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	} else if ok {
		return v, true, nil
	}

	gen := m.gen.Load()
	res, err, _ := m.group.Do(strconv.FormatUint(gen, 10)+":"+key, func() (any, error) {
		// Another caller may have filled it while we waited.
		if v, ok, err := m.cache.Peek(ctx, key); err == nil && ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if m.gen.Load() != gen {
			m.log.Debug().Str("key", key).Msg("cache invalidated during load, not storing")
			return v, nil
		}
		if err := m.cache.Set(ctx, key, v); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := res.(V)
	if !ok {
		var zero V
		return zero, false, fmt.Errorf("unexpected type from singleflight: got %T", res)
	}
	return v, false, nil
}

// Invalidate purges the wrapped cache. Loads already running are not cached.
func (m *Memo[V]) Invalidate(ctx context.Context) error {
	m.gen.Add(1)
	return m.cache.Purge(ctx)
}
