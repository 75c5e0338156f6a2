package searchcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	IDs    []string  `json:"ids"`
	Scores []float64 `json:"scores"`
}

func setupRedisCache(t *testing.T, ttl time.Duration) (*RedisCache[result], *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := NewRedisCache[result](context.Background(), RedisOptions{Addr: mr.Addr(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

// runForAllCaches runs fn against a memory and a redis cache.
func runForAllCaches(t *testing.T, fn func(t *testing.T, c Cache[result])) {
	t.Run("Memory", func(t *testing.T) {
		fn(t, NewMemoryCache[result](16, time.Minute))
	})
	t.Run("Redis", func(t *testing.T) {
		c, _ := setupRedisCache(t, time.Minute)
		fn(t, c)
	})
}

func TestCacheRoundTrip(t *testing.T) {
	runForAllCaches(t, func(t *testing.T, c Cache[result]) {
		ctx := context.Background()

		_, ok, err := c.Get(ctx, "q1")
		require.NoError(t, err)
		assert.False(t, ok)

		want := result{IDs: []string{"a", "b"}, Scores: []float64{0.9, 0.4}}
		require.NoError(t, c.Set(ctx, "q1", want))

		peeked, ok, err := c.Peek(ctx, "q1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, peeked)
		_, ok, err = c.Peek(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		got, ok, err := c.Get(ctx, "q1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)

		require.NoError(t, c.Delete(ctx, "q1"))
		_, ok, err = c.Get(ctx, "q1")
		require.NoError(t, err)
		assert.False(t, ok)

		st := c.Stats()
		assert.EqualValues(t, 1, st.Hits)
		assert.EqualValues(t, 2, st.Misses)
		assert.InDelta(t, 1.0/3.0, st.HitRate(), 1e-9)
	})
}

func TestCachePurge(t *testing.T) {
	runForAllCaches(t, func(t *testing.T, c Cache[result]) {
		ctx := context.Background()
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, c.Set(ctx, k, result{IDs: []string{k}}))
		}
		require.NoError(t, c.Purge(ctx))
		for _, k := range []string{"a", "b", "c"} {
			_, ok, err := c.Get(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, "key %s survived purge", k)
		}
	})
}

func TestMemoryCacheEvictsLRU(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[int](2, time.Minute)

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", 3))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache[int](4, 20*time.Millisecond)
	require.NoError(t, c.Set(ctx, "a", 1))

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisCacheTTLAndPrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedisCache(t, time.Minute)

	require.NoError(t, mr.Set("unrelated", "keep"))
	require.NoError(t, c.Set(ctx, "q", result{IDs: []string{"x"}}))
	assert.True(t, mr.Exists(DefaultPrefix+"q"))
	assert.Equal(t, time.Minute, mr.TTL(DefaultPrefix+"q"))

	require.NoError(t, c.Purge(ctx))
	assert.False(t, mr.Exists(DefaultPrefix+"q"))
	assert.True(t, mr.Exists("unrelated"), "purge only touches the prefix")

	require.NoError(t, c.Set(ctx, "q", result{IDs: []string{"x"}}))
	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, "q")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCacheConnectError(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache[result](context.Background(), RedisOptions{Addr: addr})
	assert.Error(t, err)
}

func TestMemoDeduplicatesLoads(t *testing.T) {
	m := NewMemo[result](NewMemoryCache[result](8, time.Minute), zerolog.Nop())

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) (result, error) {
		loads.Add(1)
		<-release
		return result{IDs: []string{"a"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := m.GetOrLoad(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, []string{"a"}, v.IDs)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, loads.Load())

	_, hit, err := m.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.EqualValues(t, 1, loads.Load())
}

func TestMemoLoadErrorIsNotCached(t *testing.T) {
	m := NewMemo[result](NewMemoryCache[result](8, time.Minute), zerolog.Nop())

	_, _, err := m.GetOrLoad(context.Background(), "k", func(context.Context) (result, error) {
		return result{}, errors.New("source down")
	})
	require.Error(t, err)

	v, hit, err := m.GetOrLoad(context.Background(), "k", func(context.Context) (result, error) {
		return result{IDs: []string{"b"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"b"}, v.IDs)
}

func TestMemoSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	c := NewRedisCacheWithClient[result](client, "", time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	m := NewMemo[result](c, zerolog.Nop())

	mr.Close()
	v, hit, err := m.GetOrLoad(context.Background(), "k", func(context.Context) (result, error) {
		return result{IDs: []string{"fresh"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"fresh"}, v.IDs)
}

func TestMemoDropsLoadOverlappingInvalidate(t *testing.T) {
	c := NewMemoryCache[result](8, time.Minute)
	m := NewMemo[result](c, zerolog.Nop())
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan result)
	go func() {
		v, _, err := m.GetOrLoad(ctx, "k", func(context.Context) (result, error) {
			close(started)
			<-release
			return result{IDs: []string{"stale"}}, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	require.NoError(t, m.Invalidate(ctx))
	close(release)
	assert.Equal(t, []string{"stale"}, (<-done).IDs)
	assert.Zero(t, c.Len())

	v, hit, err := m.GetOrLoad(ctx, "k", func(context.Context) (result, error) {
		return result{IDs: []string{"fresh"}}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []string{"fresh"}, v.IDs)
}

func TestMemoCountsOneMissPerColdLookup(t *testing.T) {
	runForAllCaches(t, func(t *testing.T, c Cache[result]) {
		m := NewMemo[result](c, zerolog.Nop())
		load := func(context.Context) (result, error) { return result{IDs: []string{"a"}}, nil }

		_, _, err := m.GetOrLoad(context.Background(), "k", load)
		require.NoError(t, err)
		_, _, err = m.GetOrLoad(context.Background(), "k", load)
		require.NoError(t, err)

		assert.Equal(t, Stats{Hits: 1, Misses: 1}, c.Stats())
	})
}

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Len(t, Key("x"), 16)

	k1 := NewKey().Str("q").Floats([]float32{0.1, 0.2}).Int(5).Sum()
	k2 := NewKey().Str("q").Floats([]float32{0.1, 0.2}).Int(5).Sum()
	k3 := NewKey().Str("q").Floats([]float32{0.1, 0.3}).Int(5).Sum()
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
