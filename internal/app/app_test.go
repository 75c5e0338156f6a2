package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hack-pad/hackpadfs/mem"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/search"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.StorageBackend = "memory"
	cfg.FlushDelay = time.Hour
	cfg.RecomputeDelay = time.Hour
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func ids(resp *search.Response) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.ID
	}
	return out
}

func TestWritesReachSearchAndInvalidateCache(t *testing.T) {
	a := newApp(t, memoryConfig())
	ctx := context.Background()

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "Harbor log", Content: "boats at dawn"})
	require.NoError(t, err)

	resp, err := a.Search.Search(ctx, search.Query{Text: "harbor", K: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(resp))
	require.NotNil(t, resp.Results[0].Document)
	assert.Equal(t, "Harbor log", resp.Results[0].Document.Title)

	again, err := a.Search.Search(ctx, search.Query{Text: "harbor", K: 5})
	require.NoError(t, err)
	assert.True(t, again.Cached)

	_, err = a.Sync.CreateNote(&store.Note{ID: "n2", Title: "Harbor map"})
	require.NoError(t, err)

	fresh, err := a.Search.Search(ctx, search.Query{Text: "harbor", K: 5})
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids(fresh))
	assert.Greater(t, a.CacheStats().Hits, int64(0))
}

func TestEmbeddingsFeedVectorSearch(t *testing.T) {
	a := newApp(t, memoryConfig())
	ctx := context.Background()

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "North"})
	require.NoError(t, err)
	_, err = a.Sync.CreateNote(&store.Note{ID: "n2", Title: "East"})
	require.NoError(t, err)
	require.NoError(t, a.UpsertEmbedding(ctx, "", "n1", []float32{1, 0}))
	require.NoError(t, a.UpsertEmbedding(ctx, "", "n2", []float32{0, 1}))

	resp, err := a.Search.Search(ctx, search.Query{Embedding: []float32{1, 0.1}, K: 1, Profile: "semantic"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids(resp))

	require.NoError(t, a.Sync.DeleteNote("n1"))
	assert.False(t, a.Vectors.Tier("", false).Has("n1"))

	resp, err = a.Search.Search(ctx, search.Query{Embedding: []float32{1, 0.1}, K: 1, Profile: "semantic"})
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, ids(resp))
}

func TestSQLiteBackendsPersist(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryConfig()
	cfg.StorageBackend = "sqlite"
	cfg.SQLitePath = filepath.Join(dir, "graph.db")
	cfg.VectorBackend = "sqlite"
	ctx := context.Background()

	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = a.Sync.UpsertEntity(&store.Entity{ID: "e1", Label: "Mara", Kind: "character"})
	require.NoError(t, err)
	require.NoError(t, a.UpsertEmbedding(ctx, "", "e1", []float32{1, 0, 0}))
	require.NoError(t, a.Close(ctx))

	b := newApp(t, cfg)
	en, ok := b.Sync.GetEntity("e1")
	require.True(t, ok)
	assert.Equal(t, "CHARACTER", en.Kind)

	resp, err := b.Search.Search(ctx, search.Query{Text: "mara", Embedding: []float32{1, 0, 0}, K: 3})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "e1", resp.Results[0].ID)
	assert.Greater(t, resp.Results[0].VectorScore, 0.0)
	assert.Empty(t, resp.Degraded)
}

func TestHNSWVectorsPersistAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryConfig()
	cfg.StorageBackend = "badger"
	cfg.BadgerDir = filepath.Join(dir, "badger")
	cfg.VectorDir = filepath.Join(dir, "vectors")
	ctx := context.Background()

	a, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = a.Sync.CreateNote(&store.Note{ID: "n1", Title: "North"})
	require.NoError(t, err)
	require.NoError(t, a.UpsertEmbedding(ctx, "", "n1", []float32{1, 0}))
	require.NoError(t, a.UpsertEmbedding(ctx, "", "ghost", []float32{0, 1}))
	require.NoError(t, a.Close(ctx))

	b := newApp(t, cfg)
	assert.True(t, b.Vectors.Tier("", false).Has("n1"))
	assert.False(t, b.Vectors.Tier("", false).Has("ghost"), "embeddings without records are pruned on hydration")
	_, ok := b.Sync.GetNote("n1")
	assert.True(t, ok)
}

func TestVectorFSOption(t *testing.T) {
	fsys, err := mem.NewFS()
	require.NoError(t, err)
	ctx := context.Background()

	a, err := New(ctx, memoryConfig(), zerolog.Nop(), WithVectorFS(fsys, "vectors"))
	require.NoError(t, err)
	_, err = a.Sync.CreateNote(&store.Note{ID: "n1", Title: "North"})
	require.NoError(t, err)
	require.NoError(t, a.UpsertEmbedding(ctx, "", "n1", []float32{1, 0}))
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, memoryConfig(), zerolog.Nop(), WithVectorFS(fsys, "vectors"))
	require.NoError(t, err)
	defer b.Close(ctx)
	assert.True(t, b.Vectors.Tier("", false).Has("n1"))
}

func TestRedisCacheBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.CacheBackend = "redis"
	cfg.RedisAddr = mr.Addr()
	a := newApp(t, cfg)
	ctx := context.Background()

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "Harbor"})
	require.NoError(t, err)

	_, err = a.Search.Search(ctx, search.Query{Text: "harbor", K: 1})
	require.NoError(t, err)
	resp, err := a.Search.Search(ctx, search.Query{Text: "harbor", K: 1})
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.NotEmpty(t, mr.Keys())
}

func TestRedisUnavailableFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig()
	cfg.CacheBackend = "redis"
	cfg.RedisAddr = "127.0.0.1:1"
	a := newApp(t, cfg)

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "Harbor"})
	require.NoError(t, err)
	resp, err := a.Search.Search(context.Background(), search.Query{Text: "harbor", K: 1})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestNoCacheBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.CacheBackend = "none"
	a := newApp(t, cfg)

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "Harbor"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		resp, err := a.Search.Search(context.Background(), search.Query{Text: "harbor", K: 1})
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Zero(t, a.CacheStats().Hits)
}

func TestRecomputeDropsCachedResults(t *testing.T) {
	cfg := memoryConfig()
	cfg.RecomputeDelay = 200 * time.Millisecond
	a := newApp(t, cfg)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		_, err := a.Sync.UpsertEntity(&store.Entity{ID: id, Label: "hero " + id, Kind: "CHARACTER"})
		require.NoError(t, err)
	}
	_, err := a.Sync.CreateEdge(&store.Edge{ID: "ab", SourceID: "A", TargetID: "B", RelType: "KNOWS", Weight: 1})
	require.NoError(t, err)
	_, err = a.Sync.CreateEdge(&store.Edge{ID: "bc", SourceID: "B", TargetID: "C", RelType: "KNOWS", Weight: 1})
	require.NoError(t, err)
	require.True(t, a.Projection.IsDirty())

	q := search.Query{Text: "hero", K: 5}
	stale, err := a.Search.Search(ctx, q)
	require.NoError(t, err)
	for _, r := range stale.Results {
		assert.Zero(t, r.Signals.Centrality, r.ID)
	}

	again, err := a.Search.Search(ctx, q)
	require.NoError(t, err)
	assert.True(t, again.Cached)

	// Once analytics catch up the cached response must be gone.
	require.Eventually(t, func() bool {
		resp, err := a.Search.Search(ctx, q)
		if err != nil || resp.Cached {
			return false
		}
		for _, r := range resp.Results {
			if r.ID == "B" {
				return r.Signals.Centrality > 0
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Projection.IsDirty())
}

func TestOlderStateIsIgnored(t *testing.T) {
	a := newApp(t, memoryConfig())
	ctx := context.Background()

	_, err := a.Sync.CreateNote(&store.Note{ID: "n1", Title: "Harbor log"})
	require.NoError(t, err)
	older := a.Sync.State()
	_, err = a.Sync.CreateNote(&store.Note{ID: "n2", Title: "Harbor map"})
	require.NoError(t, err)
	require.Greater(t, a.Sync.State().Version, older.Version)

	a.onState(older)

	resp, err := a.Search.Search(ctx, search.Query{Text: "harbor", K: 5})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids(resp))
}

func TestHydrationLeavesSyncMetricsAlone(t *testing.T) {
	a := newApp(t, memoryConfig())
	ctx := context.Background()

	_, err := a.Sync.UpsertEntity(&store.Entity{ID: "e1", Label: "Mara", Kind: "CHARACTER"})
	require.NoError(t, err)
	before := a.Sync.Metrics()

	resp, err := a.Search.Search(ctx, search.Query{Text: "mara", K: 5})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, ids(resp))
	require.NotNil(t, resp.Results[0].Document)
	assert.Equal(t, "entity", resp.Results[0].Document.Kind)

	after := a.Sync.Metrics()
	assert.Equal(t, before.CacheMisses, after.CacheMisses)
	assert.Equal(t, before.CacheHits, after.CacheHits)
}
