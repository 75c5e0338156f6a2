// Package app wires the store, projection, sync engine, candidate sources and
// search engine into one running instance.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/lexical"
	"github.com/kittclouds/kittgraph/pkg/search"
	"github.com/kittclouds/kittgraph/pkg/searchcache"
	"github.com/kittclouds/kittgraph/pkg/syncengine"
	"github.com/kittclouds/kittgraph/pkg/vector"
)

// ErrNoVectorIndex is returned by embedding writes when vectors are served
// by a backend that does not accept them.
var ErrNoVectorIndex = errors.New("app: no writable vector index")

// App is a running kittgraph instance.
type App struct {
	Config     *config.Config
	Log        zerolog.Logger
	Store      store.Storer
	Projection *graph.Projection
	Sync       *syncengine.Engine
	Lexical    *lexical.Source
	Search     *search.Engine

	// Vectors is the HNSW store; nil when vectors come from SQLite.
	Vectors *vector.Store
	sqlite  *store.SQLiteStore
	cache   searchcache.Cache[search.Response]

	liveMu sync.Mutex
	live   map[string]bool

	stateMu      sync.Mutex
	applied      uint64
	appliedFirst bool

	vectorFS    hackpadfs.FS
	vectorDir   string
	unsubscribe func()
}

// Option customizes New.
type Option func(*App)

// WithVectorFS persists HNSW vectors under dir on fsys instead of the
// configured OS directory.
func WithVectorFS(fsys hackpadfs.FS, dir string) Option {
	return func(a *App) {
		a.vectorFS = fsys
		a.vectorDir = dir
	}
}

// New builds and hydrates an instance from cfg.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{Config: cfg, Log: log}
	for _, opt := range opts {
		opt(a)
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = s
	a.sqlite, _ = s.(*store.SQLiteStore)
	log.Info().Str("backend", cfg.StorageBackend).Msg("store opened")

	a.Projection = graph.NewProjection(&graph.Options{
		Threshold:         cfg.ConfidenceThreshold,
		RecomputeDelay:    cfg.RecomputeDelay,
		CentralityCeiling: cfg.CentralityCeiling,
		Logger:            log.With().Str("component", "projection").Logger(),
		OnRecompute:       a.onRecompute,
	})
	a.Sync = syncengine.New(s, a.Projection, &syncengine.Options{
		FlushDelay: cfg.FlushDelay,
		Logger:     log,
	})
	a.Lexical = lexical.NewSource(lexical.DefaultConfig(), log)

	var vectors search.VectorSource
	switch cfg.VectorBackend {
	case "sqlite":
		if a.sqlite == nil {
			a.closeStore()
			return nil, errors.New("sqlite vectors need the sqlite store")
		}
		vectors = vector.NewSQLiteSource(a.sqlite, cfg.VectorTier)
	default:
		if a.vectorFS != nil {
			a.Vectors, err = vector.NewStore(a.vectorFS, a.vectorDir, cfg.VectorTier, log)
		} else {
			a.Vectors, err = openVectors(cfg, log)
		}
		if err != nil {
			a.closeStore()
			return nil, err
		}
		vectors = a.Vectors
	}

	a.cache, err = openCache(ctx, cfg, log)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.Search = search.New(a.Projection, a.Lexical, vectors, &search.Options{
		OverFetch:      cfg.OverFetch,
		DefaultProfile: cfg.SearchProfile,
		MaxHops:        cfg.MaxHops,
		Cache:          a.cache,
		Hydrator:       search.CacheHydrator{Cache: a.Sync},
		Logger:         log,
	})

	a.unsubscribe = a.Sync.Subscribe(a.onState)

	if err := a.Sync.Initialize(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to hydrate: %w", err)
	}
	return a, nil
}

// onState keeps the derived indices current and drops stale search results.
// States older than the last one applied are ignored.
func (a *App) onState(st syncengine.State) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.appliedFirst && st.Version < a.applied {
		a.Log.Debug().Uint64("version", st.Version).Uint64("applied", a.applied).Msg("skipping stale state")
		return
	}
	a.applied, a.appliedFirst = st.Version, true

	a.Lexical.Sync(st)

	if a.Vectors != nil && st.Hydrated {
		a.pruneVectors(st)
	}

	if err := a.Search.InvalidateCache(context.Background()); err != nil {
		a.Log.Warn().Err(err).Msg("failed to purge search cache")
	}
}

// onRecompute drops search results cached while analytics were stale.
func (a *App) onRecompute() {
	if a.Search == nil {
		return
	}
	if err := a.Search.InvalidateCache(context.Background()); err != nil {
		a.Log.Warn().Err(err).Msg("failed to purge search cache after recompute")
	}
}

// pruneVectors drops embeddings of records that disappeared since the last
// state. On the first hydrated state of a persistent store every embedding
// without a record is dropped; a memory store starts empty, so its records
// are expected to arrive after hydration.
func (a *App) pruneVectors(st syncengine.State) {
	live := make(map[string]bool, len(st.Notes)+len(st.Entities)+len(st.Folders))
	for _, n := range st.Notes {
		live[n.ID] = true
	}
	for _, e := range st.Entities {
		live[e.ID] = true
	}
	for _, f := range st.Folders {
		live[f.ID] = true
	}

	a.liveMu.Lock()
	defer a.liveMu.Unlock()
	if a.live == nil {
		if a.Config.StorageBackend != "memory" {
			if n := a.Vectors.Prune(live); n > 0 {
				a.Log.Info().Int("pruned", n).Msg("dropped embeddings without records")
			}
		}
	} else {
		for id := range a.live {
			if !live[id] {
				a.Vectors.Delete(id)
			}
		}
	}
	a.live = live
}

// UpsertEmbedding stores vec for id under tier in whichever vector backend
// is active, then drops cached search results.
func (a *App) UpsertEmbedding(ctx context.Context, tier, id string, vec []float32) error {
	if tier == "" {
		tier = a.Config.VectorTier
	}
	var err error
	switch {
	case a.Vectors != nil:
		err = a.Vectors.Upsert(tier, id, vec)
	case a.sqlite != nil:
		err = a.sqlite.UpsertEmbedding(id, tier, vec)
	default:
		err = ErrNoVectorIndex
	}
	if err != nil {
		return err
	}
	return a.Search.InvalidateCache(ctx)
}

// DeleteEmbedding removes every tier's vector for id.
func (a *App) DeleteEmbedding(ctx context.Context, id string) error {
	var err error
	switch {
	case a.Vectors != nil:
		a.Vectors.Delete(id)
	case a.sqlite != nil:
		err = a.sqlite.DeleteEmbedding(id)
	default:
		err = ErrNoVectorIndex
	}
	if err != nil {
		return err
	}
	return a.Search.InvalidateCache(ctx)
}

// CacheStats reports the search cache counters.
func (a *App) CacheStats() searchcache.Stats {
	if a.cache == nil {
		return searchcache.Stats{}
	}
	return a.cache.Stats()
}

// Close flushes pending writes, saves vectors and releases every resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.Sync != nil {
		if err := a.Sync.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if a.Vectors != nil {
		if err := a.Vectors.Save(); err != nil {
			errs = append(errs, fmt.Errorf("vectors: %w", err))
		}
	}
	if a.Projection != nil {
		a.Projection.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

func openStore(cfg *config.Config) (store.Storer, error) {
	switch cfg.StorageBackend {
	case "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStoreWithDSN(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case "badger":
		s, err := openBadger(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func openVectors(cfg *config.Config, log zerolog.Logger) (*vector.Store, error) {
	if cfg.VectorDir == "" || cfg.StorageBackend == "memory" {
		return vector.NewStore(nil, "", cfg.VectorTier, log)
	}
	abs, err := filepath.Abs(cfg.VectorDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vector dir: %w", err)
	}
	fsys := osfs.NewFS()
	dir, err := fsys.FromOSPath(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to map vector dir: %w", err)
	}
	return vector.NewStore(fsys, dir, cfg.VectorTier, log)
}

func openCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (searchcache.Cache[search.Response], error) {
	switch cfg.CacheBackend {
	case "none":
		return nil, nil
	case "redis":
		c, err := searchcache.NewRedisCache[search.Response](ctx, searchcache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			TTL:      cfg.CacheTTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to redis, falling back to memory cache")
			return searchcache.NewMemoryCache[search.Response](cfg.CacheSize, cfg.CacheTTL), nil
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis search cache")
		return c, nil
	}
	log.Info().Int("size", cfg.CacheSize).Msg("using in-memory search cache")
	return searchcache.NewMemoryCache[search.Response](cfg.CacheSize, cfg.CacheTTL), nil
}
