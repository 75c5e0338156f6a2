// Package syncengine is the single mutation entry point for the local graph.
//
// Every write is applied to the in-memory caches and the graph projection
// before the call returns, then queued on a write buffer that persists it in
// the background. When a batch fails to persist the engine drops what is
// still queued and rehydrates everything from the store.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/mutation"
	"github.com/kittclouds/kittgraph/pkg/writebuffer"
)

var (
	// ErrNotHydrated is returned by mutations issued before Initialize.
	ErrNotHydrated = errors.New("syncengine: not hydrated")
	// ErrValidation is returned when a payload is missing required fields.
	ErrValidation = errors.New("syncengine: validation failed")
	// ErrNotFound is returned when a mutation targets an unknown id.
	ErrNotFound = errors.New("syncengine: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("syncengine: closed")
)

// State is the full local state handed to subscribers.
type State struct {
	Notes    []*store.Note   `json:"notes"`
	Folders  []*store.Folder `json:"folders"`
	Entities []*store.Entity `json:"entities"`
	Edges    []*store.Edge   `json:"edges"`
	Hydrated bool            `json:"hydrated"`
	Pending  bool            `json:"pending"`
	Version  uint64          `json:"version"`
}

// Listener receives the state after every local mutation and every resync.
type Listener func(State)

// Options configures an Engine.
type Options struct {
	// FlushDelay is the write buffer debounce window.
	FlushDelay time.Duration
	Logger     zerolog.Logger
	// Meter receives the kittgraph.sync.* instruments. Nil uses the global
	// meter provider.
	Meter metric.Meter
	Now   func() time.Time
}

// Engine owns the note, folder, entity and edge caches.
type Engine struct {
	store   store.Storer
	proj    *graph.Projection
	buf     *writebuffer.Buffer
	log     zerolog.Logger
	now     func() time.Time
	metrics *counters

	mu       sync.RWMutex
	hydrated bool
	closed   bool
	version  uint64
	notes    map[string]*store.Note
	folders  map[string]*store.Folder
	entities map[string]*store.Entity
	edges    map[string]*store.Edge

	subMu   sync.Mutex
	subs    map[uint64]Listener
	nextSub uint64
}

// New creates an engine over s that keeps proj current. Call Initialize
// before issuing mutations.
func New(s store.Storer, proj *graph.Projection, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	e := &Engine{
		store:    s,
		proj:     proj,
		log:      opts.Logger.With().Str("component", "sync").Logger(),
		now:      opts.Now,
		metrics:  newCounters(opts.Meter),
		notes:    make(map[string]*store.Note),
		folders:  make(map[string]*store.Folder),
		entities: make(map[string]*store.Entity),
		edges:    make(map[string]*store.Edge),
		subs:     make(map[uint64]Listener),
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.buf = writebuffer.New(e.execute, e.rollback,
		writebuffer.WithDelay(opts.FlushDelay),
		writebuffer.WithLogger(e.log),
		writebuffer.WithObserver(func(r writebuffer.FlushResult) { e.metrics.flushed(r.Duration) }),
	)
	return e
}

// Projection returns the graph projection the engine keeps current.
func (e *Engine) Projection() *graph.Projection {
	return e.proj
}

// Initialize hydrates the caches and the projection from the store.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.hydrate(); err != nil {
		return err
	}
	e.log.Info().
		Int("notes", len(e.notes)).
		Int("folders", len(e.folders)).
		Int("entities", len(e.entities)).
		Int("edges", len(e.edges)).
		Msg("hydrated")
	e.notify()
	return nil
}

func (e *Engine) hydrate() error {
	snap, err := store.LoadSnapshot(e.store)
	if err != nil {
		return fmt.Errorf("failed to hydrate: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.notes = make(map[string]*store.Note, len(snap.Notes))
	for _, n := range snap.Notes {
		e.notes[n.ID] = n
	}
	e.folders = make(map[string]*store.Folder, len(snap.Folders))
	for _, f := range snap.Folders {
		e.folders[f.ID] = f
	}
	e.entities = make(map[string]*store.Entity, len(snap.Entities))
	for _, en := range snap.Entities {
		e.entities[en.ID] = en
	}
	e.edges = make(map[string]*store.Edge, len(snap.Edges))
	for _, ed := range snap.Edges {
		e.edges[ed.ID] = ed
	}
	if e.proj != nil {
		e.proj.BuildFromCache(snap.Entities, snap.Edges, snap.Notes, snap.Folders)
	}
	e.hydrated = true
	e.version++
	return nil
}

func (e *Engine) execute(_ context.Context, batch []*mutation.Mutation) error {
	return mutation.ApplyAll(e.store, batch)
}

// rollback runs on the flush goroutine after a batch failed. Local state is
// rebuilt from the store, so optimistic writes that never landed disappear.
func (e *Engine) rollback(_ context.Context, batch []*mutation.Mutation, cause error) {
	dropped := e.buf.Discard()
	for _, m := range dropped {
		m.Status = mutation.Failed
	}
	e.metrics.rolledBack(len(batch), len(dropped))
	e.log.Error().Err(cause).
		Int("failed", len(batch)).
		Int("discarded", len(dropped)).
		Msg("batch failed, resyncing from store")

	if err := e.hydrate(); err != nil {
		e.log.Error().Err(err).Msg("resync failed")
		return
	}
	e.notify()
}

// guardLocked checks that mutations are allowed.
func (e *Engine) guardLocked() error {
	if e.closed {
		return ErrClosed
	}
	if !e.hydrated {
		return ErrNotHydrated
	}
	return nil
}

// reject logs a refused mutation and returns err.
func (e *Engine) reject(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		e.log.Warn().Err(err).Str("op", op).Msg("mutation ignored")
	case errors.Is(err, ErrValidation):
		e.log.Error().Err(err).Str("op", op).Msg("mutation rejected")
	default:
		e.log.Error().Err(err).Str("op", op).Msg("mutation refused")
	}
	return err
}

// commitLocked enqueues the mutations derived from one call. The caller
// holds e.mu so queue order matches cache order.
func (e *Engine) commitLocked(ms ...*mutation.Mutation) {
	for _, m := range ms {
		if err := e.buf.Enqueue(m); err != nil {
			e.log.Error().Err(err).Str("type", m.Type.String()).Msg("enqueue failed")
			continue
		}
	}
	e.metrics.enqueued(len(ms))
	e.version++
}

// FlushNow persists every queued mutation immediately.
func (e *Engine) FlushNow(ctx context.Context) error {
	return e.buf.FlushNow(ctx)
}

// HasPendingChanges reports whether local writes are not yet persisted.
func (e *Engine) HasPendingChanges() bool {
	return e.buf.HasPending()
}

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = l
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) notify() {
	e.subMu.Lock()
	listeners := make([]Listener, 0, len(e.subs))
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners = append(listeners, e.subs[id])
	}
	e.subMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	st := e.State()
	for _, l := range listeners {
		l(st)
	}
}

// State returns a copy of the full local state.
func (e *Engine) State() State {
	e.mu.RLock()
	st := State{
		Notes:    e.listNotesLocked(""),
		Folders:  e.listFoldersLocked(),
		Entities: e.listEntitiesLocked(""),
		Edges:    e.listEdgesLocked(),
		Hydrated: e.hydrated,
		Version:  e.version,
	}
	e.mu.RUnlock()
	st.Pending = e.buf.HasPending()
	return st
}

// Metrics returns the current counters.
func (e *Engine) Metrics() Metrics {
	return e.metrics.snapshot()
}

// Close flushes pending writes and refuses further mutations. The store and
// the projection stay open; their owner closes them.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return e.buf.Close(ctx)
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}
