package syncengine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/mutation"
)

// flakyStore fails note upserts while failNotes is set. Embedding the
// interface hides MemStore.Begin, so batches apply without a transaction.
type flakyStore struct {
	store.Storer
	failNotes atomic.Bool
}

func (s *flakyStore) UpsertNote(n *store.Note) error {
	if s.failNotes.Load() {
		return errors.New("disk full")
	}
	return s.Storer.UpsertNote(n)
}

func newEngine(t *testing.T, s store.Storer) (*Engine, *graph.Projection) {
	t.Helper()
	proj := graph.NewProjection(&graph.Options{RecomputeDelay: time.Hour})
	t.Cleanup(proj.Close)
	e := New(s, proj, &Options{FlushDelay: time.Hour})
	require.NoError(t, e.Initialize(context.Background()))
	return e, proj
}

func TestMutationsRequireHydration(t *testing.T) {
	e := New(store.NewMemStore(), nil, nil)
	_, err := e.CreateNote(&store.Note{Title: "X"})
	assert.ErrorIs(t, err, ErrNotHydrated)
	assert.False(t, e.HasPendingChanges())
}

func TestReadYourWrites(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	n, err := e.CreateNote(&store.Note{Title: "X"})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)

	got, ok := e.GetNote(n.ID)
	require.True(t, ok)
	assert.Equal(t, "X", got.Title)
	assert.True(t, e.HasPendingChanges(), "nothing has been flushed yet")

	m := e.Metrics()
	assert.EqualValues(t, 1, m.TotalMutations)
	assert.EqualValues(t, 1, m.CacheHits)
	assert.EqualValues(t, 0, m.Flushes)
}

func TestLookupRecordIsNotMetered(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())
	f, err := e.CreateFolder(&store.Folder{Name: "Places"})
	require.NoError(t, err)
	en, err := e.UpsertEntity(&store.Entity{Label: "Mara", Kind: "CHARACTER"})
	require.NoError(t, err)

	n, ent, fo := e.LookupRecord(en.ID)
	assert.Nil(t, n)
	assert.Nil(t, fo)
	require.NotNil(t, ent)
	assert.Equal(t, "Mara", ent.Label)

	n, ent, fo = e.LookupRecord(f.ID)
	assert.Nil(t, n)
	assert.Nil(t, ent)
	require.NotNil(t, fo)

	n, ent, fo = e.LookupRecord("missing")
	assert.Nil(t, n)
	assert.Nil(t, ent)
	assert.Nil(t, fo)

	m := e.Metrics()
	assert.Zero(t, m.CacheHits)
	assert.Zero(t, m.CacheMisses)
}

func TestFlushPersists(t *testing.T) {
	s := store.NewMemStore()
	e, _ := newEngine(t, s)

	f, err := e.CreateFolder(&store.Folder{Name: "Characters"})
	require.NoError(t, err)
	n, err := e.CreateNote(&store.Note{Title: "Frodo", FolderID: f.ID})
	require.NoError(t, err)

	persisted, err := s.GetNote(n.ID)
	require.NoError(t, err)
	assert.Nil(t, persisted, "not persisted before flush")

	require.NoError(t, e.FlushNow(context.Background()))
	assert.False(t, e.HasPendingChanges())

	persisted, err = s.GetNote(n.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, "Frodo", persisted.Title)
	assert.EqualValues(t, 1, e.Metrics().Flushes)
}

func TestDebouncedFlush(t *testing.T) {
	s := store.NewMemStore()
	proj := graph.NewProjection(nil)
	t.Cleanup(proj.Close)
	e := New(s, proj, &Options{FlushDelay: 20 * time.Millisecond})
	require.NoError(t, e.Initialize(context.Background()))

	for _, title := range []string{"a", "b", "c"} {
		_, err := e.CreateNote(&store.Note{Title: title})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return e.Metrics().Flushes == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, e.HasPendingChanges())

	count, err := s.CountNotes()
	require.NoError(t, err)
	assert.Equal(t, 3, count, "one flush for the burst")
}

func TestFailedFlushResyncs(t *testing.T) {
	s := &flakyStore{Storer: store.NewMemStore()}
	require.NoError(t, s.Storer.UpsertNote(&store.Note{ID: "kept", Title: "Kept"}))
	e, proj := newEngine(t, s)

	var states []State
	unsubscribe := e.Subscribe(func(st State) { states = append(states, st) })
	defer unsubscribe()

	s.failNotes.Store(true)
	n, err := e.CreateNote(&store.Note{Title: "Lost"})
	require.NoError(t, err)
	_, ok := proj.Node(n.ID)
	require.True(t, ok, "projection sees the optimistic note")

	err = e.FlushNow(context.Background())
	require.Error(t, err)

	m := e.Metrics()
	assert.EqualValues(t, 1, m.FailedMutations)
	assert.EqualValues(t, 1, m.Rollbacks)

	_, ok = e.GetNote(n.ID)
	assert.False(t, ok, "resync discards the optimistic note")
	_, ok = e.GetNote("kept")
	assert.True(t, ok)
	_, ok = proj.Node(n.ID)
	assert.False(t, ok, "projection is rebuilt from the store")

	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Len(t, last.Notes, 1)
	assert.False(t, last.Pending)
}

func TestRollbackDiscardsQueuedWrites(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	_, err := e.CreateNote(&store.Note{Title: "first"})
	require.NoError(t, err)
	_, err = e.CreateNote(&store.Note{Title: "second"})
	require.NoError(t, err)
	queued := e.buf.Pending()
	require.Len(t, queued, 2)

	e.rollback(context.Background(), nil, errors.New("boom"))

	m := e.Metrics()
	assert.EqualValues(t, 0, m.FailedMutations)
	assert.EqualValues(t, 2, m.DiscardedMutations)
	assert.EqualValues(t, 1, m.Rollbacks)
	for _, q := range queued {
		assert.Equal(t, mutation.Failed, q.Status)
	}
	assert.Empty(t, e.ListNotes(""))
	assert.False(t, e.HasPendingChanges())
}

func TestValidationAndNotFoundAreNoOps(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	calls := 0
	e.Subscribe(func(State) { calls++ })

	_, err := e.CreateFolder(&store.Folder{Name: "  "})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.UpsertEntity(&store.Entity{Label: "Gandalf"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.UpsertEntity(&store.Entity{Label: "Gandalf", Kind: "CHARACTER", Confidence: store.Confidence(1.5)})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.UpdateNote(&store.Note{ID: "missing", Title: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, e.DeleteEntity("missing"), ErrNotFound)
	_, err = e.CreateEdge(&store.Edge{SourceID: "a", TargetID: "b"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.CreateNote(&store.Note{Title: "x", FolderID: "nowhere"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, calls)
	assert.False(t, e.HasPendingChanges())
	assert.EqualValues(t, 0, e.Metrics().TotalMutations)
}

func TestZeroConfidenceIsKept(t *testing.T) {
	e, proj := newEngine(t, store.NewMemStore())
	en, err := e.UpsertEntity(&store.Entity{Label: "Doubtful", Kind: "CHARACTER", Confidence: store.Confidence(0)})
	require.NoError(t, err)

	got, ok := e.GetEntity(en.ID)
	require.True(t, ok)
	require.NotNil(t, got.Confidence)
	assert.Zero(t, *got.Confidence)

	proj.SetConfidenceThreshold(0.5)
	for _, n := range proj.FilteredSubgraph().Nodes {
		assert.NotEqual(t, en.ID, n.ID)
	}
}

func TestEntityCascade(t *testing.T) {
	s := store.NewMemStore()
	e, proj := newEngine(t, s)

	a, err := e.UpsertEntity(&store.Entity{Label: "Frodo", Kind: "character"})
	require.NoError(t, err)
	assert.Equal(t, "CHARACTER", a.Kind)
	b, err := e.UpsertEntity(&store.Entity{Label: "Sam", Kind: "CHARACTER"})
	require.NoError(t, err)
	c, err := e.UpsertEntity(&store.Entity{Label: "Shire", Kind: "LOCATION"})
	require.NoError(t, err)

	ab, err := e.CreateEdge(&store.Edge{SourceID: a.ID, TargetID: b.ID, RelType: "FRIEND_OF", Weight: 2})
	require.NoError(t, err)
	_, err = e.CreateEdge(&store.Edge{SourceID: c.ID, TargetID: a.ID, RelType: "HOME_OF"})
	require.NoError(t, err)
	bc, err := e.CreateEdge(&store.Edge{SourceID: b.ID, TargetID: c.ID, RelType: "LIVES_IN"})
	require.NoError(t, err)
	require.NoError(t, e.FlushNow(context.Background()))

	require.NoError(t, e.DeleteEntity(a.ID))
	edges := e.ListEdges()
	require.Len(t, edges, 1)
	assert.Equal(t, bc.ID, edges[0].ID)
	_, ok := e.GetEdge(ab.ID)
	assert.False(t, ok)
	assert.Empty(t, proj.Neighbors(a.ID))
	_, ok = proj.Edge(ab.ID)
	assert.False(t, ok)

	// DeleteEntity + two cascaded DeleteEdge mutations.
	m := e.Metrics()
	assert.EqualValues(t, 3+3+3, m.TotalMutations)

	require.NoError(t, e.FlushNow(context.Background()))
	stored, err := s.ListEdges()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, bc.ID, stored[0].ID)
}

func TestFolderCascade(t *testing.T) {
	s := store.NewMemStore()
	e, _ := newEngine(t, s)

	root, err := e.CreateFolder(&store.Folder{Name: "World"})
	require.NoError(t, err)
	child, err := e.CreateFolder(&store.Folder{Name: "Places", ParentID: root.ID})
	require.NoError(t, err)
	other, err := e.CreateFolder(&store.Folder{Name: "Other"})
	require.NoError(t, err)

	n1, err := e.CreateNote(&store.Note{Title: "Overview", FolderID: root.ID})
	require.NoError(t, err)
	n2, err := e.CreateNote(&store.Note{Title: "Mordor", FolderID: child.ID})
	require.NoError(t, err)
	n3, err := e.CreateNote(&store.Note{Title: "Elsewhere", FolderID: other.ID})
	require.NoError(t, err)
	_, err = e.CreateEdge(&store.Edge{SourceID: n3.ID, TargetID: n2.ID, RelType: "MENTIONS"})
	require.NoError(t, err)
	require.NoError(t, e.FlushNow(context.Background()))

	require.NoError(t, e.DeleteFolder(root.ID))

	_, ok := e.GetFolder(child.ID)
	assert.False(t, ok, "subfolder removed")
	_, ok = e.GetNote(n1.ID)
	assert.False(t, ok)
	_, ok = e.GetNote(n2.ID)
	assert.False(t, ok)
	_, ok = e.GetNote(n3.ID)
	assert.True(t, ok, "notes outside the subtree survive")
	assert.Empty(t, e.ListEdges())

	require.NoError(t, e.FlushNow(context.Background()))
	folders, err := s.ListFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, other.ID, folders[0].ID)
	count, err := s.CountNotes()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateFolderRejectsCycles(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	a, err := e.CreateFolder(&store.Folder{Name: "a"})
	require.NoError(t, err)
	b, err := e.CreateFolder(&store.Folder{Name: "b", ParentID: a.ID})
	require.NoError(t, err)

	a.ParentID = b.ID
	_, err = e.UpdateFolder(a)
	assert.ErrorIs(t, err, ErrValidation)

	a.ParentID = a.ID
	_, err = e.UpdateFolder(a)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestProjectionFollowsWrites(t *testing.T) {
	e, proj := newEngine(t, store.NewMemStore())

	a, err := e.UpsertEntity(&store.Entity{ID: "a", Label: "A", Kind: "CONCEPT"})
	require.NoError(t, err)
	_, err = e.UpsertEntity(&store.Entity{ID: "b", Label: "B", Kind: "CONCEPT"})
	require.NoError(t, err)
	_, err = e.UpsertEntity(&store.Entity{ID: "c", Label: "C", Kind: "CONCEPT"})
	require.NoError(t, err)
	_, err = e.CreateEdge(&store.Edge{SourceID: "a", TargetID: "b", Weight: 5})
	require.NoError(t, err)
	_, err = e.CreateEdge(&store.Edge{SourceID: "b", TargetID: "c", Weight: 1})
	require.NoError(t, err)

	assert.True(t, proj.IsDirty())
	proj.RecomputeNow()
	assert.Equal(t, 0.5, proj.Centrality("a").Degree)
	assert.Equal(t, 1.0, proj.Centrality("b").Degree)
	assert.Equal(t, 0.5, proj.Centrality("c").Degree)

	a.Label = "Alpha"
	_, err = e.UpsertEntity(a)
	require.NoError(t, err)
	node, ok := proj.Node("a")
	require.True(t, ok)
	assert.Equal(t, "Alpha", node.Label)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	var got []State
	unsubscribe := e.Subscribe(func(st State) { got = append(got, st) })

	_, err := e.CreateNote(&store.Note{Title: "one"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Notes, 1)
	assert.True(t, got[0].Hydrated)
	assert.True(t, got[0].Pending)

	unsubscribe()
	_, err = e.CreateNote(&store.Note{Title: "two"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCloseFlushesAndRefuses(t *testing.T) {
	s := store.NewMemStore()
	e, _ := newEngine(t, s)

	_, err := e.CreateNote(&store.Note{ID: "n1", Title: "last words"})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	n, err := s.GetNote("n1")
	require.NoError(t, err)
	require.NotNil(t, n)

	_, err = e.CreateNote(&store.Note{Title: "too late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadsReturnCopies(t *testing.T) {
	e, _ := newEngine(t, store.NewMemStore())

	en, err := e.UpsertEntity(&store.Entity{ID: "x", Label: "X", Kind: "CONCEPT", Aliases: []string{"ex"}})
	require.NoError(t, err)
	en.Aliases[0] = "changed"

	got, ok := e.GetEntity("x")
	require.True(t, ok)
	assert.Equal(t, []string{"ex"}, got.Aliases)
	assert.Len(t, e.ListEntities("concept"), 1)
}
