package graph

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/store"
)

func entity(id, label, kind string) *store.Entity {
	return &store.Entity{ID: id, Label: label, Kind: kind, CreatedBy: "user", Confidence: store.Confidence(1)}
}

func edge(id, src, dst string, weight float64) *store.Edge {
	return &store.Edge{ID: id, SourceID: src, TargetID: dst, RelType: "KNOWS", Weight: weight, Confidence: store.Confidence(1)}
}

func newTestProjection(t *testing.T, delay time.Duration, recomputes *int32) *Projection {
	t.Helper()
	p := NewProjection(&Options{
		RecomputeDelay: delay,
		OnRecompute: func() {
			if recomputes != nil {
				atomic.AddInt32(recomputes, 1)
			}
		},
	})
	t.Cleanup(p.Close)
	return p
}

// assertSymmetric checks adjacency symmetry and that no retained edge is
// dangling.
func assertSymmetric(t *testing.T, p *Projection) {
	t.Helper()
	snap := p.Snapshot()
	nodes := map[string]bool{}
	for _, n := range snap.Nodes {
		nodes[n.ID] = true
	}
	for _, e := range snap.Edges {
		assert.True(t, nodes[e.Source], "edge %s source %s missing", e.ID, e.Source)
		assert.True(t, nodes[e.Target], "edge %s target %s missing", e.ID, e.Target)
		assert.Contains(t, snap.Adjacency[e.Source], e.Target)
		assert.Contains(t, snap.Adjacency[e.Target], e.Source)
	}
	for a, list := range snap.Adjacency {
		for _, b := range list {
			assert.Contains(t, snap.Adjacency[b], a, "adjacency %s-%s not symmetric", a, b)
		}
	}
}

func TestProjectionDegreeScenario(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("A", "Alpha", "CHARACTER"), entity("B", "Beta", "CHARACTER"), entity("C", "Gamma", "CHARACTER")},
		[]*store.Edge{edge("ab", "A", "B", 5), edge("bc", "B", "C", 1)},
		nil, nil,
	)

	assert.Equal(t, 0.5, p.Centrality("A").Degree)
	assert.Equal(t, 1.0, p.Centrality("B").Degree)
	assert.Equal(t, 0.5, p.Centrality("C").Degree)
	assert.False(t, p.IsDirty())
	assert.False(t, p.LastUpdated().IsZero())
	assertSymmetric(t, p)
}

func TestProjectionDropsDanglingEdges(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("A", "Alpha", "CHARACTER")},
		[]*store.Edge{edge("ghost", "A", "missing", 1)},
		[]*store.Note{{ID: "n1", Title: "Notes"}},
		nil,
	)

	_, ok := p.Edge("ghost")
	assert.False(t, ok)
	assert.Empty(t, p.Neighbors("A"))
	assert.Equal(t, 2, p.Stats().Orphans)

	// The edge comes alive once its endpoint appears.
	p.OnEntityChange(entity("missing", "Late", "CHARACTER"), ChangeAdd)
	_, ok = p.Edge("ghost")
	assert.True(t, ok)
	assert.Equal(t, []string{"missing"}, p.Neighbors("A"))
	assertSymmetric(t, p)
}

func TestProjectionMergesDuplicatesAndRewires(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	frodo := entity("f1", "Frodo", "CHARACTER")
	frodo.CreatedAt = 1
	dup := entity("f2", "frodo", "CHARACTER")
	dup.CreatedAt = 2
	sam := entity("s", "Sam", "CHARACTER")

	p.BuildFromCache([]*store.Entity{frodo, dup, sam}, []*store.Edge{edge("e1", "f2", "s", 1)}, nil, nil)

	_, ok := p.Node("f2")
	assert.False(t, ok, "only the canonical node survives")
	node, ok := p.Node("f1")
	require.True(t, ok)
	assert.Equal(t, []string{"f2"}, node.MergedIDs)
	assert.Equal(t, "f1", p.Resolve("f2"))

	e, ok := p.Edge("e1")
	require.True(t, ok)
	assert.Equal(t, "f1", e.Source, "edge resolves to the canonical id")
	assert.Equal(t, []string{"s"}, p.Neighbors("f1"))

	// Removing the canonical record promotes the duplicate.
	p.OnEntityChange(frodo, ChangeDelete)
	_, ok = p.Node("f1")
	assert.False(t, ok)
	_, ok = p.Node("f2")
	assert.True(t, ok)
	assert.Equal(t, []string{"f2"}, p.Neighbors("s"))
	assertSymmetric(t, p)
}

func TestProjectionRelabelMovesGroup(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("a", "Strider", "CHARACTER"), entity("b", "Aragorn", "CHARACTER")},
		[]*store.Edge{edge("e", "a", "b", 1)},
		nil, nil,
	)
	require.Len(t, p.Nodes(), 2)

	// Renaming a into b's group merges the two and the edge becomes a self-loop.
	renamed := entity("a", "Aragorn", "CHARACTER")
	renamed.CreatedAt = 5
	p.OnEntityChange(renamed, ChangeUpdate)

	nodes := p.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "b", nodes[0].ID)
	_, ok := p.Edge("e")
	assert.False(t, ok)
	assert.Empty(t, p.Neighbors("b"))
}

func TestProjectionBidirectionalAndDirectedLinks(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	bi := edge("bi", "a", "b", 1)
	bi.Bidirectional = true
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X"), entity("c", "C", "X")},
		[]*store.Edge{bi, edge("ac", "a", "c", 1)},
		nil, nil,
	)

	links := p.Links("c")
	require.Len(t, links, 1)
	assert.Equal(t, Incoming, links[0].Dir)
	assert.Equal(t, "a", links[0].Neighbor)

	links = p.Links("b")
	require.Len(t, links, 1)
	assert.Equal(t, Both, links[0].Dir)

	// Directed edges still wire both adjacency directions.
	assert.Equal(t, []string{"a"}, p.Neighbors("c"))
	assertSymmetric(t, p)
}

func TestProjectionParallelEdgesKeepAdjacency(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X")},
		[]*store.Edge{edge("e1", "a", "b", 1), edge("e2", "b", "a", 1)},
		nil, nil,
	)
	p.OnEdgeChange(edge("e1", "a", "b", 1), ChangeDelete)
	assert.Equal(t, []string{"b"}, p.Neighbors("a"), "e2 still connects the pair")

	p.OnEdgeChange(edge("e2", "b", "a", 1), ChangeDelete)
	assert.Empty(t, p.Neighbors("a"))
	assert.Empty(t, p.Neighbors("b"))
}

func TestProjectionDebounceCoalesces(t *testing.T) {
	var recomputes int32
	p := newTestProjection(t, 50*time.Millisecond, &recomputes)
	p.BuildFromCache([]*store.Entity{entity("hub", "Hub", "X")}, nil, nil, nil)
	require.EqualValues(t, 1, atomic.LoadInt32(&recomputes))

	for i := 0; i < 10; i++ {
		id := string(rune('a' + i))
		p.OnEntityChange(entity(id, "Leaf "+id, "X"), ChangeAdd)
		p.OnEdgeChange(edge("e"+id, "hub", id, 1), ChangeAdd)
	}
	assert.True(t, p.IsDirty())
	assert.Equal(t, 0.0, p.Centrality("hub").Degree, "analytics are stale until the recompute")

	require.Eventually(t, func() bool { return atomic.LoadInt32(&recomputes) == 2 },
		time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&recomputes), "burst triggers exactly one recompute")

	assert.False(t, p.IsDirty())
	assert.Equal(t, 1.0, p.Centrality("hub").Degree, "recompute reflects the final state")
	assert.Equal(t, 2, p.Stats().Recomputes)
}

func TestProjectionRecomputeNowCancelsTimer(t *testing.T) {
	var recomputes int32
	p := newTestProjection(t, 30*time.Millisecond, &recomputes)
	p.BuildFromCache(nil, nil, nil, nil)
	p.OnEntityChange(entity("a", "A", "X"), ChangeAdd)
	p.RecomputeNow()
	assert.False(t, p.IsDirty())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&recomputes))
}

func TestProjectionExpiresEdgesOnRecompute(t *testing.T) {
	var now atomic.Int64
	now.Store(500)
	p := NewProjection(&Options{
		RecomputeDelay: time.Hour,
		Now:            func() time.Time { return time.UnixMilli(now.Load()) },
	})
	t.Cleanup(p.Close)

	expiring := edge("ab", "a", "b", 1)
	at := int64(1000)
	expiring.InvalidAt = &at
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X"), entity("c", "C", "X")},
		[]*store.Edge{expiring, edge("bc", "b", "c", 1)},
		nil, nil,
	)
	_, ok := p.Edge("ab")
	require.True(t, ok)
	assert.Equal(t, 1, p.Degree("a"))

	now.Store(1000)
	p.RecomputeNow()

	_, ok = p.Edge("ab")
	assert.False(t, ok)
	assert.Zero(t, p.Degree("a"))
	assert.Equal(t, 1, p.Degree("b"))
	assert.Len(t, p.FilteredSubgraph().Edges, 1)
	assertSymmetric(t, p)
}

func TestProjectionZeroConfidenceIsFiltered(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.SetConfidenceThreshold(0.5)

	zero := entity("a", "A", "X")
	zero.Confidence = store.Confidence(0)
	unset := entity("b", "B", "X")
	unset.Confidence = nil
	c := entity("c", "C", "X")
	ab := edge("ab", "a", "b", 1)
	ab.Confidence = store.Confidence(0)
	bc := edge("bc", "b", "c", 1)
	bc.Confidence = store.Confidence(0)
	p.BuildFromCache([]*store.Entity{zero, unset, c}, []*store.Edge{ab, bc}, nil, nil)

	n, ok := p.Node("a")
	require.True(t, ok)
	assert.Zero(t, n.Confidence)
	e, ok := p.Edge("ab")
	require.True(t, ok)
	assert.Zero(t, e.Confidence)
	assert.Zero(t, e.Strength)

	sub := p.FilteredSubgraph()
	ids := make(map[string]bool)
	for _, n := range sub.Nodes {
		ids[n.ID] = true
	}
	assert.False(t, ids["a"], "zero-confidence node passed threshold")
	assert.True(t, ids["b"], "unset confidence reads as 1")
	assert.Empty(t, sub.Edges)
}

func TestProjectionConfidenceThreshold(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	weak := entity("w", "Weak", "X")
	weak.Confidence = store.Confidence(0.3)
	lowEdge := edge("bc", "b", "c", 1)
	lowEdge.Confidence = store.Confidence(0.5)
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X"), entity("c", "C", "X"), weak},
		[]*store.Edge{edge("ab", "a", "b", 1), lowEdge, edge("aw", "a", "w", 1)},
		nil, nil,
	)

	prev := p.FilteredSubgraph()
	assert.Len(t, prev.Nodes, 4)
	assert.Len(t, prev.Edges, 3)

	for _, th := range []float64{0.4, 0.6, 1} {
		p.SetConfidenceThreshold(th)
		sub := p.FilteredSubgraph()
		assert.LessOrEqual(t, len(sub.Nodes), len(prev.Nodes))
		assert.LessOrEqual(t, len(sub.Edges), len(prev.Edges))
		for _, n := range sub.Nodes {
			assert.GreaterOrEqual(t, n.Confidence, th)
		}
		for _, e := range sub.Edges {
			assert.GreaterOrEqual(t, e.Confidence, th)
		}
		prev = sub
	}

	// Edges below the threshold stay in the projection; only analytics ignore them.
	p.SetConfidenceThreshold(0.6)
	_, ok := p.Edge("bc")
	assert.True(t, ok)
	assert.Equal(t, 0.0, p.Centrality("c").Degree)

	p.SetConfidenceThreshold(7)
	assert.Equal(t, 1.0, p.Threshold())
	p.SetConfidenceThreshold(-1)
	assert.Equal(t, 0.0, p.Threshold())
}

func TestProjectionNotesAndFolders(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("e", "Bree", "LOCATION")},
		[]*store.Edge{edge("mention", "e", "n1", 1)},
		[]*store.Note{{ID: "n1", Title: "Prancing Pony", FolderID: "f1"}, {ID: "n2", Title: "Weathertop", FolderID: "f1"}},
		[]*store.Folder{{ID: "f1", Name: "Places"}, {ID: "f2", Name: "Inns", ParentID: "f1"}},
	)

	inFolder := p.NodesByFolder("f1")
	require.Len(t, inFolder, 3)
	assert.Equal(t, "f2", inFolder[0].ID)

	assert.Len(t, p.NodesByType(NodeNote), 2)
	assert.Len(t, p.NodesByType(NodeFolder), 2)
	assert.Len(t, p.NodesByKind("LOCATION"), 1)

	p.OnNoteChange(&store.Note{ID: "n1"}, ChangeDelete)
	_, ok := p.Edge("mention")
	assert.False(t, ok, "edge to a deleted note is unwired")
	assert.Empty(t, p.Neighbors("e"))

	p.OnFolderChange(&store.Folder{ID: "f3", Name: "Roads", ParentID: "f1"}, ChangeAdd)
	assert.Len(t, p.NodesByFolder("f1"), 3)
	assertSymmetric(t, p)
}

func TestProjectionTraversal(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X"), entity("c", "C", "X"), entity("d", "D", "X")},
		[]*store.Edge{edge("ab", "a", "b", 1), edge("bc", "b", "c", 1), edge("cd", "c", "d", 1)},
		nil, nil,
	)

	sub := p.ConnectedSubgraph("a", 2)
	ids := []string{}
	for _, n := range sub.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, sub.Edges, 2)

	assert.Len(t, p.ConnectedSubgraph("a", -1).Nodes, 4)
	assert.Empty(t, p.ConnectedSubgraph("zzz", 3).Nodes)

	induced := p.Subgraph([]string{"a", "c", "d", "unknown"})
	assert.Len(t, induced.Nodes, 3)
	require.Len(t, induced.Edges, 1)
	assert.Equal(t, "cd", induced.Edges[0].ID)
	assert.Empty(t, induced.Adjacency["a"])

	top := p.TopByCentrality(2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].Node.ID)
	assert.Equal(t, "c", top[1].Node.ID)
}

func TestProjectionReadsReturnCopies(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	e := entity("a", "A", "X")
	e.Aliases = []string{"Alias"}
	p.BuildFromCache([]*store.Entity{e}, nil, nil, nil)

	n, _ := p.Node("a")
	n.Aliases[0] = "mutated"
	n.Label = "changed"

	again, _ := p.Node("a")
	assert.Equal(t, "A", again.Label)
	assert.Equal(t, []string{"Alias"}, again.Aliases)
}

func TestProjectionStats(t *testing.T) {
	p := newTestProjection(t, time.Hour, nil)
	p.BuildFromCache(
		[]*store.Entity{entity("a", "A", "X"), entity("b", "B", "X"), entity("c", "C", "X")},
		[]*store.Edge{edge("ab", "a", "b", 1)},
		nil, nil,
	)
	st := p.Stats()
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 2, st.Components)
	assert.Equal(t, 2, st.LargestComponent)
	assert.Equal(t, 1, st.Orphans)
	assert.Equal(t, 3, st.NodesByType["extracted_entity"])
}
