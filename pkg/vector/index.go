package vector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	kvector "github.com/kshard/vector"

	"github.com/kittclouds/kittgraph/pkg/search"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector: dimension mismatch")

var cosine = kvector.Cosine()

func newGraph() *hnsw.HNSW[vector.VF32] {
	return hnsw.New[vector.VF32](vector.SurfaceVF32(cosine))
}

// Index is one HNSW graph holding the embeddings of a single model tier.
// Records are keyed by string id; replaced and deleted vectors stay in the
// graph as tombstones and are filtered out of results. Once tombstones
// outnumber live vectors the graph is rebuilt from the live ones.
type Index struct {
	mu    sync.RWMutex
	graph *hnsw.HNSW[vector.VF32]
	dim   int
	keys  map[string]uint32    // live id -> graph key
	ids   map[uint32]string    // live graph key -> id
	vecs  map[uint32][]float32 // live graph key -> vector
	dead  map[uint32]bool
	next  uint32
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		graph: newGraph(),
		keys:  make(map[string]uint32),
		ids:   make(map[uint32]string),
		vecs:  make(map[uint32][]float32),
		dead:  make(map[uint32]bool),
		next:  1,
	}
}

// Upsert stores vec under id, replacing any previous vector.
func (x *Index) Upsert(id string, vec []float32) error {
	if id == "" {
		return errors.New("vector: empty id")
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimension)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if x.dim != 0 && len(vec) != x.dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimension, x.dim, len(vec))
	}
	x.dim = len(vec)

	if old, ok := x.keys[id]; ok {
		x.dead[old] = true
		delete(x.ids, old)
		delete(x.vecs, old)
	}
	key := x.next
	x.next++
	v := append([]float32(nil), vec...)
	x.graph.Insert(vector.VF32{Key: key, Vec: v})
	x.keys[id] = key
	x.ids[key] = id
	x.vecs[key] = v
	x.compactLocked()
	return nil
}

// Delete tombstones id and reports whether it was present.
func (x *Index) Delete(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	key, ok := x.keys[id]
	if !ok {
		return false
	}
	x.dead[key] = true
	delete(x.keys, id)
	delete(x.ids, key)
	delete(x.vecs, key)
	x.compactLocked()
	return true
}

// compactLocked rebuilds the graph without tombstones once they outnumber
// live vectors. Indexes loaded from snapshots without vectors are left alone.
func (x *Index) compactLocked() {
	if len(x.dead) <= len(x.keys) || len(x.vecs) != len(x.keys) {
		return
	}
	keys := make([]uint32, 0, len(x.vecs))
	for k := range x.vecs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	g := newGraph()
	for _, k := range keys {
		g.Insert(vector.VF32{Key: k, Vec: x.vecs[k]})
	}
	x.graph = g
	x.dead = make(map[uint32]bool)
}

// Has reports whether id has a live vector.
func (x *Index) Has(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.keys[id]
	return ok
}

// IDs returns the live ids in order.
func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.keys))
	for id := range x.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keys)
}

// Tombstones returns the number of dead graph nodes.
func (x *Index) Tombstones() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.dead)
}

// Dim returns the vector dimension, or 0 for an empty index.
func (x *Index) Dim() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

// Search returns up to k live neighbours of vec, scored by cosine similarity
// and ordered best first.
func (x *Index) Search(vec []float32, k int) ([]search.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.keys) == 0 {
		return nil, nil
	}
	if len(vec) != x.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimension, x.dim, len(vec))
	}

	want := k + len(x.dead)
	ef := want * 2
	if ef < 100 {
		ef = 100
	}

	hits := x.graph.Search(vector.VF32{Vec: vec}, want, ef)
	out := make([]search.Candidate, 0, k)
	for _, h := range hits {
		id, ok := x.ids[h.Key]
		if !ok {
			continue
		}
		out = append(out, search.Candidate{ID: id, Score: 1 - float64(cosine.Distance(vec, h.Vec))})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// snapshot is the gob-encoded form of an Index.
type snapshot struct {
	Nodes hnsw.Nodes[vector.VF32]
	Dim   int
	Keys  map[string]uint32
	Dead  []uint32
	Next  uint32
	Vecs  map[uint32][]float32
}

func (x *Index) snapshot() snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()

	s := snapshot{
		Nodes: x.graph.Nodes(),
		Dim:   x.dim,
		Keys:  make(map[string]uint32, len(x.keys)),
		Next:  x.next,
		Vecs:  make(map[uint32][]float32, len(x.vecs)),
	}
	for k, v := range x.vecs {
		s.Vecs[k] = v
	}
	for id, k := range x.keys {
		s.Keys[id] = k
	}
	for k := range x.dead {
		s.Dead = append(s.Dead, k)
	}
	sort.Slice(s.Dead, func(i, j int) bool { return s.Dead[i] < s.Dead[j] })
	return s
}

func indexFromSnapshot(s snapshot) *Index {
	x := NewIndex()
	if len(s.Keys) > 0 || len(s.Dead) > 0 {
		x.graph = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(cosine), s.Nodes)
	}
	x.dim = s.Dim
	if s.Next > 0 {
		x.next = s.Next
	}
	for id, k := range s.Keys {
		x.keys[id] = k
		x.ids[k] = id
	}
	for _, k := range s.Dead {
		x.dead[k] = true
	}
	for k, v := range s.Vecs {
		if _, live := x.ids[k]; live {
			x.vecs[k] = v
		}
	}
	x.compactLocked()
	return x
}
