package graph

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/internal/store"
)

// DefaultRecomputeDelay is the trailing debounce before analytics are
// recomputed after a structural change.
const DefaultRecomputeDelay = 500 * time.Millisecond

// Options configures a Projection.
type Options struct {
	Threshold         float64
	RecomputeDelay    time.Duration
	CentralityCeiling int
	Logger            zerolog.Logger
	Now               func() time.Time
	// OnRecompute, if set, is called after every analytics pass, outside the lock.
	OnRecompute func()
}

// DefaultOptions returns the options used by NewProjection(nil).
func DefaultOptions() Options {
	return Options{
		RecomputeDelay:    DefaultRecomputeDelay,
		CentralityCeiling: DefaultCentralityCeiling,
		Logger:            zerolog.Nop(),
		Now:               time.Now,
	}
}

// Projection is the live, analytics-annotated mirror of the graph.
// It is safe for concurrent use; every read returns copies.
type Projection struct {
	mu   sync.RWMutex
	opts Options

	// Raw records, as last reported.
	entities map[string]*store.Entity
	rawEdges map[string]*store.Edge
	notes    map[string]*store.Note
	folders  map[string]*store.Folder

	groups     map[string]map[string]bool // group key -> member entity ids
	groupCanon map[string]string          // group key -> canonical id
	alias      map[string]string          // member entity id -> canonical id
	byEndpoint map[string]map[string]bool // raw endpoint id -> raw edge ids

	nodes map[string]*Node
	edges map[string]*Edge
	adj   map[string]map[string]int // symmetric, counts parallel edges
	wired map[string]map[string]bool // node id -> retained edge ids

	byKind   map[string]map[string]bool
	byType   map[NodeType]map[string]bool
	byFolder map[string]map[string]bool

	threshold  float64
	filtered   Subgraph
	centrality map[string]Centrality

	lastUpdated time.Time
	dirty       bool
	recomputes  int
	timer       *time.Timer
	generation  uint64
	closed      bool
}

// NewProjection creates an empty projection. A nil opts uses DefaultOptions.
func NewProjection(opts *Options) *Projection {
	o := DefaultOptions()
	if opts != nil {
		o = *opts
		if o.RecomputeDelay <= 0 {
			o.RecomputeDelay = DefaultRecomputeDelay
		}
		if o.CentralityCeiling == 0 {
			o.CentralityCeiling = DefaultCentralityCeiling
		}
		if o.Now == nil {
			o.Now = time.Now
		}
	}
	p := &Projection{opts: o, threshold: clampThreshold(o.Threshold)}
	p.reset()
	return p
}

func (p *Projection) reset() {
	p.entities = make(map[string]*store.Entity)
	p.rawEdges = make(map[string]*store.Edge)
	p.notes = make(map[string]*store.Note)
	p.folders = make(map[string]*store.Folder)
	p.groups = make(map[string]map[string]bool)
	p.groupCanon = make(map[string]string)
	p.alias = make(map[string]string)
	p.byEndpoint = make(map[string]map[string]bool)
	p.nodes = make(map[string]*Node)
	p.edges = make(map[string]*Edge)
	p.adj = make(map[string]map[string]int)
	p.wired = make(map[string]map[string]bool)
	p.byKind = make(map[string]map[string]bool)
	p.byType = make(map[NodeType]map[string]bool)
	p.byFolder = make(map[string]map[string]bool)
	p.centrality = make(map[string]Centrality)
	p.filtered = Subgraph{Adjacency: map[string][]string{}}
}

func clampThreshold(t float64) float64 {
	if t < 0 || t != t {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// =============================================================================
// Full rebuild
// =============================================================================

// BuildFromCache replaces the whole projection and computes analytics
// synchronously. Any pending debounced recompute is cancelled.
func (p *Projection) BuildFromCache(entities []*store.Entity, edges []*store.Edge, notes []*store.Note, folders []*store.Folder) {
	start := time.Now()

	p.mu.Lock()
	p.cancelTimerLocked()
	p.reset()

	for _, f := range folders {
		if f == nil || f.ID == "" {
			continue
		}
		p.folders[f.ID] = store.CloneFolder(f)
		p.putNodeLocked(folderNode(f))
	}
	for _, n := range notes {
		if n == nil || n.ID == "" {
			continue
		}
		p.notes[n.ID] = store.CloneNote(n)
		p.putNodeLocked(noteNode(n))
	}

	for _, e := range entities {
		if e == nil || e.ID == "" {
			continue
		}
		p.entities[e.ID] = store.CloneEntity(e)
		p.groupAddLocked(GroupKey(e), e.ID)
	}
	for key := range p.groups {
		p.remergeGroupLocked(key)
	}

	for _, e := range edges {
		if e == nil || e.ID == "" {
			continue
		}
		p.rawEdges[e.ID] = store.CloneEdge(e)
		p.indexRawEdgeLocked(e)
		p.rewireEdgeLocked(e.ID)
	}

	p.recomputeLocked()
	nodes, retained := len(p.nodes), len(p.edges)
	hook := p.opts.OnRecompute
	p.mu.Unlock()

	p.opts.Logger.Debug().
		Int("nodes", nodes).
		Int("edges", retained).
		Int("dropped_edges", len(edges)-retained).
		Dur("took", time.Since(start)).
		Msg("projection rebuilt")
	if hook != nil {
		hook()
	}
}

// =============================================================================
// Incremental changes
// =============================================================================

// OnEntityChange applies one entity record change. Only the label groups the
// record left and joined are re-merged and only edges touching their members
// are rewired. Analytics are recomputed after the debounce delay.
func (p *Projection) OnEntityChange(e *store.Entity, op ChangeOp) {
	if e == nil || e.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	affected := make(map[string]bool)
	if old, ok := p.entities[e.ID]; ok {
		key := GroupKey(old)
		p.groupRemoveLocked(key, old.ID)
		affected[key] = true
		delete(p.entities, e.ID)
		delete(p.alias, e.ID)
	}
	if op != ChangeDelete {
		p.entities[e.ID] = store.CloneEntity(e)
		key := GroupKey(e)
		p.groupAddLocked(key, e.ID)
		affected[key] = true
	}

	touched := map[string]bool{e.ID: true}
	for key := range affected {
		for _, id := range p.remergeGroupLocked(key) {
			touched[id] = true
		}
	}
	p.rewireTouchingLocked(touched)
	p.scheduleLocked()
}

// OnEdgeChange applies one edge record change.
func (p *Projection) OnEdgeChange(e *store.Edge, op ChangeOp) {
	if e == nil || e.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.rawEdges[e.ID]; ok {
		p.unindexRawEdgeLocked(old)
		delete(p.rawEdges, e.ID)
	}
	if op != ChangeDelete {
		p.rawEdges[e.ID] = store.CloneEdge(e)
		p.indexRawEdgeLocked(e)
	}
	p.rewireEdgeLocked(e.ID)
	p.scheduleLocked()
}

// OnNoteChange adds, updates or removes a note node.
func (p *Projection) OnNoteChange(n *store.Note, op ChangeOp) {
	if n == nil || n.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if op == ChangeDelete {
		delete(p.notes, n.ID)
		p.removeNodeLocked(n.ID)
	} else {
		p.notes[n.ID] = store.CloneNote(n)
		p.putNodeLocked(noteNode(n))
	}
	p.rewireTouchingLocked(map[string]bool{n.ID: true})
	p.scheduleLocked()
}

// OnFolderChange adds, updates or removes a folder node.
func (p *Projection) OnFolderChange(f *store.Folder, op ChangeOp) {
	if f == nil || f.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if op == ChangeDelete {
		delete(p.folders, f.ID)
		p.removeNodeLocked(f.ID)
	} else {
		p.folders[f.ID] = store.CloneFolder(f)
		p.putNodeLocked(folderNode(f))
	}
	p.rewireTouchingLocked(map[string]bool{f.ID: true})
	p.scheduleLocked()
}

// =============================================================================
// Merge bookkeeping
// =============================================================================

func (p *Projection) groupAddLocked(key, id string) {
	if p.groups[key] == nil {
		p.groups[key] = make(map[string]bool)
	}
	p.groups[key][id] = true
}

func (p *Projection) groupRemoveLocked(key, id string) {
	delete(p.groups[key], id)
}

// remergeGroupLocked recomputes the canonical node of a group and returns
// every id whose resolution may have changed.
func (p *Projection) remergeGroupLocked(key string) []string {
	var touched []string
	if old, ok := p.groupCanon[key]; ok {
		p.removeNodeLocked(old)
		delete(p.groupCanon, key)
		touched = append(touched, old)
	}

	members := p.groups[key]
	if len(members) == 0 {
		delete(p.groups, key)
		return touched
	}

	records := make([]*store.Entity, 0, len(members))
	for id := range members {
		records = append(records, p.entities[id])
	}
	merged := mergeGroup(records)
	p.putNodeLocked(merged.Node)
	p.groupCanon[key] = merged.Node.ID
	for _, id := range merged.Members {
		p.alias[id] = merged.Node.ID
		touched = append(touched, id)
	}
	return touched
}

// resolveLocked maps a raw endpoint id to its projection node id.
func (p *Projection) resolveLocked(id string) string {
	if _, isEntity := p.entities[id]; isEntity {
		if canon, ok := p.alias[id]; ok {
			return canon
		}
	}
	return id
}

// =============================================================================
// Node and edge wiring
// =============================================================================

func (p *Projection) putNodeLocked(n Node) {
	if old, ok := p.nodes[n.ID]; ok {
		p.unindexNodeLocked(old)
	}
	node := n
	p.nodes[n.ID] = &node
	addToIndex(p.byKind, n.Kind, n.ID)
	if p.byType[n.Type] == nil {
		p.byType[n.Type] = make(map[string]bool)
	}
	p.byType[n.Type][n.ID] = true
	if n.ParentID != "" {
		addToIndex(p.byFolder, n.ParentID, n.ID)
	}
}

func (p *Projection) removeNodeLocked(id string) {
	if old, ok := p.nodes[id]; ok {
		p.unindexNodeLocked(old)
		delete(p.nodes, id)
	}
}

func (p *Projection) unindexNodeLocked(n *Node) {
	removeFromIndex(p.byKind, n.Kind, n.ID)
	if set := p.byType[n.Type]; set != nil {
		delete(set, n.ID)
		if len(set) == 0 {
			delete(p.byType, n.Type)
		}
	}
	if n.ParentID != "" {
		removeFromIndex(p.byFolder, n.ParentID, n.ID)
	}
}

func (p *Projection) indexRawEdgeLocked(e *store.Edge) {
	addToIndex(p.byEndpoint, e.SourceID, e.ID)
	addToIndex(p.byEndpoint, e.TargetID, e.ID)
}

func (p *Projection) unindexRawEdgeLocked(e *store.Edge) {
	removeFromIndex(p.byEndpoint, e.SourceID, e.ID)
	removeFromIndex(p.byEndpoint, e.TargetID, e.ID)
}

// rewireTouchingLocked rewires every raw edge with an endpoint in ids.
func (p *Projection) rewireTouchingLocked(ids map[string]bool) {
	edgeIDs := make(map[string]bool)
	for id := range ids {
		for edgeID := range p.byEndpoint[id] {
			edgeIDs[edgeID] = true
		}
	}
	for _, edgeID := range sortedKeys(edgeIDs) {
		p.rewireEdgeLocked(edgeID)
	}
}

// rewireEdgeLocked drops the retained copy of an edge and wires it again
// from its raw record, if the record is still valid and both resolved
// endpoints exist. Self-loops produced by merging are not retained.
func (p *Projection) rewireEdgeLocked(id string) {
	if old, ok := p.edges[id]; ok {
		p.unlinkLocked(old.Source, old.Target)
		removeFromIndex(p.wired, old.Source, id)
		removeFromIndex(p.wired, old.Target, id)
		delete(p.edges, id)
	}

	raw, ok := p.rawEdges[id]
	if !ok {
		return
	}
	e, ok := WeighEdge(raw, p.opts.Now().UnixMilli())
	if !ok {
		return
	}
	e.Source = p.resolveLocked(e.Source)
	e.Target = p.resolveLocked(e.Target)
	if e.Source == e.Target {
		return
	}
	if _, ok := p.nodes[e.Source]; !ok {
		return
	}
	if _, ok := p.nodes[e.Target]; !ok {
		return
	}

	p.edges[id] = &e
	p.linkLocked(e.Source, e.Target)
	addToIndex(p.wired, e.Source, id)
	addToIndex(p.wired, e.Target, id)
}

func (p *Projection) linkLocked(a, b string) {
	for _, pair := range [2][2]string{{a, b}, {b, a}} {
		if p.adj[pair[0]] == nil {
			p.adj[pair[0]] = make(map[string]int)
		}
		p.adj[pair[0]][pair[1]]++
	}
}

func (p *Projection) unlinkLocked(a, b string) {
	for _, pair := range [2][2]string{{a, b}, {b, a}} {
		set := p.adj[pair[0]]
		if set == nil {
			continue
		}
		set[pair[1]]--
		if set[pair[1]] <= 0 {
			delete(set, pair[1])
		}
		if len(set) == 0 {
			delete(p.adj, pair[0])
		}
	}
}

func addToIndex(index map[string]map[string]bool, key, id string) {
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][id] = true
}

func removeFromIndex(index map[string]map[string]bool, key, id string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// =============================================================================
// Analytics
// =============================================================================

// scheduleLocked marks the projection dirty and (re)arms the trailing
// debounce timer.
func (p *Projection) scheduleLocked() {
	p.dirty = true
	if p.closed {
		return
	}
	p.cancelTimerLocked()
	p.generation++
	gen := p.generation
	p.timer = time.AfterFunc(p.opts.RecomputeDelay, func() { p.fire(gen) })
}

func (p *Projection) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Projection) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.generation || p.closed {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.recomputeLocked()
	hook := p.opts.OnRecompute
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// RecomputeNow cancels any pending debounce and recomputes analytics.
func (p *Projection) RecomputeNow() {
	p.mu.Lock()
	p.cancelTimerLocked()
	p.generation++
	p.recomputeLocked()
	hook := p.opts.OnRecompute
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// recomputeLocked drops edges whose InvalidAt has passed since they were
// wired, then rebuilds the filtered subgraph and its centrality.
func (p *Projection) recomputeLocked() {
	now := p.opts.Now().UnixMilli()
	var expired []string
	for id, e := range p.edges {
		if e.InvalidAt != nil && *e.InvalidAt <= now {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		p.rewireEdgeLocked(id)
	}

	nodes := make([]Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		nodes = append(nodes, *n)
	}
	edges := make([]Edge, 0, len(p.edges))
	for _, e := range p.edges {
		edges = append(edges, *e)
	}

	p.filtered = FilterByConfidence(nodes, edges, p.threshold)
	p.centrality = ComputeCentrality(p.filtered, p.opts.CentralityCeiling)
	p.dirty = false
	p.lastUpdated = p.opts.Now()
	p.recomputes++
}

// SetConfidenceThreshold clamps t to [0,1] and recomputes the filtered
// subgraph and its analytics immediately.
func (p *Projection) SetConfidenceThreshold(t float64) {
	p.mu.Lock()
	p.threshold = clampThreshold(t)
	p.cancelTimerLocked()
	p.generation++
	p.recomputeLocked()
	hook := p.opts.OnRecompute
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Threshold returns the current confidence threshold.
func (p *Projection) Threshold() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// IsDirty reports whether structural changes are waiting for a recompute.
func (p *Projection) IsDirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// LastUpdated is the time of the last analytics pass.
func (p *Projection) LastUpdated() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastUpdated
}

// Close stops the debounce timer. The projection stays readable.
func (p *Projection) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cancelTimerLocked()
}
