package graph

import (
	"sort"
	"time"
)

// Node returns a copy of the node with the given id.
func (p *Projection) Node(id string) (Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Resolve maps an entity record id to the id of its canonical node. Other
// ids are returned unchanged.
func (p *Projection) Resolve(id string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.resolveLocked(id)
}

// Edge returns a copy of a retained edge.
func (p *Projection) Edge(id string) (Edge, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.edges[id]
	if !ok {
		return Edge{}, false
	}
	return e.clone(), true
}

// Nodes returns every node ordered by id.
func (p *Projection) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Node, 0, len(p.nodes))
	for _, id := range sortedKeys(p.nodes) {
		out = append(out, p.nodes[id].clone())
	}
	return out
}

// Edges returns every retained edge ordered by id.
func (p *Projection) Edges() []Edge {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Edge, 0, len(p.edges))
	for _, id := range sortedKeys(p.edges) {
		out = append(out, p.edges[id].clone())
	}
	return out
}

// Neighbors returns the ids adjacent to id, in order.
func (p *Projection) Neighbors(id string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.adj[id])
}

// Degree is the number of distinct neighbours of id.
func (p *Projection) Degree(id string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.adj[id])
}

// Links returns every retained edge attached to id, seen from id.
func (p *Projection) Links(id string) []Link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.linksLocked(id)
}

func (p *Projection) linksLocked(id string) []Link {
	var out []Link
	for _, edgeID := range sortedKeys(p.wired[id]) {
		e := p.edges[edgeID]
		dir := Outgoing
		switch {
		case e.Bidirectional:
			dir = Both
		case e.Target == id:
			dir = Incoming
		}
		out = append(out, Link{
			EdgeID:   e.ID,
			Neighbor: e.Other(id),
			Type:     e.Type,
			Dir:      dir,
			Strength: e.Strength,
			Temporal: e.Temporal,
			Causal:   e.Causal,
		})
	}
	return out
}

// Centrality returns the last computed analytics for id. Between a
// structural change and the next recompute the value may be stale.
func (p *Projection) Centrality(id string) Centrality {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.centrality[id]
}

// NodesByKind returns nodes whose kind matches, ordered by id.
func (p *Projection) NodesByKind(kind string) []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collectLocked(p.byKind[kind])
}

// NodesByType returns nodes of one variant, ordered by id.
func (p *Projection) NodesByType(t NodeType) []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collectLocked(p.byType[t])
}

// NodesByFolder returns the notes and folders directly inside folderID.
func (p *Projection) NodesByFolder(folderID string) []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collectLocked(p.byFolder[folderID])
}

func (p *Projection) collectLocked(set map[string]bool) []Node {
	out := make([]Node, 0, len(set))
	for _, id := range sortedKeys(set) {
		out = append(out, p.nodes[id].clone())
	}
	return out
}

// ConnectedSubgraph returns everything within maxDepth hops of seed.
// A negative maxDepth means unbounded.
func (p *Projection) ConnectedSubgraph(seed string, maxDepth int) Subgraph {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.nodes[seed]; !ok {
		return Subgraph{Adjacency: map[string][]string{}}
	}

	depth := map[string]int{seed: 0}
	queue := []string{seed}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if maxDepth >= 0 && depth[v] >= maxDepth {
			continue
		}
		for _, w := range sortedKeys(p.adj[v]) {
			if _, seen := depth[w]; seen {
				continue
			}
			depth[w] = depth[v] + 1
			queue = append(queue, w)
		}
	}
	return p.subgraphLocked(depth)
}

// Subgraph returns the induced subgraph over ids. Unknown ids are ignored.
func (p *Projection) Subgraph(ids []string) Subgraph {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := make(map[string]int, len(ids))
	for _, id := range ids {
		set[id] = 0
	}
	return p.subgraphLocked(set)
}

func (p *Projection) subgraphLocked(ids map[string]int) Subgraph {
	sub := Subgraph{Adjacency: make(map[string][]string)}
	for _, id := range sortedKeys(ids) {
		n, ok := p.nodes[id]
		if !ok {
			continue
		}
		sub.Nodes = append(sub.Nodes, n.clone())
		var adj []string
		for _, w := range sortedKeys(p.adj[id]) {
			if _, in := ids[w]; in {
				adj = append(adj, w)
			}
		}
		sub.Adjacency[id] = adj
	}
	for _, edgeID := range sortedKeys(p.edges) {
		e := p.edges[edgeID]
		_, src := ids[e.Source]
		_, dst := ids[e.Target]
		if src && dst {
			sub.Edges = append(sub.Edges, e.clone())
		}
	}
	return sub
}

// FilteredSubgraph returns the confidence-filtered subgraph of the last
// analytics pass.
func (p *Projection) FilteredSubgraph() Subgraph {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copySubgraph(p.filtered)
}

func copySubgraph(s Subgraph) Subgraph {
	out := Subgraph{
		Nodes:     make([]Node, 0, len(s.Nodes)),
		Edges:     make([]Edge, 0, len(s.Edges)),
		Adjacency: make(map[string][]string, len(s.Adjacency)),
	}
	for _, n := range s.Nodes {
		out.Nodes = append(out.Nodes, n.clone())
	}
	for _, e := range s.Edges {
		out.Edges = append(out.Edges, e.clone())
	}
	for id, adj := range s.Adjacency {
		out.Adjacency[id] = append([]string(nil), adj...)
	}
	return out
}

// Snapshot is a detached copy of the whole projection state.
type Snapshot struct {
	Nodes       []Node                `json:"nodes"`
	Edges       []Edge                `json:"edges"`
	Adjacency   map[string][]string   `json:"adjacency"`
	Centrality  map[string]Centrality `json:"centrality"`
	Threshold   float64               `json:"threshold"`
	LastUpdated time.Time             `json:"lastUpdated"`
	IsDirty     bool                  `json:"isDirty"`
}

// Snapshot copies the projection.
func (p *Projection) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Nodes:       make([]Node, 0, len(p.nodes)),
		Edges:       make([]Edge, 0, len(p.edges)),
		Adjacency:   make(map[string][]string, len(p.adj)),
		Centrality:  make(map[string]Centrality, len(p.centrality)),
		Threshold:   p.threshold,
		LastUpdated: p.lastUpdated,
		IsDirty:     p.dirty,
	}
	for _, id := range sortedKeys(p.nodes) {
		s.Nodes = append(s.Nodes, p.nodes[id].clone())
	}
	for _, id := range sortedKeys(p.edges) {
		s.Edges = append(s.Edges, p.edges[id].clone())
	}
	for id, set := range p.adj {
		s.Adjacency[id] = sortedKeys(set)
	}
	for id, c := range p.centrality {
		s.Centrality[id] = c
	}
	return s
}

// Ranked is a node with its combined centrality score.
type Ranked struct {
	Node       Node       `json:"node"`
	Centrality Centrality `json:"centrality"`
	Score      float64    `json:"score"`
}

// TopByCentrality returns up to n nodes with the highest combined
// centrality, ties broken by id.
func (p *Projection) TopByCentrality(n int) []Ranked {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Ranked, 0, len(p.centrality))
	for id, c := range p.centrality {
		node, ok := p.nodes[id]
		if !ok {
			continue
		}
		out = append(out, Ranked{Node: node.clone(), Centrality: c, Score: c.Combined()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
