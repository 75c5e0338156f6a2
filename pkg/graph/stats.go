package graph

// unionFind tracks connected components with path compression and union by
// rank.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
	size   map[string]int
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{
		parent: make(map[string]string, len(ids)),
		rank:   make(map[string]int, len(ids)),
		size:   make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		uf.parent[id] = id
		uf.size[id] = 1
	}
	return uf
}

func (uf *unionFind) find(id string) string {
	parent, ok := uf.parent[id]
	if !ok || parent == id {
		return id
	}
	root := uf.find(parent)
	uf.parent[id] = root
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// components returns the number of components and the size of the largest.
func (uf *unionFind) components() (int, int) {
	count, largest := 0, 0
	for id := range uf.parent {
		if uf.find(id) != id {
			continue
		}
		count++
		if uf.size[id] > largest {
			largest = uf.size[id]
		}
	}
	return count, largest
}

// Stats reports counts, orphans and connected components of the projection.
func (p *Projection) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := sortedKeys(p.nodes)
	uf := newUnionFind(ids)
	for _, e := range p.edges {
		uf.union(e.Source, e.Target)
	}
	components, largest := uf.components()

	st := Stats{
		Nodes:            len(p.nodes),
		Edges:            len(p.edges),
		FilteredNodes:    len(p.filtered.Nodes),
		FilteredEdges:    len(p.filtered.Edges),
		Components:       components,
		LargestComponent: largest,
		NodesByType:      make(map[string]int, len(p.byType)),
		Threshold:        p.threshold,
		IsDirty:          p.dirty,
		Recomputes:       p.recomputes,
	}
	if !p.lastUpdated.IsZero() {
		st.LastUpdated = p.lastUpdated.UnixMilli()
	}
	for _, id := range ids {
		if len(p.adj[id]) == 0 {
			st.Orphans++
		}
	}
	for t, set := range p.byType {
		st.NodesByType[t.String()] = len(set)
	}
	return st
}
