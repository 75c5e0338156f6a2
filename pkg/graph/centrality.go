package graph

import "sort"

// DefaultCentralityCeiling is the largest filtered subgraph for which
// betweenness and closeness are computed.
const DefaultCentralityCeiling = 100

// FilterByConfidence keeps nodes with confidence >= t and edges with
// confidence >= t whose endpoints were both kept. The adjacency of the
// result is symmetric.
func FilterByConfidence(nodes []Node, edges []Edge, t float64) Subgraph {
	sub := Subgraph{Adjacency: make(map[string][]string)}
	kept := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Confidence >= t {
			kept[n.ID] = true
			sub.Nodes = append(sub.Nodes, n)
		}
	}

	adj := make(map[string]map[string]bool, len(kept))
	for id := range kept {
		adj[id] = make(map[string]bool)
	}
	for _, e := range edges {
		if e.Confidence < t || !kept[e.Source] || !kept[e.Target] || e.Source == e.Target {
			continue
		}
		sub.Edges = append(sub.Edges, e)
		adj[e.Source][e.Target] = true
		adj[e.Target][e.Source] = true
	}

	for id, set := range adj {
		sub.Adjacency[id] = sortedKeys(set)
	}
	sort.Slice(sub.Nodes, func(i, j int) bool { return sub.Nodes[i].ID < sub.Nodes[j].ID })
	sort.Slice(sub.Edges, func(i, j int) bool { return sub.Edges[i].ID < sub.Edges[j].ID })
	return sub
}

// ComputeCentrality scores every node of sub. Degree is always computed;
// betweenness and closeness only when the subgraph has at most ceiling
// nodes, and stay zero above it.
func ComputeCentrality(sub Subgraph, ceiling int) map[string]Centrality {
	ids := make([]string, 0, len(sub.Nodes))
	for _, n := range sub.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	n := len(ids)
	out := make(map[string]Centrality, n)
	for _, id := range ids {
		out[id] = Centrality{}
	}
	if n <= 1 {
		return out
	}

	for _, id := range ids {
		c := out[id]
		c.Degree = float64(len(sub.Adjacency[id])) / float64(n-1)
		out[id] = c
	}

	if n > ceiling {
		return out
	}

	between := make(map[string]float64, n)
	for si, source := range ids {
		dist, pred := bfsTree(sub.Adjacency, source)

		reachable := 0
		total := 0
		for _, d := range dist {
			if d > 0 {
				reachable++
				total += d
			}
		}
		if total > 0 {
			c := out[source]
			c.Closeness = float64(reachable) / float64(total) * float64(reachable) / float64(n-1)
			out[source] = c
		}

		// Unordered pairs: only targets after the source.
		for _, target := range ids[si+1:] {
			if _, ok := dist[target]; !ok {
				continue
			}
			for v := pred[target]; v != "" && v != source; v = pred[v] {
				between[v]++
			}
		}
	}

	if n > 2 {
		norm := float64(n-1) * float64(n-2) / 2
		for id, b := range between {
			c := out[id]
			c.Betweenness = b / norm
			out[id] = c
		}
	}
	return out
}

// bfsTree runs an unweighted BFS from source over adj, visiting neighbours
// in the order given. It returns hop distances and the first-discovered
// predecessor of each reached node.
func bfsTree(adj map[string][]string, source string) (map[string]int, map[string]string) {
	dist := map[string]int{source: 0}
	pred := map[string]string{}
	queue := []string{source}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range adj[v] {
			if _, seen := dist[w]; seen {
				continue
			}
			dist[w] = dist[v] + 1
			pred[w] = v
			queue = append(queue, w)
		}
	}
	return dist, pred
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
