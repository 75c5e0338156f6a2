package search

import "math"

// Caps applied before a count signal enters the relevance sum.
const (
	degreeCap    = 20
	reachableCap = 20
	connectedCap = 10
)

// Signals is the per-candidate structural bundle computed at query time.
type Signals struct {
	Degree        int     `json:"degree"`
	Centrality    float64 `json:"centrality"`
	AvgEdgeWeight float64 `json:"avgEdgeWeight"`
	Reachable     int     `json:"reachable"`
	AvgPathWeight float64 `json:"avgPathWeight"`
	Connected     int     `json:"connected"`
	Temporal      float64 `json:"temporal"`
	Causal        float64 `json:"causal"`
}

// Relevance folds the signals into one score in [0,1].
func (s Signals) Relevance() float64 {
	r := 0.20*capped(s.Degree, degreeCap) +
		0.20*s.Centrality +
		0.10*s.AvgEdgeWeight +
		0.05*capped(s.Reachable, reachableCap) +
		0.15*s.AvgPathWeight +
		0.20*capped(s.Connected, connectedCap) +
		0.05*s.Temporal +
		0.05*s.Causal
	return math.Min(1, math.Max(0, r))
}

func capped(n, limit int) float64 {
	if n >= limit {
		return 1
	}
	if n <= 0 {
		return 0
	}
	return float64(n) / float64(limit)
}

// computeSignals reads the projection around id. candidates holds the
// canonical ids of every candidate in the query.
func computeSignals(g Graph, id string, candidates map[string]bool, maxHops int) Signals {
	var s Signals
	if _, ok := g.Node(id); !ok {
		return s
	}

	s.Degree = g.Degree(id)
	s.Centrality = g.Centrality(id).Combined()

	links := g.Links(id)
	if len(links) > 0 {
		connected := make(map[string]bool)
		var strength, temporal, causal float64
		for _, l := range links {
			strength += l.Strength
			temporal += l.Temporal
			causal += l.Causal
			if l.Neighbor != id && candidates[l.Neighbor] {
				connected[l.Neighbor] = true
			}
		}
		n := float64(len(links))
		s.AvgEdgeWeight = strength / n
		s.Temporal = temporal / n
		s.Causal = causal / n
		s.Connected = len(connected)
	}

	if maxHops > 1 {
		s.Reachable, s.AvgPathWeight = traverse(g, id, maxHops)
	}
	return s
}

// traverse runs a bounded relaxation from seed keeping, for every reachable
// node, the best product of edge strengths over paths of at most maxHops.
// It returns the reachable count (seed excluded) and their mean path weight.
func traverse(g Graph, seed string, maxHops int) (int, float64) {
	best := map[string]float64{seed: 1}
	frontier := []string{seed}

	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		from := make(map[string]float64, len(frontier))
		for _, id := range frontier {
			from[id] = best[id]
		}
		improved := make(map[string]bool)
		for _, id := range frontier {
			for _, l := range g.Links(id) {
				if l.Neighbor == seed {
					continue
				}
				pw := from[id] * l.Strength
				if cur, ok := best[l.Neighbor]; !ok || pw > cur {
					best[l.Neighbor] = pw
					improved[l.Neighbor] = true
				}
			}
		}
		frontier = frontier[:0]
		for id := range improved {
			frontier = append(frontier, id)
		}
	}

	reachable := len(best) - 1
	if reachable == 0 {
		return 0, 0
	}
	var sum float64
	for id, w := range best {
		if id != seed {
			sum += w
		}
	}
	return reachable, sum / float64(reachable)
}
