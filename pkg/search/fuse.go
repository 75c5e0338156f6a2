package search

import (
	"math"
	"sort"
)

// anchorShare is the fraction of fused results treated as anchors for
// context propagation.
const anchorShare = 0.20

// minMax rescales scores to [0,1] over the candidate set. When every score
// is equal, positive scores map to 1 and the rest to 0.
func minMax(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range scores {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for id, v := range scores {
		switch {
		case span > 0:
			out[id] = (v - lo) / span
		case v > 0:
			out[id] = 1
		default:
			out[id] = 0
		}
	}
	return out
}

// fuse combines the three normalized signals with the profile weights.
func fuse(p Profile, lexical, vector, graph float64) float64 {
	return p.Lexical*lexical + p.Vector*vector + p.Graph*graph
}

// propagate boosts candidates adjacent to the top-ranked anchors. Boosts are
// computed from the scores before propagation and clamped so no score passes 1.
func propagate(g Graph, results []Result, p Profile) {
	if len(results) == 0 || p.Boost <= 0 {
		return
	}
	rankResults(results)

	anchors := int(math.Ceil(anchorShare * float64(len(results))))
	index := make(map[string]int, len(results))
	for i, r := range results {
		index[r.ID] = i
	}

	boosts := make([]float64, len(results))
	for i := 0; i < anchors; i++ {
		anchor := results[i].ID
		for _, l := range g.Links(anchor) {
			j, ok := index[l.Neighbor]
			if !ok || j == i {
				continue
			}
			boosts[j] += p.Boost * l.Strength
		}
	}
	for i := range results {
		if boosts[i] == 0 {
			continue
		}
		boosted := math.Min(1, results[i].Score+boosts[i])
		results[i].Boost = boosted - results[i].Score
		results[i].Score = boosted
	}
}

// rankResults sorts by score descending, then by id.
func rankResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
