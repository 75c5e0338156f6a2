package lexical

import (
	"math"
	"math/bits"
)

// idf computes ln(1 + (N - df + 0.5) / (df + 0.5)).
func idf(totalDocs, docFreq int) float64 {
	if docFreq == 0 {
		return 0
	}
	df := float64(docFreq)
	ratio := (float64(totalDocs) - df + 0.5) / (df + 0.5)
	if ratio < 0 {
		ratio = 0
	}
	return math.Log(1 + ratio)
}

// normalizedTF applies BM25 length normalization to a field term frequency.
func normalizedTF(tf, fieldLen int, avgFieldLen, b float64) float64 {
	if avgFieldLen <= 0 || tf == 0 {
		return 0
	}
	denom := 1 - b + b*(float64(fieldLen)/avgFieldLen)
	if denom <= 0 {
		return 0
	}
	return float64(tf) / denom
}

// saturate applies ((k1 + 1) * x) / (k1 + x).
func saturate(x, k1 float64) float64 {
	if x <= 0 {
		return 0
	}
	if k1 <= 0 {
		return x
	}
	return ((k1 + 1) * x) / (k1 + x)
}

type termMask struct {
	mask uint32
	idf  float64
}

const idfScale = 5.0

// proximity rewards matched terms that share segments, weighted by their
// mean IDF and decayed for long documents.
func proximity(terms []termMask, cfg Config, docLen int, avgDocLen float64) float64 {
	if len(terms) < 2 || cfg.Segments == 0 {
		return 1
	}

	common := terms[0].mask
	total := 0.0
	for _, t := range terms {
		total += t.idf
		common &= t.mask
	}
	avgIDF := total / float64(len(terms))

	maxPossible := uint32(len(terms))
	if maxPossible > cfg.Segments {
		maxPossible = cfg.Segments
	}
	base := float64(bits.OnesCount32(common)) / float64(maxPossible)

	ratio := 1.0
	if avgDocLen > 0 {
		ratio = float64(docLen) / avgDocLen
	}
	decay := math.Exp(-cfg.ProximityDecay * ratio)

	return 1 + cfg.ProximityAlpha*base*(1+avgIDF/idfScale)*decay
}

// phraseMatch reports whether consecutive query terms fall in the same or
// adjacent segments, in order.
func phraseMatch(query []string, masks map[string]uint32) bool {
	if len(query) < 2 {
		return false
	}
	for i := 0; i < len(query)-1; i++ {
		m1, ok1 := masks[query[i]]
		m2, ok2 := masks[query[i+1]]
		if !ok1 || !ok2 {
			return false
		}
		if (m1|m1<<1)&m2 == 0 {
			return false
		}
	}
	return true
}
