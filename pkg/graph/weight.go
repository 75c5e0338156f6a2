package graph

import (
	"math"
	"strings"

	"github.com/kittclouds/kittgraph/internal/store"
)

var temporalRelations = map[string]bool{
	"BEFORE":       true,
	"AFTER":        true,
	"DURING":       true,
	"PRECEDES":     true,
	"FOLLOWS":      true,
	"SIMULTANEOUS": true,
}

var causalRelations = map[string]bool{
	"CAUSES":     true,
	"CAUSED_BY":  true,
	"LEADS_TO":   true,
	"RESULTS_IN": true,
	"ENABLES":    true,
	"PREVENTS":   true,
	"TRIGGERS":   true,
}

// confidenceOf reads a stored confidence clamped to [0,1]. Nil reads as 1,
// NaN as 0.
func confidenceOf(c *float64) float64 {
	if c == nil {
		return 1
	}
	switch v := *c; {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// WeighEdge turns a stored edge into a projection edge, with endpoints still
// as recorded. It returns false when the edge has no endpoints or has been
// invalidated at or before now (unix millis).
func WeighEdge(rec *store.Edge, now int64) (Edge, bool) {
	if rec == nil || rec.SourceID == "" || rec.TargetID == "" {
		return Edge{}, false
	}
	if rec.InvalidAt != nil && *rec.InvalidAt <= now {
		return Edge{}, false
	}

	confidence := confidenceOf(rec.Confidence)
	weight := rec.Weight
	if weight == 0 || math.IsNaN(weight) {
		weight = 1
	}
	if weight < 0 {
		weight = 0
	}

	relType := strings.ToUpper(strings.TrimSpace(rec.RelType))
	e := Edge{
		ID:            rec.ID,
		Source:        rec.SourceID,
		Target:        rec.TargetID,
		Type:          relType,
		Weight:        weight,
		Strength:      confidence * (1 - math.Exp(-weight)),
		Confidence:    confidence,
		Bidirectional: rec.Bidirectional,
		ValidAt:       rec.ValidAt,
		EpisodeIDs:    append([]string(nil), rec.EpisodeIDs...),
		NoteIDs:       append([]string(nil), rec.NoteIDs...),
	}
	if rec.InvalidAt != nil {
		v := *rec.InvalidAt
		e.InvalidAt = &v
	}
	if temporalRelations[relType] {
		e.Temporal = confidence
	}
	if causalRelations[relType] {
		e.Causal = confidence
	}
	return e, true
}
