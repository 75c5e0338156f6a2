// Package search answers retrieval queries by fusing lexical, vector and
// graph signals into one ranked list.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
)

// ErrInvalidQuery is returned for queries that cannot be answered at all.
var ErrInvalidQuery = errors.New("search: invalid query")

// Candidate is one scored hit from a candidate source.
type Candidate struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// LexicalSource returns term-match candidates. Scores grow with relevance;
// order is not assumed.
type LexicalSource interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

// VectorSource returns embedding-similarity candidates for a model tier.
type VectorSource interface {
	Search(ctx context.Context, embedding []float32, limit int, tier string) ([]Candidate, error)
}

// Graph is the read surface of the projection used for graph signals.
// *graph.Projection implements it.
type Graph interface {
	Resolve(id string) string
	Node(id string) (graph.Node, bool)
	Degree(id string) int
	Links(id string) []graph.Link
	Centrality(id string) graph.Centrality
}

// Hydrator loads full records for result ids. Missing ids are left out.
type Hydrator interface {
	Hydrate(ctx context.Context, ids []string) (map[string]*Document, error)
}

// Document is the hydrated record behind a result.
type Document struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"` // "note" | "entity" | "folder"
	Title   string        `json:"title"`
	Snippet string        `json:"snippet,omitempty"`
	Note    *store.Note   `json:"note,omitempty"`
	Entity  *store.Entity `json:"entity,omitempty"`
	Folder  *store.Folder `json:"folder,omitempty"`
}

// Query is one search request.
type Query struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	K         int       `json:"k"`
	// Profile names the fusion weights; empty uses the engine default.
	Profile   string `json:"profile,omitempty"`
	ModelTier string `json:"modelTier,omitempty"`
	// MaxHops overrides the profile traversal depth when positive.
	MaxHops int `json:"maxHops,omitempty"`
}

// Result is one ranked hit.
type Result struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	Type         string    `json:"type,omitempty"`
	Score        float64   `json:"score"`
	LexicalScore float64   `json:"lexicalScore"`
	VectorScore  float64   `json:"vectorScore"`
	GraphScore   float64   `json:"graphScore"`
	Boost        float64   `json:"boost,omitempty"`
	Signals      Signals   `json:"signals"`
	Document     *Document `json:"document,omitempty"`
}

// Response is the outcome of a search. Degraded lists the sources that failed
// and were treated as empty.
type Response struct {
	Query             string   `json:"query"`
	Profile           string   `json:"profile"`
	Results           []Result `json:"results"`
	Degraded          []string `json:"degraded,omitempty"`
	LexicalCandidates int      `json:"lexicalCandidates"`
	VectorCandidates  int      `json:"vectorCandidates"`
	FusedCandidates   int      `json:"fusedCandidates"`
	Cached            bool     `json:"cached"`
	TookMs            int64    `json:"tookMs"`
}

func (r *Response) clone() *Response {
	c := *r
	c.Results = append([]Result(nil), r.Results...)
	c.Degraded = append([]string(nil), r.Degraded...)
	return &c
}

// Profile holds the fusion weights and traversal settings of a named policy.
type Profile struct {
	Name    string  `json:"name" yaml:"name"`
	Lexical float64 `json:"lexical" yaml:"lexical"`
	Vector  float64 `json:"vector" yaml:"vector"`
	Graph   float64 `json:"graph" yaml:"graph"`
	// MaxHops bounds the traversal behind reachable-node and path-weight
	// signals. At 1 those signals stay zero.
	MaxHops int `json:"maxHops" yaml:"maxHops"`
	// Propagate enables the anchor neighbour boost.
	Propagate bool    `json:"propagate" yaml:"propagate"`
	Boost     float64 `json:"boost" yaml:"boost"`
}

// Validate checks that weights are non-negative and not all zero.
func (p Profile) Validate() error {
	if p.Lexical < 0 || p.Vector < 0 || p.Graph < 0 {
		return fmt.Errorf("%w: profile %q has a negative weight", ErrInvalidQuery, p.Name)
	}
	if p.Lexical+p.Vector+p.Graph == 0 {
		return fmt.Errorf("%w: profile %q has no weight", ErrInvalidQuery, p.Name)
	}
	if p.Boost < 0 {
		return fmt.Errorf("%w: profile %q has a negative boost", ErrInvalidQuery, p.Name)
	}
	return nil
}

// DefaultProfile is used when a query names none.
const DefaultProfile = "balanced"

var profiles = map[string]Profile{
	"balanced":    {Name: "balanced", Lexical: 0.35, Vector: 0.35, Graph: 0.30, MaxHops: 2, Propagate: true, Boost: 0.10},
	"semantic":    {Name: "semantic", Lexical: 0.20, Vector: 0.60, Graph: 0.20, MaxHops: 1},
	"relational":  {Name: "relational", Lexical: 0.20, Vector: 0.20, Graph: 0.60, MaxHops: 3, Propagate: true, Boost: 0.15},
	"lexical":     {Name: "lexical", Lexical: 0.60, Vector: 0.20, Graph: 0.20, MaxHops: 1},
	"exploratory": {Name: "exploratory", Lexical: 0.25, Vector: 0.25, Graph: 0.50, MaxHops: 3, Propagate: true, Boost: 0.20},
}

// ProfileByName returns a built-in profile.
func ProfileByName(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Profiles returns the built-in profiles ordered by name.
func Profiles() []Profile {
	out := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
