// Package graph maintains the in-memory projection of the knowledge graph:
// canonical nodes merged from entity records, weighted edges, symmetric
// adjacency and centrality over the confidence-filtered subgraph.
package graph

import "fmt"

// NodeType is the closed set of node variants in the projection.
type NodeType int

const (
	NodeNote NodeType = iota + 1
	NodeFolder
	NodeExtractedEntity
	NodeBlueprintEntity
	NodeConcept
)

var nodeTypeNames = map[NodeType]string{
	NodeNote:            "note",
	NodeFolder:          "folder",
	NodeExtractedEntity: "extracted_entity",
	NodeBlueprintEntity: "blueprint_entity",
	NodeConcept:         "concept",
}

func (t NodeType) String() string {
	if name, ok := nodeTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

func (t NodeType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseNodeType converts a name such as "concept" back to a NodeType.
func ParseNodeType(s string) (NodeType, bool) {
	for t, name := range nodeTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// IsEntity reports whether t is one of the entity-derived variants.
func (t NodeType) IsEntity() bool {
	return t == NodeExtractedEntity || t == NodeBlueprintEntity || t == NodeConcept
}

// Source is the provenance of an entity record ("user", "extraction", ...).
type Source string

// Node is a vertex of the projection.
type Node struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Type        NodeType `json:"nodeType"`
	Kind        string   `json:"kind"`
	Subtype     string   `json:"subtype,omitempty"`
	Frequency   int      `json:"frequency"`
	Size        float64  `json:"size"`
	Color       string   `json:"color"`
	Confidence  float64  `json:"confidence"`
	Provenance  []Source `json:"provenance,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	MergedIDs   []string `json:"mergedIds,omitempty"`
	IsCanonical bool     `json:"isCanonical"`
	ParentID    string   `json:"parentId,omitempty"`
}

func (n Node) clone() Node {
	n.Provenance = append([]Source(nil), n.Provenance...)
	n.Aliases = append([]string(nil), n.Aliases...)
	n.MergedIDs = append([]string(nil), n.MergedIDs...)
	return n
}

// Edge is a retained, weighted relationship between two projection nodes.
// Source and Target are canonical node ids.
type Edge struct {
	ID            string   `json:"id"`
	Source        string   `json:"source"`
	Target        string   `json:"target"`
	Type          string   `json:"edgeType"`
	Weight        float64  `json:"weight"`
	Strength      float64  `json:"strength"`
	Confidence    float64  `json:"confidence"`
	Bidirectional bool     `json:"bidirectional"`
	Temporal      float64  `json:"temporal"`
	Causal        float64  `json:"causal"`
	ValidAt       int64    `json:"validAt"`
	InvalidAt     *int64   `json:"invalidAt,omitempty"`
	EpisodeIDs    []string `json:"episodeIds,omitempty"`
	NoteIDs       []string `json:"noteIds,omitempty"`
}

func (e Edge) clone() Edge {
	e.EpisodeIDs = append([]string(nil), e.EpisodeIDs...)
	e.NoteIDs = append([]string(nil), e.NoteIDs...)
	if e.InvalidAt != nil {
		v := *e.InvalidAt
		e.InvalidAt = &v
	}
	return e
}

// Other returns the endpoint of e opposite to id.
func (e Edge) Other(id string) string {
	if e.Source == id {
		return e.Target
	}
	return e.Source
}

// Centrality holds the per-node analytics of the filtered subgraph.
type Centrality struct {
	Degree      float64 `json:"degree"`
	Betweenness float64 `json:"betweenness"`
	Closeness   float64 `json:"closeness"`
}

// Combined folds the three scores into one value in [0,1].
func (c Centrality) Combined() float64 {
	return 0.5*c.Degree + 0.25*c.Betweenness + 0.25*c.Closeness
}

// ChangeOp is the kind of incremental change applied to the projection.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	}
	return fmt.Sprintf("ChangeOp(%d)", int(op))
}

// Direction tells how an edge attaches to the node a Link was read from.
type Direction int

const (
	Outgoing Direction = iota + 1
	Incoming
	Both
)

// Link is one retained edge seen from one of its endpoints.
type Link struct {
	EdgeID   string    `json:"edgeId"`
	Neighbor string    `json:"neighbor"`
	Type     string    `json:"edgeType"`
	Dir      Direction `json:"direction"`
	Strength float64   `json:"strength"`
	Temporal float64   `json:"temporal"`
	Causal   float64   `json:"causal"`
}

// Subgraph is a detached copy of part of the projection.
type Subgraph struct {
	Nodes     []Node              `json:"nodes"`
	Edges     []Edge              `json:"edges"`
	Adjacency map[string][]string `json:"adjacency"`
}

// Has reports whether the subgraph contains node id.
func (s Subgraph) Has(id string) bool {
	for _, n := range s.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Stats summarizes the projection.
type Stats struct {
	Nodes            int            `json:"nodes"`
	Edges            int            `json:"edges"`
	FilteredNodes    int            `json:"filteredNodes"`
	FilteredEdges    int            `json:"filteredEdges"`
	Orphans          int            `json:"orphans"`
	Components       int            `json:"components"`
	LargestComponent int            `json:"largestComponent"`
	NodesByType      map[string]int `json:"nodesByType"`
	Threshold        float64        `json:"threshold"`
	IsDirty          bool           `json:"isDirty"`
	LastUpdated      int64          `json:"lastUpdated"`
	Recomputes       int            `json:"recomputes"`
}
