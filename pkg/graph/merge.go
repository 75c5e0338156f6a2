package graph

import (
	"math"
	"sort"
	"strings"

	"github.com/kittclouds/kittgraph/internal/store"
)

var leadingArticles = []string{"the ", "a ", "an "}

// Normalize lowercases a label, collapses whitespace and strips one leading
// article, so "The  Shire" and "shire" compare equal.
func Normalize(label string) string {
	s := strings.Join(strings.Fields(strings.ToLower(label)), " ")
	for _, article := range leadingArticles {
		if rest, ok := strings.CutPrefix(s, article); ok && rest != "" {
			return rest
		}
	}
	return s
}

// GroupKey is the merge key of an entity record: normalized label and kind.
func GroupKey(e *store.Entity) string {
	return Normalize(e.Label) + "\x00" + strings.ToUpper(e.Kind)
}

// MergedNode is the result of folding one label group.
type MergedNode struct {
	Node    Node
	Members []string // every record id in the group, canonical included
}

// MergeEntities folds records into one canonical node per group key.
// Results are ordered by canonical id.
func MergeEntities(records []*store.Entity) []MergedNode {
	groups := make(map[string][]*store.Entity)
	for _, r := range records {
		if r == nil || r.ID == "" {
			continue
		}
		key := GroupKey(r)
		groups[key] = append(groups[key], r)
	}

	out := make([]MergedNode, 0, len(groups))
	for _, group := range groups {
		out = append(out, mergeGroup(group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// mergeGroup reduces records sharing a group key. Canonical is the earliest
// created record, ties broken by smallest id.
func mergeGroup(group []*store.Entity) MergedNode {
	sorted := append([]*store.Entity(nil), group...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	canon := sorted[0]

	node := Node{
		ID:          canon.ID,
		Label:       canon.Label,
		Kind:        strings.ToUpper(canon.Kind),
		Subtype:     canon.Subtype,
		IsCanonical: true,
	}

	aliases := make(map[string]string)
	sources := make(map[Source]bool)
	members := make([]string, 0, len(sorted))
	blueprint := false
	var confidence float64

	for i, r := range sorted {
		members = append(members, r.ID)
		if i > 0 {
			node.MergedIDs = append(node.MergedIDs, r.ID)
		}
		if node.Subtype == "" {
			node.Subtype = r.Subtype
		}

		mentions := r.TotalMentions
		if mentions < 1 {
			mentions = 1
		}
		node.Frequency += mentions

		if r.CreatedBy != "" {
			sources[Source(r.CreatedBy)] = true
		}
		if r.CreatedBy == "blueprint" {
			blueprint = true
		}

		c := confidenceOf(r.Confidence)
		if i == 0 {
			confidence = c
		} else {
			confidence = boostConfidence(confidence, c)
		}

		addAlias(aliases, node.Label, r.Label)
		for _, a := range r.Aliases {
			addAlias(aliases, node.Label, a)
		}
	}
	node.Confidence = confidence

	for _, a := range aliases {
		node.Aliases = append(node.Aliases, a)
	}
	sort.Strings(node.Aliases)
	for s := range sources {
		node.Provenance = append(node.Provenance, s)
	}
	sort.Slice(node.Provenance, func(i, j int) bool { return node.Provenance[i] < node.Provenance[j] })

	switch {
	case node.Kind == "CONCEPT":
		node.Type = NodeConcept
	case blueprint:
		node.Type = NodeBlueprintEntity
	default:
		node.Type = NodeExtractedEntity
	}
	node.Size = nodeSize(node.Type, node.Frequency)
	node.Color = nodeColor(node.Type, node.Kind)

	return MergedNode{Node: node, Members: members}
}

// addAlias records alias unless it only repeats the label. Keyed by lowercase
// so case variants collapse to the first spelling seen.
func addAlias(aliases map[string]string, label, alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" || strings.EqualFold(alias, label) {
		return
	}
	key := strings.ToLower(alias)
	if _, ok := aliases[key]; !ok {
		aliases[key] = alias
	}
}

// boostConfidence combines two independent confidences: 1-(1-a)(1-b).
func boostConfidence(existing, new float64) float64 {
	combined := existing + new - (existing * new)
	if combined > 1.0 {
		combined = 1.0
	}
	return combined
}

func nodeSize(t NodeType, frequency int) float64 {
	switch t {
	case NodeFolder:
		return 14
	case NodeNote:
		return 10
	}
	return 8 + 4*math.Log1p(float64(frequency))
}

var kindColors = map[string]string{
	"CHARACTER": "#e76f51",
	"LOCATION":  "#2a9d8f",
	"FACTION":   "#8d5a97",
	"ITEM":      "#e9c46a",
	"EVENT":     "#f4a261",
	"CONCEPT":   "#457b9d",
}

func nodeColor(t NodeType, kind string) string {
	switch t {
	case NodeFolder:
		return "#6c757d"
	case NodeNote:
		return "#adb5bd"
	}
	if c, ok := kindColors[kind]; ok {
		return c
	}
	return "#264653"
}

// noteNode builds the fixed-attribute node for a note.
func noteNode(n *store.Note) Node {
	return Node{
		ID:          n.ID,
		Label:       n.Title,
		Type:        NodeNote,
		Kind:        n.EntityKind,
		Subtype:     n.EntitySubtype,
		Frequency:   1,
		Size:        nodeSize(NodeNote, 1),
		Color:       nodeColor(NodeNote, ""),
		Confidence:  1,
		IsCanonical: true,
		ParentID:    n.FolderID,
	}
}

// folderNode builds the fixed-attribute node for a folder.
func folderNode(f *store.Folder) Node {
	color := f.Color
	if color == "" {
		color = nodeColor(NodeFolder, "")
	}
	return Node{
		ID:          f.ID,
		Label:       f.Name,
		Type:        NodeFolder,
		Kind:        f.EntityKind,
		Subtype:     f.EntitySubtype,
		Frequency:   1,
		Size:        nodeSize(NodeFolder, 1),
		Color:       color,
		Confidence:  1,
		IsCanonical: true,
		ParentID:    f.ParentID,
	}
}
