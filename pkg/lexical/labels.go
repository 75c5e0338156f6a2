package lexical

import (
	"sort"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"github.com/kittclouds/kittgraph/internal/store"
)

// LabelMatcher finds entities whose label or alias occurs as whole words in
// a piece of text.
type LabelMatcher struct {
	ac       ahocorasick.AhoCorasick
	patterns []string
	owners   [][]string // pattern index -> entity ids
}

// NewLabelMatcher compiles the labels and aliases of entities.
func NewLabelMatcher(entities []*store.Entity) *LabelMatcher {
	m := &LabelMatcher{}
	index := make(map[string]int)

	add := func(surface, id string) {
		key := Normalize(surface)
		if key == "" {
			return
		}
		i, ok := index[key]
		if !ok {
			i = len(m.patterns)
			index[key] = i
			m.patterns = append(m.patterns, key)
			m.owners = append(m.owners, nil)
		}
		for _, existing := range m.owners[i] {
			if existing == id {
				return
			}
		}
		m.owners[i] = append(m.owners[i], id)
	}

	for _, e := range entities {
		if e == nil {
			continue
		}
		add(e.Label, e.ID)
		for _, a := range e.Aliases {
			add(a, e.ID)
		}
	}
	if len(m.patterns) == 0 {
		return m
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	m.ac = builder.Build(m.patterns)
	return m
}

// Len returns the number of distinct surface forms.
func (m *LabelMatcher) Len() int {
	return len(m.patterns)
}

// Match returns the sorted ids of entities mentioned in text.
func (m *LabelMatcher) Match(text string) []string {
	if m == nil || len(m.patterns) == 0 {
		return nil
	}
	norm := Normalize(text)
	if norm == "" {
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, hit := range m.ac.FindAll(norm) {
		for _, id := range m.owners[hit.Pattern()] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
