package lexical

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/search"
	"github.com/kittclouds/kittgraph/pkg/syncengine"
)

// Source serves lexical candidates over notes and entities. Sync keeps it in
// step with the sync engine; only records whose text changed are reindexed.
type Source struct {
	index *Index
	boost float64
	log   zerolog.Logger

	mu     sync.RWMutex
	labels *LabelMatcher
	prints map[string]uint64
}

// NewSource creates an empty source.
func NewSource(cfg Config, log zerolog.Logger) *Source {
	return &Source{
		index:  NewIndex(cfg),
		boost:  cfg.MentionBoost,
		log:    log.With().Str("component", "lexical").Logger(),
		labels: &LabelMatcher{},
		prints: make(map[string]uint64),
	}
}

// Index exposes the underlying BM25F index.
func (s *Source) Index() *Index {
	return s.index
}

// Sync reindexes the notes and entities of st and reports how many documents
// were added, changed or removed.
func (s *Source) Sync(st syncengine.State) int {
	return s.SyncRecords(st.Notes, st.Entities)
}

// SyncRecords is Sync over explicit record lists.
func (s *Source) SyncRecords(notes []*store.Note, entities []*store.Entity) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(notes)+len(entities))
	changed := 0
	entitiesChanged := false

	for _, n := range notes {
		if n == nil {
			continue
		}
		seen[n.ID] = true
		body := n.Content
		if body == "" {
			body = n.MarkdownContent
		}
		fp := fingerprint("note", n.Title, body)
		if s.prints[n.ID] == fp {
			continue
		}
		s.index.Put(n.ID, n.Title, body)
		s.prints[n.ID] = fp
		changed++
	}

	for _, e := range entities {
		if e == nil {
			continue
		}
		seen[e.ID] = true
		parts := append([]string{"entity", e.Label, e.Kind}, e.Aliases...)
		fp := fingerprint(parts...)
		if s.prints[e.ID] == fp {
			continue
		}
		s.index.Put(e.ID, e.Label, strings.Join(e.Aliases, " "))
		s.prints[e.ID] = fp
		changed++
		entitiesChanged = true
	}

	for id := range s.prints {
		if seen[id] {
			continue
		}
		s.index.Remove(id)
		delete(s.prints, id)
		changed++
		entitiesChanged = true
	}

	if entitiesChanged {
		s.labels = NewLabelMatcher(entities)
	}
	if changed > 0 {
		s.log.Debug().Int("changed", changed).Int("documents", s.index.Len()).Msg("lexical index synced")
	}
	return changed
}

// Mentions returns the ids of known entities named in text.
func (s *Source) Mentions(text string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels.Match(text)
}

// Search implements search.LexicalSource. Entities named verbatim in the
// query rank above every term match.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]search.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := s.index.Search(query, limit)

	mentioned := s.Mentions(query)
	if len(mentioned) == 0 {
		return hits, nil
	}

	top := 1.0
	if len(hits) > 0 {
		top = hits[0].Score
	}
	byID := make(map[string]int, len(hits))
	for i, h := range hits {
		byID[h.ID] = i
	}
	for _, id := range mentioned {
		score := top + s.boost
		if i, ok := byID[id]; ok {
			if score > hits[i].Score {
				hits[i].Score = score
			}
			continue
		}
		hits = append(hits, search.Candidate{ID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func fingerprint(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
