package lexical

import (
	"sort"
	"sync"

	"github.com/kittclouds/kittgraph/pkg/search"
)

const (
	fieldTitle = iota
	fieldContent
	numFields
)

// Config holds the BM25F parameters.
type Config struct {
	K1             float64 `yaml:"k1"`
	B              float64 `yaml:"b"`
	TitleWeight    float64 `yaml:"titleWeight"`
	ContentWeight  float64 `yaml:"contentWeight"`
	ProximityAlpha float64 `yaml:"proximityAlpha"`
	ProximityDecay float64 `yaml:"proximityDecay"`
	PhraseBoost    float64 `yaml:"phraseBoost"`
	// Segments is the number of position buckets per document, at most 32.
	Segments uint32 `yaml:"segments"`
	// MentionBoost is added above the best term score for entities whose
	// label or alias appears verbatim in the query.
	MentionBoost float64 `yaml:"mentionBoost"`
}

func DefaultConfig() Config {
	return Config{
		K1:             1.2,
		B:              0.75,
		TitleWeight:    2,
		ContentWeight:  1,
		ProximityAlpha: 0.5,
		ProximityDecay: 0.1,
		PhraseBoost:    1.5,
		Segments:       32,
		MentionBoost:   1,
	}
}

type posting struct {
	tf   [numFields]int
	mask uint32
}

type docMeta struct {
	lengths [numFields]int
	terms   []string
}

func (d *docMeta) total() int {
	return d.lengths[fieldTitle] + d.lengths[fieldContent]
}

// Index is an incremental BM25F index with two fields, title and content.
// Corpus statistics follow every Put and Remove. It is safe for concurrent use.
type Index struct {
	cfg Config

	mu        sync.RWMutex
	docs      map[string]*docMeta
	postings  map[string]map[string]*posting // term -> doc -> posting
	lengthSum [numFields]int
}

func NewIndex(cfg Config) *Index {
	if cfg.Segments == 0 || cfg.Segments > 32 {
		cfg.Segments = 32
	}
	return &Index{
		cfg:      cfg,
		docs:     make(map[string]*docMeta),
		postings: make(map[string]map[string]*posting),
	}
}

// Put indexes or replaces document id.
func (ix *Index) Put(id, title, content string) {
	fields := [numFields][]string{Tokenize(title), Tokenize(content)}
	n := len(fields[fieldTitle]) + len(fields[fieldContent])

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(id)

	meta := &docMeta{}
	local := make(map[string]*posting)
	pos := 0
	for f, toks := range fields {
		meta.lengths[f] = len(toks)
		ix.lengthSum[f] += len(toks)
		for _, term := range toks {
			p := local[term]
			if p == nil {
				p = &posting{}
				local[term] = p
				meta.terms = append(meta.terms, term)
			}
			p.tf[f]++
			p.mask |= 1 << segmentOf(pos, n, ix.cfg.Segments)
			pos++
		}
	}
	for term, p := range local {
		docs := ix.postings[term]
		if docs == nil {
			docs = make(map[string]*posting)
			ix.postings[term] = docs
		}
		docs[id] = p
	}
	ix.docs[id] = meta
}

// Remove drops document id and reports whether it was indexed.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) bool {
	meta, ok := ix.docs[id]
	if !ok {
		return false
	}
	for f := range meta.lengths {
		ix.lengthSum[f] -= meta.lengths[f]
	}
	for _, term := range meta.terms {
		docs := ix.postings[term]
		delete(docs, id)
		if len(docs) == 0 {
			delete(ix.postings, term)
		}
	}
	delete(ix.docs, id)
	return true
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search scores every document containing at least one query term and
// returns the best limit of them, highest first. limit <= 0 means all.
func (ix *Index) Search(query string, limit int) []search.Candidate {
	terms := dedupe(Tokenize(query))
	if len(terms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docs)
	if n == 0 {
		return nil
	}
	var avg [numFields]float64
	for f := range avg {
		avg[f] = float64(ix.lengthSum[f]) / float64(n)
	}
	avgDoc := avg[fieldTitle] + avg[fieldContent]

	idfs := make(map[string]float64, len(terms))
	candidates := make(map[string]bool)
	for _, term := range terms {
		docs := ix.postings[term]
		idfs[term] = idf(n, len(docs))
		for id := range docs {
			candidates[id] = true
		}
	}

	out := make([]search.Candidate, 0, len(candidates))
	for id := range candidates {
		if s := ix.scoreLocked(id, terms, idfs, avg, avgDoc); s > 0 {
			out = append(out, search.Candidate{ID: id, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (ix *Index) scoreLocked(id string, terms []string, idfs map[string]float64, avg [numFields]float64, avgDoc float64) float64 {
	meta := ix.docs[id]
	weights := [numFields]float64{ix.cfg.TitleWeight, ix.cfg.ContentWeight}

	var score float64
	var matched []termMask
	masks := make(map[string]uint32, len(terms))
	for _, term := range terms {
		p, ok := ix.postings[term][id]
		if !ok {
			continue
		}
		var freq float64
		for f := 0; f < numFields; f++ {
			freq += weights[f] * normalizedTF(p.tf[f], meta.lengths[f], avg[f], ix.cfg.B)
		}
		w := idfs[term]
		score += w * saturate(freq, ix.cfg.K1)
		matched = append(matched, termMask{mask: p.mask, idf: w})
		masks[term] = p.mask
	}
	if score == 0 {
		return 0
	}

	score *= proximity(matched, ix.cfg, meta.total(), avgDoc)
	if ix.cfg.PhraseBoost > 0 && phraseMatch(terms, masks) {
		score *= ix.cfg.PhraseBoost
	}
	return score
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
