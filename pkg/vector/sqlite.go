package vector

import (
	"context"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/search"
)

// EmbeddingSearcher is the nearest-neighbour query of the SQLite store.
type EmbeddingSearcher interface {
	SearchEmbeddings(query []float32, tier string, limit int) ([]store.EmbeddingHit, error)
}

// SQLiteSource serves vector candidates from the embeddings table of a
// SQLite store through sqlite-vec.
type SQLiteSource struct {
	db          EmbeddingSearcher
	defaultTier string
}

func NewSQLiteSource(db EmbeddingSearcher, defaultTier string) *SQLiteSource {
	if defaultTier == "" {
		defaultTier = "default"
	}
	return &SQLiteSource{db: db, defaultTier: defaultTier}
}

// Search implements search.VectorSource.
func (s *SQLiteSource) Search(ctx context.Context, embedding []float32, limit int, tier string) ([]search.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tier == "" {
		tier = s.defaultTier
	}
	hits, err := s.db.SearchEmbeddings(embedding, tier, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Candidate, len(hits))
	for i, h := range hits {
		out[i] = search.Candidate{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

var (
	_ search.VectorSource = (*SQLiteSource)(nil)
	_ search.VectorSource = (*Store)(nil)
	_ EmbeddingSearcher   = (*store.SQLiteStore)(nil)
)
