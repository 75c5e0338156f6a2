// Package vector is the embedding candidate source: one HNSW index per model
// tier, persisted through a hackpadfs filesystem.
package vector

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/hack-pad/hackpadfs"
	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/pkg/search"
)

const fileSuffix = ".hnsw"

// Store manages the per-tier indices and their persistence. A nil FS keeps
// everything in memory.
type Store struct {
	fs          hackpadfs.FS
	dir         string
	defaultTier string
	log         zerolog.Logger

	mu    sync.RWMutex
	tiers map[string]*Index
}

// NewStore creates a store rooted at dir on fsys and loads every tier file
// found there.
func NewStore(fsys hackpadfs.FS, dir, defaultTier string, log zerolog.Logger) (*Store, error) {
	if defaultTier == "" {
		defaultTier = "default"
	}
	s := &Store{
		fs:          fsys,
		dir:         dir,
		defaultTier: defaultTier,
		log:         log.With().Str("component", "vector").Logger(),
		tiers:       make(map[string]*Index),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) tierName(tier string) string {
	if tier == "" {
		return s.defaultTier
	}
	return tier
}

func (s *Store) tierPath(tier string) string {
	return path.Join(s.dir, tier+fileSuffix)
}

// Tier returns the index for tier, creating it when create is set.
func (s *Store) Tier(tier string, create bool) *Index {
	tier = s.tierName(tier)

	s.mu.RLock()
	x := s.tiers[tier]
	s.mu.RUnlock()
	if x != nil || !create {
		return x
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if x = s.tiers[tier]; x == nil {
		x = NewIndex()
		s.tiers[tier] = x
	}
	return x
}

// Tiers returns the names of every tier, sorted.
func (s *Store) Tiers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tiers))
	for t := range s.tiers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Upsert stores vec for id in tier.
func (s *Store) Upsert(tier, id string, vec []float32) error {
	return s.Tier(tier, true).Upsert(id, vec)
}

// Delete removes id from every tier.
func (s *Store) Delete(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	removed := false
	for _, x := range s.tiers {
		if x.Delete(id) {
			removed = true
		}
	}
	return removed
}

// Prune removes, from every tier, vectors whose id is not in live. It
// returns the number of vectors removed.
func (s *Store) Prune(live map[string]bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, x := range s.tiers {
		for _, id := range x.IDs() {
			if !live[id] && x.Delete(id) {
				n++
			}
		}
	}
	if n > 0 {
		s.log.Debug().Int("removed", n).Msg("pruned vectors")
	}
	return n
}

// Search implements search.VectorSource. An unknown tier has no vectors and
// yields no candidates.
func (s *Store) Search(ctx context.Context, embedding []float32, limit int, tier string) ([]search.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x := s.Tier(tier, false)
	if x == nil {
		return nil, nil
	}
	return x.Search(embedding, limit)
}

// Save writes every tier to the filesystem.
func (s *Store) Save() error {
	if s.fs == nil {
		return nil
	}
	if s.dir != "" && s.dir != "." {
		if err := hackpadfs.MkdirAll(s.fs, s.dir, 0o755); err != nil {
			return fmt.Errorf("failed to create vector dir: %w", err)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for tier, x := range s.tiers {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(x.snapshot()); err != nil {
			return fmt.Errorf("failed to encode tier %s: %w", tier, err)
		}
		if err := hackpadfs.WriteFullFile(s.fs, s.tierPath(tier), buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write tier %s: %w", tier, err)
		}
	}
	s.log.Debug().Int("tiers", len(s.tiers)).Msg("vector store saved")
	return nil
}

// Load replaces the in-memory tiers with the files found on the
// filesystem. A missing directory is an empty store.
func (s *Store) Load() error {
	if s.fs == nil {
		return nil
	}
	dir := s.dir
	if dir == "" {
		dir = "."
	}
	entries, err := hackpadfs.ReadDir(s.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list vector dir: %w", err)
	}

	tiers := make(map[string]*Index)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tier := strings.TrimSuffix(name, fileSuffix)
		content, err := hackpadfs.ReadFile(s.fs, s.tierPath(tier))
		if err != nil {
			return fmt.Errorf("failed to read tier %s: %w", tier, err)
		}
		var snap snapshot
		if err := gob.NewDecoder(bytes.NewReader(content)).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode tier %s: %w", tier, err)
		}
		tiers[tier] = indexFromSnapshot(snap)
	}

	s.mu.Lock()
	s.tiers = tiers
	s.mu.Unlock()
	if len(tiers) > 0 {
		s.log.Info().Int("tiers", len(tiers)).Msg("vector store loaded")
	}
	return nil
}
