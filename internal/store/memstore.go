package store

import (
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory implementation of Storer for testing.
// Transactions work on a private copy that replaces the live maps on Commit.
type MemStore struct {
	mu       sync.RWMutex
	notes    map[string]*Note
	folders  map[string]*Folder
	entities map[string]*Entity
	edges    map[string]*Edge

	parent *MemStore // set on transaction views
	done   bool
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		notes:    make(map[string]*Note),
		folders:  make(map[string]*Folder),
		entities: make(map[string]*Entity),
		edges:    make(map[string]*Edge),
	}
}

// Close is a no-op for MemStore.
func (s *MemStore) Close() error {
	return nil
}

// Begin opens a transaction over a copy of the current contents.
func (s *MemStore) Begin() (Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := NewMemStore()
	tx.parent = s
	for id, n := range s.notes {
		tx.notes[id] = CloneNote(n)
	}
	for id, f := range s.folders {
		tx.folders[id] = CloneFolder(f)
	}
	for id, e := range s.entities {
		tx.entities[id] = CloneEntity(e)
	}
	for id, e := range s.edges {
		tx.edges[id] = CloneEdge(e)
	}
	return &memTx{MemStore: tx}, nil
}

type memTx struct {
	*MemStore
}

func (t *memTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	p := t.parent
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = t.notes
	p.folders = t.folders
	p.entities = t.entities
	p.edges = t.edges
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

// =============================================================================
// Note CRUD
// =============================================================================

func (s *MemStore) UpsertNote(note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notes[note.ID] = CloneNote(note)
	return nil
}

func (s *MemStore) GetNote(id string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return CloneNote(s.notes[id]), nil
}

func (s *MemStore) DeleteNote(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.notes, id)
	return nil
}

func (s *MemStore) ListNotes(folderID string) ([]*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Note
	for _, note := range s.notes {
		if folderID == "" || note.FolderID == folderID {
			result = append(result, CloneNote(note))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemStore) CountNotes() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes), nil
}

// =============================================================================
// Folder CRUD
// =============================================================================

func (s *MemStore) UpsertFolder(folder *Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.folders[folder.ID] = CloneFolder(folder)
	return nil
}

func (s *MemStore) GetFolder(id string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return CloneFolder(s.folders[id]), nil
}

func (s *MemStore) DeleteFolder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folders, id)
	return nil
}

func (s *MemStore) ListFolders() ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Folder, 0, len(s.folders))
	for _, f := range s.folders {
		result = append(result, CloneFolder(f))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemStore) CountFolders() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.folders), nil
}

// =============================================================================
// Entity CRUD
// =============================================================================

func (s *MemStore) UpsertEntity(entity *Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[entity.ID] = CloneEntity(entity)
	return nil
}

func (s *MemStore) GetEntity(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return CloneEntity(s.entities[id]), nil
}

func (s *MemStore) GetEntityByLabel(label string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entity := range s.entities {
		if strings.EqualFold(entity.Label, label) {
			return CloneEntity(entity), nil
		}
	}
	return nil, nil
}

func (s *MemStore) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, id)
	return nil
}

func (s *MemStore) ListEntities(kind string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entity
	for _, entity := range s.entities {
		if kind == "" || entity.Kind == kind {
			result = append(result, CloneEntity(entity))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Label != result[j].Label {
			return result[i].Label < result[j].Label
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemStore) CountEntities() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities), nil
}

// =============================================================================
// Edge CRUD
// =============================================================================

func (s *MemStore) UpsertEdge(edge *Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges[edge.ID] = CloneEdge(edge)
	return nil
}

func (s *MemStore) GetEdge(id string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return CloneEdge(s.edges[id]), nil
}

func (s *MemStore) DeleteEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.edges, id)
	return nil
}

func (s *MemStore) ListEdges() ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Edge, 0, len(s.edges))
	for _, edge := range s.edges {
		result = append(result, CloneEdge(edge))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemStore) ListEdgesForEntity(entityID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Edge
	for _, edge := range s.edges {
		if edge.SourceID == entityID || edge.TargetID == entityID {
			result = append(result, CloneEdge(edge))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemStore) CountEdges() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges), nil
}

// Compile-time interface check
var (
	_ Storer        = (*MemStore)(nil)
	_ Transactional = (*MemStore)(nil)
)
