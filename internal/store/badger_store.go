//go:build !js

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for the record families kept in Badger.
const (
	prefixNote   = "note/"
	prefixFolder = "folder/"
	prefixEntity = "entity/"
	prefixEdge   = "edge/"
)

// BadgerStore keeps records as JSON values in a BadgerDB key space.
// Thread-safe; a Tx obtained from Begin serializes access to its badger.Txn.
type BadgerStore struct {
	db  *badger.DB
	txn *badger.Txn
	mu  *sync.Mutex // guards txn, which badger does not allow concurrently
}

// NewBadgerStore opens a store rooted at dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{db: db, mu: &sync.Mutex{}}, nil
}

// Close closes the database, or discards the transaction on a Tx.
func (s *BadgerStore) Close() error {
	if s.txn != nil {
		return s.Rollback()
	}
	return s.db.Close()
}

// Begin starts a read-write transaction.
func (s *BadgerStore) Begin() (Tx, error) {
	if s.txn != nil {
		return nil, errors.New("transaction already open")
	}
	return &BadgerStore{db: s.db, txn: s.db.NewTransaction(true), mu: &sync.Mutex{}}, nil
}

// Commit applies the transaction atomically.
func (s *BadgerStore) Commit() error {
	if s.txn == nil {
		return errors.New("no transaction open")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn.Commit()
}

// Rollback discards the transaction.
func (s *BadgerStore) Rollback() error {
	if s.txn == nil {
		return errors.New("no transaction open")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn.Discard()
	return nil
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.txn)
	}
	return s.db.Update(fn)
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if s.txn != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.txn)
	}
	return s.db.View(fn)
}

// =============================================================================
// Generic record helpers
// =============================================================================

func (s *BadgerStore) put(prefix, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefix+id), data)
	})
}

// get decodes the record at prefix+id into v and reports whether it exists.
func (s *BadgerStore) get(prefix, id string, v any) (bool, error) {
	found := false
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	return found, err
}

func (s *BadgerStore) del(prefix, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefix + id))
	})
}

// scan calls fn with the raw value of every key under prefix.
func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) countPrefix(prefix string) (int, error) {
	n := 0
	err := s.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// =============================================================================
// Note CRUD
// =============================================================================

func (s *BadgerStore) UpsertNote(note *Note) error {
	if err := s.put(prefixNote, note.ID, note); err != nil {
		return fmt.Errorf("failed to upsert note: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetNote(id string) (*Note, error) {
	var note Note
	found, err := s.get(prefixNote, id, &note)
	if err != nil || !found {
		return nil, err
	}
	return &note, nil
}

func (s *BadgerStore) DeleteNote(id string) error {
	return s.del(prefixNote, id)
}

func (s *BadgerStore) ListNotes(folderID string) ([]*Note, error) {
	var notes []*Note
	err := s.scan(prefixNote, func(val []byte) error {
		var note Note
		if err := json.Unmarshal(val, &note); err != nil {
			return err
		}
		if folderID == "" || note.FolderID == folderID {
			notes = append(notes, &note)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].Order != notes[j].Order {
			return notes[i].Order < notes[j].Order
		}
		return notes[i].ID < notes[j].ID
	})
	return notes, nil
}

func (s *BadgerStore) CountNotes() (int, error) {
	return s.countPrefix(prefixNote)
}

// =============================================================================
// Folder CRUD
// =============================================================================

func (s *BadgerStore) UpsertFolder(folder *Folder) error {
	if err := s.put(prefixFolder, folder.ID, folder); err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetFolder(id string) (*Folder, error) {
	var folder Folder
	found, err := s.get(prefixFolder, id, &folder)
	if err != nil || !found {
		return nil, err
	}
	return &folder, nil
}

func (s *BadgerStore) DeleteFolder(id string) error {
	return s.del(prefixFolder, id)
}

func (s *BadgerStore) ListFolders() ([]*Folder, error) {
	var folders []*Folder
	err := s.scan(prefixFolder, func(val []byte) error {
		var folder Folder
		if err := json.Unmarshal(val, &folder); err != nil {
			return err
		}
		folders = append(folders, &folder)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(folders, func(i, j int) bool {
		if folders[i].Order != folders[j].Order {
			return folders[i].Order < folders[j].Order
		}
		return folders[i].ID < folders[j].ID
	})
	return folders, nil
}

func (s *BadgerStore) CountFolders() (int, error) {
	return s.countPrefix(prefixFolder)
}

// =============================================================================
// Entity CRUD
// =============================================================================

func (s *BadgerStore) UpsertEntity(entity *Entity) error {
	if err := s.put(prefixEntity, entity.ID, entity); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetEntity(id string) (*Entity, error) {
	var entity Entity
	found, err := s.get(prefixEntity, id, &entity)
	if err != nil || !found {
		return nil, err
	}
	return &entity, nil
}

// GetEntityByLabel scans entities for a case-insensitive label match.
func (s *BadgerStore) GetEntityByLabel(label string) (*Entity, error) {
	entities, err := s.ListEntities("")
	if err != nil {
		return nil, err
	}
	var best *Entity
	for _, e := range entities {
		if strings.EqualFold(e.Label, label) && (best == nil || e.ID < best.ID) {
			best = e
		}
	}
	return best, nil
}

func (s *BadgerStore) DeleteEntity(id string) error {
	return s.del(prefixEntity, id)
}

func (s *BadgerStore) ListEntities(kind string) ([]*Entity, error) {
	var entities []*Entity
	err := s.scan(prefixEntity, func(val []byte) error {
		var entity Entity
		if err := json.Unmarshal(val, &entity); err != nil {
			return err
		}
		if kind == "" || entity.Kind == kind {
			entities = append(entities, &entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Label != entities[j].Label {
			return entities[i].Label < entities[j].Label
		}
		return entities[i].ID < entities[j].ID
	})
	return entities, nil
}

func (s *BadgerStore) CountEntities() (int, error) {
	return s.countPrefix(prefixEntity)
}

// =============================================================================
// Edge CRUD
// =============================================================================

func (s *BadgerStore) UpsertEdge(edge *Edge) error {
	if err := s.put(prefixEdge, edge.ID, edge); err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetEdge(id string) (*Edge, error) {
	var edge Edge
	found, err := s.get(prefixEdge, id, &edge)
	if err != nil || !found {
		return nil, err
	}
	return &edge, nil
}

func (s *BadgerStore) DeleteEdge(id string) error {
	return s.del(prefixEdge, id)
}

// ListEdges returns every edge in key order, which is ID order.
func (s *BadgerStore) ListEdges() ([]*Edge, error) {
	return s.listEdges(func(*Edge) bool { return true })
}

func (s *BadgerStore) ListEdgesForEntity(entityID string) ([]*Edge, error) {
	return s.listEdges(func(e *Edge) bool {
		return e.SourceID == entityID || e.TargetID == entityID
	})
}

func (s *BadgerStore) CountEdges() (int, error) {
	return s.countPrefix(prefixEdge)
}

func (s *BadgerStore) listEdges(keep func(*Edge) bool) ([]*Edge, error) {
	var edges []*Edge
	err := s.scan(prefixEdge, func(val []byte) error {
		var edge Edge
		if err := json.Unmarshal(val, &edge); err != nil {
			return err
		}
		if keep(&edge) {
			edges = append(edges, &edge)
		}
		return nil
	})
	return edges, err
}

// Compile-time interface check
var (
	_ Storer        = (*BadgerStore)(nil)
	_ Transactional = (*BadgerStore)(nil)
	_ Tx            = (*BadgerStore)(nil)
)
