// Package store provides the persistent graph store behind the sync engine.
// Three backends share one Storer contract: MemStore for tests, SQLiteStore
// (ncruces/go-sqlite3) and BadgerStore (dgraph-io/badger).
package store

import (
	"errors"
	"fmt"
)

// Note is a user document. It becomes a note node in the projection.
type Note struct {
	ID              string  `json:"id"`
	WorldID         string  `json:"worldId"`
	Title           string  `json:"title"`
	Content         string  `json:"content"`
	MarkdownContent string  `json:"markdownContent"`
	FolderID        string  `json:"folderId"`
	EntityKind      string  `json:"entityKind"`
	EntitySubtype   string  `json:"entitySubtype"`
	IsEntity        bool    `json:"isEntity"`
	IsPinned        bool    `json:"isPinned"`
	Favorite        bool    `json:"favorite"`
	OwnerID         string  `json:"ownerId"`
	NarrativeID     string  `json:"narrativeId"`
	Order           float64 `json:"order"`
	CreatedAt       int64   `json:"createdAt"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// Folder groups notes and other folders.
type Folder struct {
	ID            string  `json:"id"`
	WorldID       string  `json:"worldId"`
	Name          string  `json:"name"`
	ParentID      string  `json:"parentId"`
	EntityKind    string  `json:"entityKind"`
	EntitySubtype string  `json:"entitySubtype"`
	Color         string  `json:"color"`
	NarrativeID   string  `json:"narrativeId"`
	Order         float64 `json:"order"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

// Entity is a registered character, place, concept or other mined entity.
// CreatedBy doubles as the provenance source. A nil Confidence is read as 1.0.
type Entity struct {
	ID            string   `json:"id"`
	Label         string   `json:"label"`
	Kind          string   `json:"kind"`
	Subtype       string   `json:"subtype,omitempty"`
	Aliases       []string `json:"aliases"`
	FirstNote     string   `json:"firstNote"`
	TotalMentions int      `json:"totalMentions"`
	NarrativeID   string   `json:"narrativeId,omitempty"`
	CreatedBy     string   `json:"createdBy"` // "user" | "extraction" | "auto" | "blueprint" | "llm"
	Confidence    *float64 `json:"confidence,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
	UpdatedAt     int64    `json:"updatedAt"`
}

// Edge is a relationship between two records (entities, notes or folders).
// Zero Weight and nil Confidence are read as 1.0.
type Edge struct {
	ID            string   `json:"id"`
	SourceID      string   `json:"sourceId"`
	TargetID      string   `json:"targetId"`
	RelType       string   `json:"relType"`
	Weight        float64  `json:"weight"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Bidirectional bool     `json:"bidirectional"`
	SourceNote    string   `json:"sourceNote,omitempty"`
	EpisodeIDs    []string `json:"episodeIds,omitempty"`
	NoteIDs       []string `json:"noteIds,omitempty"`
	ValidAt       int64    `json:"validAt"`
	InvalidAt     *int64   `json:"invalidAt,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
}

// Storer defines the interface for data persistence.
// Get methods return (nil, nil) when the record does not exist.
type Storer interface {
	// Notes
	UpsertNote(note *Note) error
	GetNote(id string) (*Note, error)
	DeleteNote(id string) error
	ListNotes(folderID string) ([]*Note, error)
	CountNotes() (int, error)

	// Folders
	UpsertFolder(folder *Folder) error
	GetFolder(id string) (*Folder, error)
	DeleteFolder(id string) error
	ListFolders() ([]*Folder, error)
	CountFolders() (int, error)

	// Entities
	UpsertEntity(entity *Entity) error
	GetEntity(id string) (*Entity, error)
	GetEntityByLabel(label string) (*Entity, error)
	DeleteEntity(id string) error
	ListEntities(kind string) ([]*Entity, error)
	CountEntities() (int, error)

	// Edges
	UpsertEdge(edge *Edge) error
	GetEdge(id string) (*Edge, error)
	DeleteEdge(id string) error
	ListEdges() ([]*Edge, error)
	ListEdgesForEntity(entityID string) ([]*Edge, error)
	CountEdges() (int, error)

	// Lifecycle
	Close() error
}

// Transactional is implemented by stores that can apply a group of writes
// atomically.
type Transactional interface {
	Storer
	Begin() (Tx, error)
}

// Tx is a Storer bound to an open transaction.
type Tx interface {
	Storer
	Commit() error
	Rollback() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// WithTransaction runs fn inside a transaction when s supports one, and
// directly against s otherwise.
func WithTransaction(s Storer, fn func(Storer) error) (err error) {
	ts, ok := s.(Transactional)
	if !ok {
		return fn(s)
	}

	tx, err := ts.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Snapshot is a complete copy of every record in a store.
type Snapshot struct {
	Notes    []*Note
	Folders  []*Folder
	Entities []*Entity
	Edges    []*Edge
}

// LoadSnapshot reads every note, folder, entity and edge from s.
func LoadSnapshot(s Storer) (*Snapshot, error) {
	notes, err := s.ListNotes("")
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	folders, err := s.ListFolders()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	entities, err := s.ListEntities("")
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	edges, err := s.ListEdges()
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	return &Snapshot{Notes: notes, Folders: folders, Entities: entities, Edges: edges}, nil
}

// CloneNote returns a deep copy of n.
func CloneNote(n *Note) *Note {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// CloneFolder returns a deep copy of f.
func CloneFolder(f *Folder) *Folder {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// CloneEntity returns a deep copy of e.
func CloneEntity(e *Entity) *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Aliases = append([]string(nil), e.Aliases...)
	c.Confidence = cloneFloat(e.Confidence)
	return &c
}

// CloneEdge returns a deep copy of e.
func CloneEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.EpisodeIDs = append([]string(nil), e.EpisodeIDs...)
	c.NoteIDs = append([]string(nil), e.NoteIDs...)
	c.Confidence = cloneFloat(e.Confidence)
	if e.InvalidAt != nil {
		v := *e.InvalidAt
		c.InvalidAt = &v
	}
	return &c
}

// Confidence returns a pointer to v, for the optional Confidence fields.
func Confidence(v float64) *float64 {
	return &v
}

// ConfidenceOr returns *c, or def when c is nil.
func ConfidenceOr(c *float64, def float64) float64 {
	if c == nil {
		return def
	}
	return *c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
