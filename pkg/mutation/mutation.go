// Package mutation defines the local write records that flow from the sync
// engine through the write buffer into the persistent store.
package mutation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/kittgraph/internal/store"
)

// Type identifies the kind of write a mutation performs.
type Type int

const (
	CreateNote Type = iota + 1
	UpdateNote
	DeleteNote
	CreateFolder
	UpdateFolder
	DeleteFolder
	UpsertEntity
	DeleteEntity
	CreateEdge
	DeleteEdge
)

var typeNames = map[Type]string{
	CreateNote:   "CREATE_NOTE",
	UpdateNote:   "UPDATE_NOTE",
	DeleteNote:   "DELETE_NOTE",
	CreateFolder: "CREATE_FOLDER",
	UpdateFolder: "UPDATE_FOLDER",
	DeleteFolder: "DELETE_FOLDER",
	UpsertEntity: "UPSERT_ENTITY",
	DeleteEntity: "DELETE_ENTITY",
	CreateEdge:   "CREATE_EDGE",
	DeleteEdge:   "DELETE_EDGE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, fmt.Errorf("unknown mutation type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a type name such as "CREATE_NOTE".
func (t *Type) UnmarshalText(b []byte) error {
	for typ, name := range typeNames {
		if name == string(b) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown mutation type %q", string(b))
}

// IsDelete reports whether t removes a record.
func (t Type) IsDelete() bool {
	return t == DeleteNote || t == DeleteFolder || t == DeleteEntity || t == DeleteEdge
}

// Status is the lifecycle state of a mutation.
type Status int

const (
	Pending Status = iota
	Committed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Payload is the record carried by a mutation. The set of payloads is closed.
type Payload interface {
	isPayload()
}

// NotePayload carries a full note for create and update.
type NotePayload struct {
	Note *store.Note `json:"note"`
}

// FolderPayload carries a full folder for create and update.
type FolderPayload struct {
	Folder *store.Folder `json:"folder"`
}

// EntityPayload carries a full entity for upsert.
type EntityPayload struct {
	Entity *store.Entity `json:"entity"`
}

// EdgePayload carries a full edge for create.
type EdgePayload struct {
	Edge *store.Edge `json:"edge"`
}

// Deletion names the record a delete mutation removes.
type Deletion struct {
	ID string `json:"id"`
}

func (NotePayload) isPayload()   {}
func (FolderPayload) isPayload() {}
func (EntityPayload) isPayload() {}
func (EdgePayload) isPayload()   {}
func (Deletion) isPayload()      {}

// Mutation is one local write.
type Mutation struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// New creates a pending mutation with a fresh id.
func New(typ Type, payload Payload) *Mutation {
	return &Mutation{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now(),
		Status:    Pending,
	}
}

// RecordID returns the id of the record the mutation touches.
func (m *Mutation) RecordID() string {
	switch p := m.Payload.(type) {
	case NotePayload:
		if p.Note != nil {
			return p.Note.ID
		}
	case FolderPayload:
		if p.Folder != nil {
			return p.Folder.ID
		}
	case EntityPayload:
		if p.Entity != nil {
			return p.Entity.ID
		}
	case EdgePayload:
		if p.Edge != nil {
			return p.Edge.ID
		}
	case Deletion:
		return p.ID
	}
	return ""
}

// Validate checks that the payload matches the mutation type and is complete.
func (m *Mutation) Validate() error {
	switch m.Type {
	case CreateNote, UpdateNote:
		p, ok := m.Payload.(NotePayload)
		if !ok || p.Note == nil || p.Note.ID == "" {
			return fmt.Errorf("%s requires a note with an id", m.Type)
		}
	case CreateFolder, UpdateFolder:
		p, ok := m.Payload.(FolderPayload)
		if !ok || p.Folder == nil || p.Folder.ID == "" {
			return fmt.Errorf("%s requires a folder with an id", m.Type)
		}
	case UpsertEntity:
		p, ok := m.Payload.(EntityPayload)
		if !ok || p.Entity == nil || p.Entity.ID == "" {
			return fmt.Errorf("%s requires an entity with an id", m.Type)
		}
	case CreateEdge:
		p, ok := m.Payload.(EdgePayload)
		if !ok || p.Edge == nil || p.Edge.ID == "" {
			return fmt.Errorf("%s requires an edge with an id", m.Type)
		}
	case DeleteNote, DeleteFolder, DeleteEntity, DeleteEdge:
		p, ok := m.Payload.(Deletion)
		if !ok || p.ID == "" {
			return fmt.Errorf("%s requires an id", m.Type)
		}
	default:
		return fmt.Errorf("unknown mutation type %d", int(m.Type))
	}
	return nil
}

// Apply performs the mutation against s.
func (m *Mutation) Apply(s store.Storer) error {
	if err := m.Validate(); err != nil {
		return err
	}

	switch m.Type {
	case CreateNote, UpdateNote:
		return s.UpsertNote(m.Payload.(NotePayload).Note)
	case DeleteNote:
		return s.DeleteNote(m.Payload.(Deletion).ID)
	case CreateFolder, UpdateFolder:
		return s.UpsertFolder(m.Payload.(FolderPayload).Folder)
	case DeleteFolder:
		return s.DeleteFolder(m.Payload.(Deletion).ID)
	case UpsertEntity:
		return s.UpsertEntity(m.Payload.(EntityPayload).Entity)
	case DeleteEntity:
		return s.DeleteEntity(m.Payload.(Deletion).ID)
	case CreateEdge:
		return s.UpsertEdge(m.Payload.(EdgePayload).Edge)
	case DeleteEdge:
		return s.DeleteEdge(m.Payload.(Deletion).ID)
	}
	return nil
}

// ApplyAll applies a batch in order inside one store transaction, so a
// failing mutation leaves the store as it was.
func ApplyAll(s store.Storer, batch []*Mutation) error {
	return store.WithTransaction(s, func(tx store.Storer) error {
		for _, m := range batch {
			if err := m.Apply(tx); err != nil {
				return fmt.Errorf("failed to apply %s %s: %w", m.Type, m.RecordID(), err)
			}
		}
		return nil
	})
}
