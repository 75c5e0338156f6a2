package syncengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/mutation"
)

// write runs fn under the engine lock, queues the mutations it returns and
// notifies subscribers. A refused call changes nothing.
func (e *Engine) write(op string, fn func() ([]*mutation.Mutation, error)) error {
	e.mu.Lock()
	err := e.guardLocked()
	var ms []*mutation.Mutation
	if err == nil {
		ms, err = fn()
	}
	if err == nil {
		e.commitLocked(ms...)
	}
	e.mu.Unlock()

	if err != nil {
		return e.reject(op, err)
	}
	e.notify()
	return nil
}

func (e *Engine) projectNote(n *store.Note, op graph.ChangeOp) {
	if e.proj != nil {
		e.proj.OnNoteChange(n, op)
	}
}

func (e *Engine) projectFolder(f *store.Folder, op graph.ChangeOp) {
	if e.proj != nil {
		e.proj.OnFolderChange(f, op)
	}
}

func (e *Engine) projectEntity(en *store.Entity, op graph.ChangeOp) {
	if e.proj != nil {
		e.proj.OnEntityChange(en, op)
	}
}

func (e *Engine) projectEdge(ed *store.Edge, op graph.ChangeOp) {
	if e.proj != nil {
		e.proj.OnEdgeChange(ed, op)
	}
}

// =============================================================================
// Notes
// =============================================================================

// CreateNote stores a new note and returns the stored copy. An empty id is
// replaced with a fresh one.
func (e *Engine) CreateNote(n *store.Note) (*store.Note, error) {
	var out *store.Note
	err := e.write("CreateNote", func() ([]*mutation.Mutation, error) {
		if n == nil {
			return nil, fmt.Errorf("%w: note is nil", ErrValidation)
		}
		note := store.CloneNote(n)
		if note.ID == "" {
			note.ID = uuid.NewString()
		}
		if _, ok := e.notes[note.ID]; ok {
			return nil, fmt.Errorf("%w: note %s already exists", ErrValidation, note.ID)
		}
		if note.FolderID != "" && e.folders[note.FolderID] == nil {
			return nil, fmt.Errorf("%w: folder %s", ErrNotFound, note.FolderID)
		}
		now := e.nowMillis()
		if note.CreatedAt == 0 {
			note.CreatedAt = now
		}
		note.UpdatedAt = now

		e.notes[note.ID] = note
		e.projectNote(note, graph.ChangeAdd)
		out = store.CloneNote(note)
		return []*mutation.Mutation{
			mutation.New(mutation.CreateNote, mutation.NotePayload{Note: store.CloneNote(note)}),
		}, nil
	})
	return out, err
}

// UpdateNote replaces an existing note. CreatedAt is kept from the cached copy.
func (e *Engine) UpdateNote(n *store.Note) (*store.Note, error) {
	var out *store.Note
	err := e.write("UpdateNote", func() ([]*mutation.Mutation, error) {
		if n == nil || n.ID == "" {
			return nil, fmt.Errorf("%w: note id is required", ErrValidation)
		}
		old, ok := e.notes[n.ID]
		if !ok {
			return nil, fmt.Errorf("%w: note %s", ErrNotFound, n.ID)
		}
		if n.FolderID != "" && e.folders[n.FolderID] == nil {
			return nil, fmt.Errorf("%w: folder %s", ErrNotFound, n.FolderID)
		}
		note := store.CloneNote(n)
		note.CreatedAt = old.CreatedAt
		note.UpdatedAt = e.nowMillis()

		e.notes[note.ID] = note
		e.projectNote(note, graph.ChangeUpdate)
		out = store.CloneNote(note)
		return []*mutation.Mutation{
			mutation.New(mutation.UpdateNote, mutation.NotePayload{Note: store.CloneNote(note)}),
		}, nil
	})
	return out, err
}

// DeleteNote removes a note and every edge that references it.
func (e *Engine) DeleteNote(id string) error {
	return e.write("DeleteNote", func() ([]*mutation.Mutation, error) {
		if id == "" {
			return nil, fmt.Errorf("%w: note id is required", ErrValidation)
		}
		if _, ok := e.notes[id]; !ok {
			return nil, fmt.Errorf("%w: note %s", ErrNotFound, id)
		}
		return e.deleteNoteLocked(id), nil
	})
}

func (e *Engine) deleteNoteLocked(id string) []*mutation.Mutation {
	ms := e.deleteEdgesTouchingLocked(id)
	n := e.notes[id]
	delete(e.notes, id)
	e.projectNote(n, graph.ChangeDelete)
	return append(ms, mutation.New(mutation.DeleteNote, mutation.Deletion{ID: id}))
}

// GetNote returns a copy of the cached note.
func (e *Engine) GetNote(id string) (*store.Note, bool) {
	e.mu.RLock()
	n, ok := e.notes[id]
	e.mu.RUnlock()
	e.metrics.lookup(ok)
	return store.CloneNote(n), ok
}

// LookupRecord returns the note, entity or folder with id, whichever exists.
// Unlike the Get methods it does not count as a cache lookup.
func (e *Engine) LookupRecord(id string) (*store.Note, *store.Entity, *store.Folder) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if n, ok := e.notes[id]; ok {
		return store.CloneNote(n), nil, nil
	}
	if en, ok := e.entities[id]; ok {
		return nil, store.CloneEntity(en), nil
	}
	if f, ok := e.folders[id]; ok {
		return nil, nil, store.CloneFolder(f)
	}
	return nil, nil, nil
}

// ListNotes returns the notes in folderID, or every note when folderID is
// empty, ordered by Order then id.
func (e *Engine) ListNotes(folderID string) []*store.Note {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listNotesLocked(folderID)
}

func (e *Engine) listNotesLocked(folderID string) []*store.Note {
	out := make([]*store.Note, 0, len(e.notes))
	for _, n := range e.notes {
		if folderID == "" || n.FolderID == folderID {
			out = append(out, store.CloneNote(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// Folders
// =============================================================================

// CreateFolder stores a new folder. Name is required.
func (e *Engine) CreateFolder(f *store.Folder) (*store.Folder, error) {
	var out *store.Folder
	err := e.write("CreateFolder", func() ([]*mutation.Mutation, error) {
		if f == nil || strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: folder name is required", ErrValidation)
		}
		folder := store.CloneFolder(f)
		if folder.ID == "" {
			folder.ID = uuid.NewString()
		}
		if _, ok := e.folders[folder.ID]; ok {
			return nil, fmt.Errorf("%w: folder %s already exists", ErrValidation, folder.ID)
		}
		if folder.ParentID != "" && e.folders[folder.ParentID] == nil {
			return nil, fmt.Errorf("%w: parent folder %s", ErrNotFound, folder.ParentID)
		}
		now := e.nowMillis()
		if folder.CreatedAt == 0 {
			folder.CreatedAt = now
		}
		folder.UpdatedAt = now

		e.folders[folder.ID] = folder
		e.projectFolder(folder, graph.ChangeAdd)
		out = store.CloneFolder(folder)
		return []*mutation.Mutation{
			mutation.New(mutation.CreateFolder, mutation.FolderPayload{Folder: store.CloneFolder(folder)}),
		}, nil
	})
	return out, err
}

// UpdateFolder replaces an existing folder. A folder cannot be moved under
// itself or one of its descendants.
func (e *Engine) UpdateFolder(f *store.Folder) (*store.Folder, error) {
	var out *store.Folder
	err := e.write("UpdateFolder", func() ([]*mutation.Mutation, error) {
		if f == nil || f.ID == "" {
			return nil, fmt.Errorf("%w: folder id is required", ErrValidation)
		}
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("%w: folder name is required", ErrValidation)
		}
		old, ok := e.folders[f.ID]
		if !ok {
			return nil, fmt.Errorf("%w: folder %s", ErrNotFound, f.ID)
		}
		if f.ParentID != "" {
			if e.folders[f.ParentID] == nil {
				return nil, fmt.Errorf("%w: parent folder %s", ErrNotFound, f.ParentID)
			}
			for _, sub := range e.folderSubtreeLocked(f.ID) {
				if sub == f.ParentID {
					return nil, fmt.Errorf("%w: folder %s cannot move under %s", ErrValidation, f.ID, f.ParentID)
				}
			}
		}
		folder := store.CloneFolder(f)
		folder.CreatedAt = old.CreatedAt
		folder.UpdatedAt = e.nowMillis()

		e.folders[folder.ID] = folder
		e.projectFolder(folder, graph.ChangeUpdate)
		out = store.CloneFolder(folder)
		return []*mutation.Mutation{
			mutation.New(mutation.UpdateFolder, mutation.FolderPayload{Folder: store.CloneFolder(folder)}),
		}, nil
	})
	return out, err
}

// DeleteFolder removes a folder with its subfolders, the notes they contain
// and every edge touching any of them. Children are deleted before parents.
func (e *Engine) DeleteFolder(id string) error {
	return e.write("DeleteFolder", func() ([]*mutation.Mutation, error) {
		if id == "" {
			return nil, fmt.Errorf("%w: folder id is required", ErrValidation)
		}
		if _, ok := e.folders[id]; !ok {
			return nil, fmt.Errorf("%w: folder %s", ErrNotFound, id)
		}

		subtree := e.folderSubtreeLocked(id)
		var ms []*mutation.Mutation
		for i := len(subtree) - 1; i >= 0; i-- {
			fid := subtree[i]
			for _, n := range e.listNotesLocked(fid) {
				ms = append(ms, e.deleteNoteLocked(n.ID)...)
			}
			ms = append(ms, e.deleteEdgesTouchingLocked(fid)...)
			f := e.folders[fid]
			delete(e.folders, fid)
			e.projectFolder(f, graph.ChangeDelete)
			ms = append(ms, mutation.New(mutation.DeleteFolder, mutation.Deletion{ID: fid}))
		}
		return ms, nil
	})
}

// folderSubtreeLocked returns id and its descendants in breadth-first order.
func (e *Engine) folderSubtreeLocked(id string) []string {
	children := make(map[string][]string)
	for _, f := range e.folders {
		if f.ParentID != "" {
			children[f.ParentID] = append(children[f.ParentID], f.ID)
		}
	}
	out := []string{id}
	seen := map[string]bool{id: true}
	for i := 0; i < len(out); i++ {
		kids := children[out[i]]
		sort.Strings(kids)
		for _, k := range kids {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// GetFolder returns a copy of the cached folder.
func (e *Engine) GetFolder(id string) (*store.Folder, bool) {
	e.mu.RLock()
	f, ok := e.folders[id]
	e.mu.RUnlock()
	e.metrics.lookup(ok)
	return store.CloneFolder(f), ok
}

// ListFolders returns every folder ordered by Order then id.
func (e *Engine) ListFolders() []*store.Folder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listFoldersLocked()
}

func (e *Engine) listFoldersLocked() []*store.Folder {
	out := make([]*store.Folder, 0, len(e.folders))
	for _, f := range e.folders {
		out = append(out, store.CloneFolder(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// Entities
// =============================================================================

// UpsertEntity creates or replaces an entity. Label and Kind are required;
// Kind is stored upper-cased.
func (e *Engine) UpsertEntity(en *store.Entity) (*store.Entity, error) {
	var out *store.Entity
	err := e.write("UpsertEntity", func() ([]*mutation.Mutation, error) {
		if en == nil || strings.TrimSpace(en.Label) == "" {
			return nil, fmt.Errorf("%w: entity label is required", ErrValidation)
		}
		if strings.TrimSpace(en.Kind) == "" {
			return nil, fmt.Errorf("%w: entity kind is required", ErrValidation)
		}
		if err := checkConfidence(en.Confidence); err != nil {
			return nil, err
		}
		entity := store.CloneEntity(en)
		if entity.ID == "" {
			entity.ID = uuid.NewString()
		}
		entity.Kind = strings.ToUpper(strings.TrimSpace(entity.Kind))
		now := e.nowMillis()
		op := graph.ChangeAdd
		if old, ok := e.entities[entity.ID]; ok {
			op = graph.ChangeUpdate
			entity.CreatedAt = old.CreatedAt
		} else if entity.CreatedAt == 0 {
			entity.CreatedAt = now
		}
		entity.UpdatedAt = now

		e.entities[entity.ID] = entity
		e.projectEntity(entity, op)
		out = store.CloneEntity(entity)
		return []*mutation.Mutation{
			mutation.New(mutation.UpsertEntity, mutation.EntityPayload{Entity: store.CloneEntity(entity)}),
		}, nil
	})
	return out, err
}

// DeleteEntity removes an entity and every edge that references it.
func (e *Engine) DeleteEntity(id string) error {
	return e.write("DeleteEntity", func() ([]*mutation.Mutation, error) {
		if id == "" {
			return nil, fmt.Errorf("%w: entity id is required", ErrValidation)
		}
		en, ok := e.entities[id]
		if !ok {
			return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
		}
		ms := e.deleteEdgesTouchingLocked(id)
		delete(e.entities, id)
		e.projectEntity(en, graph.ChangeDelete)
		return append(ms, mutation.New(mutation.DeleteEntity, mutation.Deletion{ID: id})), nil
	})
}

// GetEntity returns a copy of the cached entity.
func (e *Engine) GetEntity(id string) (*store.Entity, bool) {
	e.mu.RLock()
	en, ok := e.entities[id]
	e.mu.RUnlock()
	e.metrics.lookup(ok)
	return store.CloneEntity(en), ok
}

// ListEntities returns the entities of kind, or all when kind is empty,
// ordered by label then id.
func (e *Engine) ListEntities(kind string) []*store.Entity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listEntitiesLocked(kind)
}

func (e *Engine) listEntitiesLocked(kind string) []*store.Entity {
	out := make([]*store.Entity, 0, len(e.entities))
	for _, en := range e.entities {
		if kind == "" || strings.EqualFold(en.Kind, kind) {
			out = append(out, store.CloneEntity(en))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// Edges
// =============================================================================

// CreateEdge stores a new edge. Both endpoints must exist locally as an
// entity, note or folder.
func (e *Engine) CreateEdge(ed *store.Edge) (*store.Edge, error) {
	var out *store.Edge
	err := e.write("CreateEdge", func() ([]*mutation.Mutation, error) {
		if ed == nil || ed.SourceID == "" || ed.TargetID == "" {
			return nil, fmt.Errorf("%w: edge source and target are required", ErrValidation)
		}
		if ed.Weight < 0 {
			return nil, fmt.Errorf("%w: negative weight %v", ErrValidation, ed.Weight)
		}
		if err := checkConfidence(ed.Confidence); err != nil {
			return nil, err
		}
		for _, id := range []string{ed.SourceID, ed.TargetID} {
			if !e.existsLocked(id) {
				return nil, fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
			}
		}
		edge := store.CloneEdge(ed)
		if edge.ID == "" {
			edge.ID = uuid.NewString()
		}
		if _, ok := e.edges[edge.ID]; ok {
			return nil, fmt.Errorf("%w: edge %s already exists", ErrValidation, edge.ID)
		}
		now := e.nowMillis()
		if edge.CreatedAt == 0 {
			edge.CreatedAt = now
		}
		if edge.ValidAt == 0 {
			edge.ValidAt = now
		}

		e.edges[edge.ID] = edge
		e.projectEdge(edge, graph.ChangeAdd)
		out = store.CloneEdge(edge)
		return []*mutation.Mutation{
			mutation.New(mutation.CreateEdge, mutation.EdgePayload{Edge: store.CloneEdge(edge)}),
		}, nil
	})
	return out, err
}

// DeleteEdge removes one edge.
func (e *Engine) DeleteEdge(id string) error {
	return e.write("DeleteEdge", func() ([]*mutation.Mutation, error) {
		if id == "" {
			return nil, fmt.Errorf("%w: edge id is required", ErrValidation)
		}
		ed, ok := e.edges[id]
		if !ok {
			return nil, fmt.Errorf("%w: edge %s", ErrNotFound, id)
		}
		delete(e.edges, id)
		e.projectEdge(ed, graph.ChangeDelete)
		return []*mutation.Mutation{mutation.New(mutation.DeleteEdge, mutation.Deletion{ID: id})}, nil
	})
}

// deleteEdgesTouchingLocked removes every edge with id as an endpoint.
func (e *Engine) deleteEdgesTouchingLocked(id string) []*mutation.Mutation {
	var ids []string
	for eid, ed := range e.edges {
		if ed.SourceID == id || ed.TargetID == id {
			ids = append(ids, eid)
		}
	}
	sort.Strings(ids)

	ms := make([]*mutation.Mutation, 0, len(ids))
	for _, eid := range ids {
		ed := e.edges[eid]
		delete(e.edges, eid)
		e.projectEdge(ed, graph.ChangeDelete)
		ms = append(ms, mutation.New(mutation.DeleteEdge, mutation.Deletion{ID: eid}))
	}
	return ms
}

func (e *Engine) existsLocked(id string) bool {
	if _, ok := e.entities[id]; ok {
		return true
	}
	if _, ok := e.notes[id]; ok {
		return true
	}
	_, ok := e.folders[id]
	return ok
}

// GetEdge returns a copy of the cached edge.
func (e *Engine) GetEdge(id string) (*store.Edge, bool) {
	e.mu.RLock()
	ed, ok := e.edges[id]
	e.mu.RUnlock()
	e.metrics.lookup(ok)
	return store.CloneEdge(ed), ok
}

// ListEdges returns every edge ordered by id.
func (e *Engine) ListEdges() []*store.Edge {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listEdgesLocked()
}

func (e *Engine) listEdgesLocked() []*store.Edge {
	out := make([]*store.Edge, 0, len(e.edges))
	for _, ed := range e.edges {
		out = append(out, store.CloneEdge(ed))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgesFor returns the edges with id as source or target, ordered by id.
func (e *Engine) EdgesFor(id string) []*store.Edge {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*store.Edge
	for _, ed := range e.edges {
		if ed.SourceID == id || ed.TargetID == id {
			out = append(out, store.CloneEdge(ed))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// checkConfidence accepts nil or a value in [0,1].
func checkConfidence(c *float64) error {
	if c == nil {
		return nil
	}
	if v := *c; !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrValidation, v)
	}
	return nil
}
