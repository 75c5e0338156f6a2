package search

import (
	"context"
	"strings"

	"github.com/kittclouds/kittgraph/internal/store"
)

const snippetRunes = 200

// StoreHydrator hydrates results from the persistent store. Ids are tried
// as notes, then entities, then folders.
type StoreHydrator struct {
	Store store.Storer
}

// Hydrate implements Hydrator.
func (h StoreHydrator) Hydrate(ctx context.Context, ids []string) (map[string]*Document, error) {
	out := make(map[string]*Document, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		doc, err := h.hydrateOne(id)
		if err != nil {
			return out, err
		}
		if doc != nil {
			out[id] = doc
		}
	}
	return out, nil
}

func (h StoreHydrator) hydrateOne(id string) (*Document, error) {
	n, err := h.Store.GetNote(id)
	if err != nil {
		return nil, err
	}
	if n != nil {
		return noteDocument(n), nil
	}

	en, err := h.Store.GetEntity(id)
	if err != nil {
		return nil, err
	}
	if en != nil {
		return entityDocument(en), nil
	}

	f, err := h.Store.GetFolder(id)
	if err != nil {
		return nil, err
	}
	if f != nil {
		return folderDocument(f), nil
	}
	return nil, nil
}

// RecordCache is the read side of the sync engine caches. LookupRecord
// returns at most one non-nil record.
type RecordCache interface {
	LookupRecord(id string) (*store.Note, *store.Entity, *store.Folder)
}

// CacheHydrator hydrates results from the sync engine caches, so writes
// still waiting in the write buffer are visible.
type CacheHydrator struct {
	Cache RecordCache
}

// Hydrate implements Hydrator.
func (h CacheHydrator) Hydrate(ctx context.Context, ids []string) (map[string]*Document, error) {
	out := make(map[string]*Document, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		switch n, en, f := h.Cache.LookupRecord(id); {
		case n != nil:
			out[id] = noteDocument(n)
		case en != nil:
			out[id] = entityDocument(en)
		case f != nil:
			out[id] = folderDocument(f)
		}
	}
	return out, nil
}

func noteDocument(n *store.Note) *Document {
	body := n.Content
	if body == "" {
		body = n.MarkdownContent
	}
	return &Document{ID: n.ID, Kind: "note", Title: n.Title, Snippet: snippet(body), Note: n}
}

func entityDocument(en *store.Entity) *Document {
	return &Document{ID: en.ID, Kind: "entity", Title: en.Label, Snippet: strings.Join(en.Aliases, ", "), Entity: en}
}

func folderDocument(f *store.Folder) *Document {
	return &Document{ID: f.ID, Kind: "folder", Title: f.Name, Folder: f}
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= snippetRunes {
		return s
	}
	return string(r[:snippetRunes-3]) + "..."
}
