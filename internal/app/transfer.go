package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/syncengine"
)

// Dump is a portable copy of every record.
type Dump struct {
	Version  string          `json:"version"`
	Folders  []*store.Folder `json:"folders"`
	Notes    []*store.Note   `json:"notes"`
	Entities []*store.Entity `json:"entities"`
	Edges    []*store.Edge   `json:"edges"`
}

// ImportReport counts what an import wrote and what it skipped.
type ImportReport struct {
	Folders  int      `json:"folders"`
	Notes    int      `json:"notes"`
	Entities int      `json:"entities"`
	Edges    int      `json:"edges"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Export copies the current local state.
func (a *App) Export() Dump {
	st := a.Sync.State()
	return Dump{
		Version:  config.Version,
		Folders:  st.Folders,
		Notes:    st.Notes,
		Entities: st.Entities,
		Edges:    st.Edges,
	}
}

// Import writes d through the sync engine and flushes. Existing notes and
// folders are updated, existing edges are kept. Records that fail
// validation are skipped and listed in the report.
func (a *App) Import(ctx context.Context, d Dump) (ImportReport, error) {
	var rep ImportReport
	skip := func(kind, id string, err error) error {
		if errors.Is(err, syncengine.ErrValidation) || errors.Is(err, syncengine.ErrNotFound) {
			rep.Skipped = append(rep.Skipped, fmt.Sprintf("%s %s: %v", kind, id, err))
			return nil
		}
		return err
	}

	// Parents first: retry until a pass makes no progress.
	pending := append([]*store.Folder(nil), d.Folders...)
	for len(pending) > 0 {
		var next []*store.Folder
		for _, f := range pending {
			if f.ParentID != "" {
				if _, ok := a.Sync.GetFolder(f.ParentID); !ok {
					next = append(next, f)
					continue
				}
			}
			var err error
			if _, ok := a.Sync.GetFolder(f.ID); ok {
				_, err = a.Sync.UpdateFolder(f)
			} else {
				_, err = a.Sync.CreateFolder(f)
			}
			if err != nil {
				if err := skip("folder", f.ID, err); err != nil {
					return rep, err
				}
				continue
			}
			rep.Folders++
		}
		if len(next) == len(pending) {
			for _, f := range next {
				rep.Skipped = append(rep.Skipped, fmt.Sprintf("folder %s: missing parent %s", f.ID, f.ParentID))
			}
			break
		}
		pending = next
	}

	for _, n := range d.Notes {
		var err error
		if _, ok := a.Sync.GetNote(n.ID); ok && n.ID != "" {
			_, err = a.Sync.UpdateNote(n)
		} else {
			_, err = a.Sync.CreateNote(n)
		}
		if err != nil {
			if err := skip("note", n.ID, err); err != nil {
				return rep, err
			}
			continue
		}
		rep.Notes++
	}

	for _, en := range d.Entities {
		if _, err := a.Sync.UpsertEntity(en); err != nil {
			if err := skip("entity", en.ID, err); err != nil {
				return rep, err
			}
			continue
		}
		rep.Entities++
	}

	for _, ed := range d.Edges {
		if ed.ID != "" {
			if _, ok := a.Sync.GetEdge(ed.ID); ok {
				continue
			}
		}
		if _, err := a.Sync.CreateEdge(ed); err != nil {
			if err := skip("edge", ed.ID, err); err != nil {
				return rep, err
			}
			continue
		}
		rep.Edges++
	}

	if err := a.Sync.FlushNow(ctx); err != nil {
		return rep, fmt.Errorf("failed to flush import: %w", err)
	}
	a.Log.Info().
		Int("folders", rep.Folders).
		Int("notes", rep.Notes).
		Int("entities", rep.Entities).
		Int("edges", rep.Edges).
		Int("skipped", len(rep.Skipped)).
		Msg("import complete")
	return rep, nil
}
