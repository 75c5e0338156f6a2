package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/search"
	"github.com/kittclouds/kittgraph/pkg/syncengine"
	"github.com/kittclouds/kittgraph/pkg/vector"
)

// =============================================================================
// Notes
// =============================================================================

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var n store.Note
	if !s.decode(w, r, &n) {
		return
	}
	out, err := s.app.Sync.CreateNote(&n)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Sync.ListNotes(r.URL.Query().Get("folder")))
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	n, ok := s.app.Sync.GetNote(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "note not found")
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	var n store.Note
	if !s.decode(w, r, &n) {
		return
	}
	n.ID = chi.URLParam(r, "id")
	out, err := s.app.Sync.UpdateNote(&n)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sync.DeleteNote(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Folders
// =============================================================================

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var f store.Folder
	if !s.decode(w, r, &f) {
		return
	}
	out, err := s.app.Sync.CreateFolder(&f)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Sync.ListFolders())
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	f, ok := s.app.Sync.GetFolder(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "folder not found")
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	var f store.Folder
	if !s.decode(w, r, &f) {
		return
	}
	f.ID = chi.URLParam(r, "id")
	out, err := s.app.Sync.UpdateFolder(&f)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleDeleteFolder removes the folder subtree and every note inside it.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sync.DeleteFolder(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Entities
// =============================================================================

func (s *Server) handleUpsertEntity(w http.ResponseWriter, r *http.Request) {
	var en store.Entity
	if !s.decode(w, r, &en) {
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		en.ID = id
	}
	out, err := s.app.Sync.UpsertEntity(&en)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Sync.ListEntities(r.URL.Query().Get("kind")))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	en, ok := s.app.Sync.GetEntity(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	s.writeJSON(w, http.StatusOK, en)
}

func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sync.DeleteEntity(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Edges
// =============================================================================

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var ed store.Edge
	if !s.decode(w, r, &ed) {
		return
	}
	out, err := s.app.Sync.CreateEdge(&ed)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

// handleListEdges lists every edge, or only those touching ?node=.
func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	if node := r.URL.Query().Get("node"); node != "" {
		s.writeJSON(w, http.StatusOK, s.app.Sync.EdgesFor(node))
		return
	}
	s.writeJSON(w, http.StatusOK, s.app.Sync.ListEdges())
}

func (s *Server) handleGetEdge(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.app.Sync.GetEdge(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "edge not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ed)
}

func (s *Server) handleDeleteEdge(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sync.DeleteEdge(chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Search
// =============================================================================

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if !s.decode(w, r, &q) {
		return
	}
	resp, err := s.app.Search.Search(r.Context(), q)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleMentions lists the entities named in the posted text.
func (s *Server) handleMentions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	ids := s.app.Lexical.Mentions(body.Text)
	out := make([]*store.Entity, 0, len(ids))
	for _, id := range ids {
		if en, ok := s.app.Sync.GetEntity(id); ok {
			out = append(out, en)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Search.InvalidateCache(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Graph
// =============================================================================

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Projection.Stats())
}

func (s *Server) handleGraphSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Projection.Snapshot())
}

func (s *Server) handleGraphTop(w http.ResponseWriter, r *http.Request) {
	n, ok := s.intParam(w, r, "n", 10)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.app.Projection.TopByCentrality(n))
}

func (s *Server) handleGraphNode(w http.ResponseWriter, r *http.Request) {
	id := s.app.Projection.Resolve(chi.URLParam(r, "id"))
	node, ok := s.app.Projection.Node(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"node":       node,
		"degree":     s.app.Projection.Degree(id),
		"centrality": s.app.Projection.Centrality(id),
	})
}

func (s *Server) handleGraphLinks(w http.ResponseWriter, r *http.Request) {
	id := s.app.Projection.Resolve(chi.URLParam(r, "id"))
	if _, ok := s.app.Projection.Node(id); !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.app.Projection.Links(id))
}

// handleGraphSubgraph returns the neighbourhood within ?depth= hops; a
// negative depth is unbounded.
func (s *Server) handleGraphSubgraph(w http.ResponseWriter, r *http.Request) {
	depth, ok := s.intParam(w, r, "depth", 1)
	if !ok {
		return
	}
	id := s.app.Projection.Resolve(chi.URLParam(r, "id"))
	if _, ok := s.app.Projection.Node(id); !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.app.Projection.ConnectedSubgraph(id, depth))
}

func (s *Server) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Threshold *float64 `json:"threshold"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Threshold == nil || *body.Threshold < 0 || *body.Threshold > 1 {
		s.writeError(w, http.StatusBadRequest, "threshold must be in [0,1]")
		return
	}
	s.app.Projection.SetConfidenceThreshold(*body.Threshold)
	if err := s.app.Search.InvalidateCache(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to purge search cache")
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"threshold": s.app.Projection.Threshold()})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	s.app.Projection.RecomputeNow()
	s.writeJSON(w, http.StatusOK, s.app.Projection.Stats())
}

// =============================================================================
// Sync
// =============================================================================

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sync.FlushNow(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("flush failed")
		s.writeError(w, http.StatusInternalServerError, "flush failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.app.Sync.HasPendingChanges(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.app.Sync.State()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sync":    s.app.Sync.Metrics(),
		"cache":   s.app.CacheStats(),
		"pending": st.Pending,
		"version": st.Version,
	})
}

// =============================================================================
// Embeddings
// =============================================================================

func (s *Server) handleUpsertEmbedding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tier   string    `json:"tier"`
		Vector []float32 `json:"vector"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if len(body.Vector) == 0 {
		s.writeError(w, http.StatusBadRequest, "vector is required")
		return
	}
	if err := s.app.UpsertEmbedding(r.Context(), body.Tier, chi.URLParam(r, "id"), body.Vector); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteEmbedding(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (s *Server) intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return n, true
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncengine.ErrValidation), errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, vector.ErrDimension):
		return http.StatusBadRequest
	case errors.Is(err, syncengine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncengine.ErrNotHydrated), errors.Is(err, syncengine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, app.ErrNoVectorIndex):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, status, "internal error")
		return
	}
	s.writeError(w, status, err.Error())
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	var body errorResponse
	body.Error.Message = message
	body.Error.Status = status
	s.writeJSON(w, status, body)
}
