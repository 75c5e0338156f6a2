package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/server"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/graph"
	"github.com/kittclouds/kittgraph/pkg/search"
)

type testServer struct {
	t   *testing.T
	app *app.App
	ts  *httptest.Server
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.StorageBackend = "memory"
	cfg.FlushDelay = time.Hour
	cfg.RecomputeDelay = time.Hour

	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(a, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = a.Close(context.Background())
	})
	return &testServer{t: t, app: a, ts: ts}
}

// do sends body as JSON and decodes the response into out when non-nil.
func (s *testServer) do(method, path string, body, out any) int {
	s.t.Helper()
	var rd *bytes.Reader
	if raw, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(raw))
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func TestHealthEndpoints(t *testing.T) {
	s := setupTestServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, config.Version, health["version"])

	var version map[string]string
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/version", nil, &version))
	assert.Equal(t, config.Version, version["version"])
}

func TestNoteCRUD(t *testing.T) {
	s := setupTestServer(t)

	var created store.Note
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/notes", store.Note{Title: "Harbor log"}, &created))
	require.NotEmpty(t, created.ID)

	var got store.Note
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/notes/"+created.ID, nil, &got))
	assert.Equal(t, "Harbor log", got.Title)

	var updated store.Note
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/api/v1/notes/"+created.ID, store.Note{Title: "Harbor map"}, &updated))
	assert.Equal(t, "Harbor map", updated.Title)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	var list []store.Note
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/notes", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/notes/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/notes/"+created.ID, nil, nil))
}

func TestFolderDeleteCascadesToNotes(t *testing.T) {
	s := setupTestServer(t)

	var f store.Folder
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/folders", store.Folder{Name: "Atlas"}, &f))
	var n store.Note
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/notes", store.Note{Title: "Coast", FolderID: f.ID}, &n))

	var inFolder []store.Note
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/notes?folder="+f.ID, nil, &inFolder))
	assert.Len(t, inFolder, 1)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/folders/"+f.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/notes/"+n.ID, nil, nil))
}

func TestErrorMapping(t *testing.T) {
	s := setupTestServer(t)

	var e apiError
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/notes", "{not json", &e))
	assert.Equal(t, "Invalid JSON", e.Error.Message)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/entities", store.Entity{Kind: "PLACE"}, &e))
	assert.Equal(t, http.StatusBadRequest, e.Error.Status)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/edges",
		store.Edge{SourceID: "ghost", TargetID: "phantom"}, nil))
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPut, "/api/v1/notes/ghost", store.Note{Title: "x"}, nil))

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/search", search.Query{Text: "x"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/search",
		search.Query{Text: "x", K: 3, Profile: "nope"}, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/graph/top?n=many", nil, nil))
}

func TestGraphEndpoints(t *testing.T) {
	s := setupTestServer(t)

	for _, en := range []store.Entity{
		{ID: "mara", Label: "Mara", Kind: "character"},
		{ID: "port", Label: "Port Vell", Kind: "place"},
	} {
		require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/entities", en, nil))
	}
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/edges",
		store.Edge{ID: "e1", SourceID: "mara", TargetID: "port", RelType: "LIVES_IN", Weight: 3, Confidence: store.Confidence(0.9)}, nil))

	var mentioned []store.Entity
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/mentions",
		map[string]string{"text": "Mara sailed from Port Vell."}, &mentioned))
	require.Len(t, mentioned, 2)
	assert.Equal(t, "mara", mentioned[0].ID)

	var edges []store.Edge
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/edges?node=mara", nil, &edges))
	assert.Len(t, edges, 1)

	var stats graph.Stats
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/graph/recompute", nil, &stats))
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 1, stats.Edges)

	var node struct {
		Node   graph.Node `json:"node"`
		Degree int        `json:"degree"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/graph/nodes/mara", nil, &node))
	assert.Equal(t, "Mara", node.Node.Label)
	assert.Equal(t, 1, node.Degree)

	var links []graph.Link
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/graph/nodes/mara/links", nil, &links))
	require.Len(t, links, 1)
	assert.Equal(t, "port", links[0].Neighbor)

	var sub graph.Subgraph
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/graph/nodes/mara/subgraph?depth=1", nil, &sub))
	assert.True(t, sub.Has("port"))

	var top []graph.Ranked
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/graph/top?n=1", nil, &top))
	assert.Len(t, top, 1)

	var th map[string]float64
	require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/api/v1/graph/threshold", map[string]float64{"threshold": 0.95}, &th))
	assert.Equal(t, 0.95, th["threshold"])
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/v1/graph/threshold", map[string]float64{"threshold": 3}, nil))

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/graph/nodes/ghost", nil, nil))
}

func TestSearchEndpoint(t *testing.T) {
	s := setupTestServer(t)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/notes",
		store.Note{ID: "n1", Title: "Harbor log", Content: "boats at dawn"}, nil))
	require.Equal(t, http.StatusNoContent, s.do(http.MethodPut, "/api/v1/embeddings/n1",
		map[string]any{"vector": []float32{1, 0}}, nil))

	var resp search.Response
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/search",
		search.Query{Text: "harbor", Embedding: []float32{1, 0}, K: 5}, &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "n1", resp.Results[0].ID)
	assert.Greater(t, resp.Results[0].VectorScore, 0.0)
	require.NotNil(t, resp.Results[0].Document)
	assert.Equal(t, "Harbor log", resp.Results[0].Document.Title)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/v1/embeddings/n1",
		map[string]any{"vector": []float32{1, 0, 0}}, nil))
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/embeddings/n1", nil, nil))
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/v1/search/cache", nil, nil))
}

func TestFlushAndMetrics(t *testing.T) {
	s := setupTestServer(t)

	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/v1/notes", store.Note{ID: "n1", Title: "X"}, nil))
	assert.True(t, s.app.Sync.HasPendingChanges())

	var flushed map[string]any
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/sync/flush", nil, &flushed))
	assert.Equal(t, false, flushed["pending"])

	persisted, err := s.app.Store.GetNote("n1")
	require.NoError(t, err)
	require.NotNil(t, persisted)

	var metrics struct {
		Sync struct {
			Flushes        int64 `json:"flushes"`
			TotalMutations int64 `json:"totalMutations"`
		} `json:"sync"`
	}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/sync/metrics", nil, &metrics))
	assert.Equal(t, int64(1), metrics.Sync.Flushes)
	assert.Equal(t, int64(1), metrics.Sync.TotalMutations)
}

func TestStartAndStop(t *testing.T) {
	cfg := config.Default()
	cfg.StorageBackend = "memory"
	cfg.Port = 0
	a, err := app.New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	srv := server.New(a, zerolog.Nop())
	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))
}
