//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"syscall/js"
	"time"

	"github.com/hack-pad/hackpadfs/indexeddb"
	"github.com/rs/zerolog"

	"github.com/kittclouds/kittgraph/internal/app"
	"github.com/kittclouds/kittgraph/internal/config"
	"github.com/kittclouds/kittgraph/internal/logging"
	"github.com/kittclouds/kittgraph/internal/store"
	"github.com/kittclouds/kittgraph/pkg/search"
)

var (
	instance *app.App
	logger   zerolog.Logger
)

var errNotInitialized = errors.New("not initialized")

// initOptions is the optional argument of initialize.
type initOptions struct {
	DB             string  `json:"db"`
	FlushDelayMs   int     `json:"flushDelayMs"`
	Profile        string  `json:"profile"`
	Threshold      float64 `json:"threshold"`
	VectorTier     string  `json:"vectorTier"`
	LogLevel       string  `json:"logLevel"`
	PersistVectors *bool   `json:"persistVectors"`
}

func main() {
	logger = logging.New("info", "console", os.Stdout)
	logger.Info().Str("version", config.Version).Msg("kittgraph wasm ready")

	js.Global().Set("KittGraph", js.ValueOf(map[string]interface{}{
		"version":    js.FuncOf(getVersion),
		"initialize": promised(initialize),
		"close":      promised(closeInstance),
		"import":     promised(importDump),
		"export":     call(exportDump),

		"createNote":   call(createNote),
		"updateNote":   call(updateNote),
		"deleteNote":   call(deleteNote),
		"createFolder": call(createFolder),
		"updateFolder": call(updateFolder),
		"deleteFolder": call(deleteFolder),
		"upsertEntity": call(upsertEntity),
		"deleteEntity": call(deleteEntity),
		"createEdge":   call(createEdge),
		"deleteEdge":   call(deleteEdge),

		"search":       call(runSearch),
		"scanMentions": call(scanMentions),

		"addVector":    call(addVector),
		"removeVector": call(removeVector),
		"saveVectors":  promised(saveVectors),

		"graphStats":   call(graphStats),
		"neighborhood": call(neighborhood),
		"setThreshold": call(setThreshold),
		"flush":        promised(flush),
		"metrics":      call(metrics),
	}))

	select {}
}

// handler is the shape every export is written in. The result is returned
// to JS as a JSON string.
type handler func(args []js.Value) (any, error)

// call wraps h for synchronous use.
func call(h handler) js.Func {
	return js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		return encode(h(args))
	})
}

// promised wraps h in a JS Promise. Handlers that wait on IndexedDB must not
// block the JS event loop.
func promised(h handler) js.Func {
	return js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		executor := js.FuncOf(func(_ js.Value, p []js.Value) interface{} {
			resolve, reject := p[0], p[1]
			go func() {
				out, err := h(args)
				if err != nil {
					reject.Invoke(errorResult(err.Error()))
					return
				}
				resolve.Invoke(encode(out, nil))
			}()
			return nil
		})
		defer executor.Release()
		return js.Global().Get("Promise").New(executor)
	})
}

func encode(v any, err error) interface{} {
	if err != nil {
		return errorResult(err.Error())
	}
	if s, ok := v.(string); ok {
		return successResult(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult("encode: " + err.Error())
	}
	return string(data)
}

func argJSON(args []js.Value, i int, v any) error {
	if len(args) <= i || args[i].Type() != js.TypeString {
		return errors.New("missing JSON argument")
	}
	return json.Unmarshal([]byte(args[i].String()), v)
}

func argString(args []js.Value, i int) (string, error) {
	if len(args) <= i || args[i].Type() != js.TypeString {
		return "", errors.New("missing string argument")
	}
	return args[i].String(), nil
}

func ready() (*app.App, error) {
	if instance == nil {
		return nil, errNotInitialized
	}
	return instance, nil
}

func getVersion(this js.Value, args []js.Value) interface{} {
	return config.Version
}

// =============================================================================
// Lifecycle
// =============================================================================

// initialize: [optionsJSON string (optional)]
func initialize(args []js.Value) (any, error) {
	opts := initOptions{DB: "kittgraph"}
	if len(args) > 0 && args[0].Type() == js.TypeString && args[0].String() != "" {
		if err := argJSON(args, 0, &opts); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	if instance != nil {
		if err := instance.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("previous instance did not close cleanly")
		}
		instance = nil
	}

	cfg := config.Default()
	cfg.StorageBackend = "memory"
	cfg.CacheBackend = "memory"
	if opts.FlushDelayMs > 0 {
		cfg.FlushDelay = time.Duration(opts.FlushDelayMs) * time.Millisecond
	}
	if opts.Profile != "" {
		cfg.SearchProfile = opts.Profile
	}
	if opts.Threshold > 0 {
		cfg.ConfidenceThreshold = opts.Threshold
	}
	if opts.VectorTier != "" {
		cfg.VectorTier = opts.VectorTier
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.New(cfg.LogLevel, "console", os.Stdout)

	var appOpts []app.Option
	if opts.PersistVectors == nil || *opts.PersistVectors {
		fs, err := indexeddb.NewFS(ctx, opts.DB, indexeddb.Options{})
		if err != nil {
			return nil, errors.New("failed to create idb fs: " + err.Error())
		}
		appOpts = append(appOpts, app.WithVectorFS(fs, "vectors"))
	}

	a, err := app.New(ctx, cfg, logger, appOpts...)
	if err != nil {
		return nil, err
	}
	instance = a
	return "initialized", nil
}

func closeInstance(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	instance = nil
	if err := a.Close(context.Background()); err != nil {
		return nil, err
	}
	return "closed", nil
}

// importDump: [dumpJSON string]. Seeds the in-memory store from the host.
func importDump(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var d app.Dump
	if err := argJSON(args, 0, &d); err != nil {
		return nil, err
	}
	return a.Import(context.Background(), d)
}

func exportDump(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	return a.Export(), nil
}

// =============================================================================
// Records
// =============================================================================

func createNote(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var n store.Note
	if err := argJSON(args, 0, &n); err != nil {
		return nil, err
	}
	return a.Sync.CreateNote(&n)
}

func updateNote(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var n store.Note
	if err := argJSON(args, 0, &n); err != nil {
		return nil, err
	}
	return a.Sync.UpdateNote(&n)
}

func deleteNote(args []js.Value) (any, error) {
	return deleteBy(args, func(a *app.App, id string) error { return a.Sync.DeleteNote(id) })
}

func createFolder(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var f store.Folder
	if err := argJSON(args, 0, &f); err != nil {
		return nil, err
	}
	return a.Sync.CreateFolder(&f)
}

func updateFolder(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var f store.Folder
	if err := argJSON(args, 0, &f); err != nil {
		return nil, err
	}
	return a.Sync.UpdateFolder(&f)
}

func deleteFolder(args []js.Value) (any, error) {
	return deleteBy(args, func(a *app.App, id string) error { return a.Sync.DeleteFolder(id) })
}

func upsertEntity(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var en store.Entity
	if err := argJSON(args, 0, &en); err != nil {
		return nil, err
	}
	return a.Sync.UpsertEntity(&en)
}

func deleteEntity(args []js.Value) (any, error) {
	return deleteBy(args, func(a *app.App, id string) error { return a.Sync.DeleteEntity(id) })
}

func createEdge(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var ed store.Edge
	if err := argJSON(args, 0, &ed); err != nil {
		return nil, err
	}
	return a.Sync.CreateEdge(&ed)
}

func deleteEdge(args []js.Value) (any, error) {
	return deleteBy(args, func(a *app.App, id string) error { return a.Sync.DeleteEdge(id) })
}

func deleteBy(args []js.Value, del func(*app.App, string) error) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	id, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	if err := del(a, id); err != nil {
		return nil, err
	}
	return "deleted " + id, nil
}

// =============================================================================
// Retrieval
// =============================================================================

// runSearch: [queryJSON string] with the fields of search.Query.
func runSearch(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	var q search.Query
	if err := argJSON(args, 0, &q); err != nil {
		return nil, err
	}
	return a.Search.Search(context.Background(), q)
}

// scanMentions: [text string]. Returns the entities named in text.
func scanMentions(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	text, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	out := []*store.Entity{}
	for _, id := range a.Lexical.Mentions(text) {
		if en, ok := a.Sync.GetEntity(id); ok {
			out = append(out, en)
		}
	}
	return out, nil
}

// addVector: [id string, vectorJSON string, tier string (optional)]
func addVector(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	id, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	var vec []float32
	if err := argJSON(args, 1, &vec); err != nil {
		return nil, err
	}
	tier := ""
	if len(args) > 2 && args[2].Type() == js.TypeString {
		tier = args[2].String()
	}
	if err := a.UpsertEmbedding(context.Background(), tier, id, vec); err != nil {
		return nil, err
	}
	return "added", nil
}

func removeVector(args []js.Value) (any, error) {
	return deleteBy(args, func(a *app.App, id string) error {
		return a.DeleteEmbedding(context.Background(), id)
	})
}

// saveVectors persists every tier to IndexedDB.
func saveVectors(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	if a.Vectors == nil {
		return nil, app.ErrNoVectorIndex
	}
	if err := a.Vectors.Save(); err != nil {
		return nil, err
	}
	return "saved", nil
}

// =============================================================================
// Graph and sync
// =============================================================================

func graphStats(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	return a.Projection.Stats(), nil
}

// neighborhood: [id string, depth int (optional, default 1)]
func neighborhood(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	id, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	depth := 1
	if len(args) > 1 && args[1].Type() == js.TypeNumber {
		depth = args[1].Int()
	}
	return a.Projection.ConnectedSubgraph(a.Projection.Resolve(id), depth), nil
}

// setThreshold: [threshold number]
func setThreshold(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	if len(args) == 0 || args[0].Type() != js.TypeNumber {
		return nil, errors.New("requires threshold (number)")
	}
	t := args[0].Float()
	if t < 0 || t > 1 {
		return nil, errors.New("threshold must be in [0,1]")
	}
	a.Projection.SetConfidenceThreshold(t)
	if err := a.Search.InvalidateCache(context.Background()); err != nil {
		return nil, err
	}
	return a.Projection.Stats(), nil
}

func flush(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	if err := a.Sync.FlushNow(context.Background()); err != nil {
		return nil, err
	}
	return "flushed", nil
}

func metrics(args []js.Value) (any, error) {
	a, err := ready()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sync":    a.Sync.Metrics(),
		"cache":   a.CacheStats(),
		"pending": a.Sync.HasPendingChanges(),
	}, nil
}

// Helper: Create error result
func errorResult(msg string) interface{} {
	result := map[string]interface{}{
		"error": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}

// Helper: Create success result
func successResult(msg string) interface{} {
	result := map[string]interface{}{
		"success": msg,
	}
	jsonBytes, _ := json.Marshal(result)
	return string(jsonBytes)
}
