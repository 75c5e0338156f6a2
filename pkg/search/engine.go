package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/kittgraph/pkg/searchcache"
)

// DefaultOverFetch multiplies k to size each candidate request.
const DefaultOverFetch = 5

// Options configures an Engine.
type Options struct {
	// OverFetch multiplies k for candidate requests. Zero uses DefaultOverFetch.
	OverFetch int
	// DefaultProfile names the profile used when a query names none.
	DefaultProfile string
	// MaxHops, when positive, replaces every profile's traversal depth.
	// A query's own MaxHops still wins.
	MaxHops int
	// Cache memoizes responses. Nil disables caching.
	Cache    searchcache.Cache[Response]
	Hydrator Hydrator
	Logger   zerolog.Logger
	// Tracer receives one span per search. Nil uses the global provider.
	Tracer trace.Tracer
}

// Engine runs hybrid searches over a projection and two candidate sources.
// Either source may be nil. The engine only reads the projection.
type Engine struct {
	graph     Graph
	lexical   LexicalSource
	vector    VectorSource
	hydrator  Hydrator
	memo      *searchcache.Memo[Response]
	overFetch int
	profile   string
	maxHops   int
	log       zerolog.Logger
	tracer    trace.Tracer
}

// New creates an engine.
func New(g Graph, lexical LexicalSource, vector VectorSource, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	e := &Engine{
		graph:     g,
		lexical:   lexical,
		vector:    vector,
		hydrator:  opts.Hydrator,
		overFetch: opts.OverFetch,
		profile:   opts.DefaultProfile,
		maxHops:   opts.MaxHops,
		log:       opts.Logger.With().Str("component", "search").Logger(),
		tracer:    opts.Tracer,
	}
	if e.overFetch <= 0 {
		e.overFetch = DefaultOverFetch
	}
	if e.profile == "" {
		e.profile = DefaultProfile
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/kittclouds/kittgraph/pkg/search")
	}
	if opts.Cache != nil {
		e.memo = searchcache.NewMemo(opts.Cache, e.log)
	}
	return e
}

func (e *Engine) resolveProfile(q Query) (Profile, error) {
	name := q.Profile
	if name == "" {
		name = e.profile
	}
	p, ok := ProfileByName(name)
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown profile %q", ErrInvalidQuery, name)
	}
	switch {
	case q.MaxHops > 0:
		p.MaxHops = q.MaxHops
	case e.maxHops > 0:
		p.MaxHops = e.maxHops
	}
	return p, p.Validate()
}

// Search answers q. It fails only for invalid input; a failing candidate
// source is treated as empty and reported in Response.Degraded.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if q.K <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQuery, q.K)
	}
	p, err := e.resolveProfile(q)
	if err != nil {
		return nil, err
	}

	if e.memo == nil {
		return e.run(ctx, q, p)
	}

	key := searchcache.NewKey().
		Str(q.Text).
		Floats(q.Embedding).
		Int(q.K).
		Str(p.Name).
		Int(p.MaxHops).
		Str(q.ModelTier).
		Sum()
	resp, hit, err := e.memo.GetOrLoad(ctx, key, func(ctx context.Context) (Response, error) {
		r, err := e.run(ctx, q, p)
		if err != nil {
			return Response{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, err
	}
	out := resp.clone()
	out.Cached = hit
	return out, nil
}

// InvalidateCache drops every memoized response.
func (e *Engine) InvalidateCache(ctx context.Context) error {
	if e.memo == nil {
		return nil
	}
	return e.memo.Invalidate(ctx)
}

func (e *Engine) run(ctx context.Context, q Query, p Profile) (*Response, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "search.Search")
	defer span.End()

	resp := &Response{Query: q.Text, Profile: p.Name}
	limit := q.K * e.overFetch

	var lexHits, vecHits []Candidate
	var lexErr, vecErr error
	var g errgroup.Group
	if e.lexical != nil && strings.TrimSpace(q.Text) != "" {
		g.Go(func() error {
			lexHits, lexErr = e.lexical.Search(ctx, q.Text, limit)
			return nil
		})
	}
	if e.vector != nil && len(q.Embedding) > 0 {
		g.Go(func() error {
			vecHits, vecErr = e.vector.Search(ctx, q.Embedding, limit, q.ModelTier)
			return nil
		})
	}
	_ = g.Wait()

	if lexErr != nil {
		resp.Degraded = append(resp.Degraded, "lexical")
		lexHits = nil
		e.log.Warn().Err(lexErr).Str("query", q.Text).Msg("lexical source failed")
		span.RecordError(lexErr)
	}
	if vecErr != nil {
		resp.Degraded = append(resp.Degraded, "vector")
		vecHits = nil
		e.log.Warn().Err(vecErr).Str("tier", q.ModelTier).Msg("vector source failed")
		span.RecordError(vecErr)
	}
	resp.LexicalCandidates = len(lexHits)
	resp.VectorCandidates = len(vecHits)

	lexRaw := e.collect(lexHits)
	vecRaw := e.collect(vecHits)
	candidates := make(map[string]bool, len(lexRaw)+len(vecRaw))
	for id := range lexRaw {
		candidates[id] = true
	}
	for id := range vecRaw {
		candidates[id] = true
	}
	resp.FusedCandidates = len(candidates)

	lexNorm := minMax(lexRaw)
	vecNorm := minMax(vecRaw)

	results := make([]Result, 0, len(candidates))
	for id := range candidates {
		r := Result{
			ID:           id,
			LexicalScore: lexNorm[id],
			VectorScore:  vecNorm[id],
		}
		if e.graph != nil {
			if n, ok := e.graph.Node(id); ok {
				r.Label = n.Label
				r.Type = n.Type.String()
			}
			r.Signals = computeSignals(e.graph, id, candidates, p.MaxHops)
			r.GraphScore = r.Signals.Relevance()
		}
		r.Score = fuse(p, r.LexicalScore, r.VectorScore, r.GraphScore)
		results = append(results, r)
	}

	if p.Propagate && e.graph != nil {
		propagate(e.graph, results, p)
	}
	rankResults(results)
	if len(results) > q.K {
		results = results[:q.K]
	}

	if e.hydrator != nil && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.ID
		}
		docs, err := e.hydrator.Hydrate(ctx, ids)
		if err != nil {
			resp.Degraded = append(resp.Degraded, "hydrate")
			e.log.Warn().Err(err).Msg("hydration failed")
			span.RecordError(err)
		}
		for i := range results {
			results[i].Document = docs[results[i].ID]
		}
	}

	resp.Results = results
	resp.TookMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("search.k", q.K),
		attribute.String("search.profile", p.Name),
		attribute.Int("search.candidates.lexical", resp.LexicalCandidates),
		attribute.Int("search.candidates.vector", resp.VectorCandidates),
		attribute.Int("search.candidates.fused", resp.FusedCandidates),
		attribute.Int("search.results", len(results)),
		attribute.StringSlice("search.degraded", resp.Degraded),
	)
	if len(resp.Degraded) > 0 {
		span.SetStatus(codes.Error, "degraded: "+strings.Join(resp.Degraded, ","))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	e.log.Debug().
		Str("profile", p.Name).
		Int("k", q.K).
		Int("fused", resp.FusedCandidates).
		Strs("degraded", resp.Degraded).
		Int64("took_ms", resp.TookMs).
		Msg("search complete")
	return resp, nil
}

// collect maps candidate ids to their canonical projection ids, keeping the
// best raw score when several ids merge into one node.
func (e *Engine) collect(hits []Candidate) map[string]float64 {
	out := make(map[string]float64, len(hits))
	for _, h := range hits {
		if h.ID == "" {
			continue
		}
		id := h.ID
		if e.graph != nil {
			id = e.graph.Resolve(id)
		}
		if cur, ok := out[id]; !ok || h.Score > cur {
			out[id] = h.Score
		}
	}
	return out
}
