package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/recall/internal/store"
)

const (
	minQueryLen     = 3
	maxQueryLen     = 500
	autocompleteMax = 10
)

// Store is the subset of store operations the engine needs.
type Store interface {
	SearchByVector(ctx context.Context, p store.VectorSearchParams) ([]store.ScoredRecord, error)
	SearchByKeywords(ctx context.Context, p store.KeywordSearchParams) ([]store.Record, error)
	GetRecord(ctx context.Context, contentType, id string) (store.Record, error)
	VectorSupported() bool
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds ranking weights and request defaults.
type Config struct {
	SemanticWeight    float64
	KeywordWeight     float64
	DefaultThreshold  float64
	DefaultMaxResults int
	MaxResultsCap     int
}

func (c Config) withDefaults() Config {
	if c.SemanticWeight <= 0 && c.KeywordWeight <= 0 {
		c.SemanticWeight, c.KeywordWeight = 0.6, 0.4
	}
	// Weights always sum to 1 so fused scores stay in [0, 1].
	if sum := c.SemanticWeight + c.KeywordWeight; sum > 0 && sum != 1 {
		c.SemanticWeight /= sum
		c.KeywordWeight /= sum
	}
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 0.7
	}
	if c.DefaultMaxResults <= 0 {
		c.DefaultMaxResults = 20
	}
	if c.MaxResultsCap <= 0 {
		c.MaxResultsCap = 100
	}
	return c
}

// Engine answers search requests against the store, embedding queries
// through the gateway for the semantic path.
type Engine struct {
	store    Store
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(st Store, e Embedder, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, embedder: e, cfg: cfg.withDefaults(), logger: logger}
}

// prepare validates a request and fills in defaults. It runs before any
// store access so invalid requests fail without touching the database.
func (e *Engine) prepare(req Request) (Request, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return req, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if len(req.Query) < minQueryLen {
		return req, &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at least %d characters", minQueryLen)}
	}
	if len(req.Query) > maxQueryLen {
		return req, &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", maxQueryLen)}
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		return req, &ValidationError{Field: "threshold", Reason: "must be within [0, 1]"}
	}
	if req.MaxResults < 0 {
		return req, &ValidationError{Field: "max_results", Reason: "must not be negative"}
	}
	if req.MaxResults == 0 {
		req.MaxResults = e.cfg.DefaultMaxResults
	}
	if req.MaxResults > e.cfg.MaxResultsCap {
		req.MaxResults = e.cfg.MaxResultsCap
	}
	if len(req.Types) == 0 {
		req.Types = store.ContentTypes
	} else {
		for _, t := range req.Types {
			if !store.ValidContentType(t) {
				return req, &ValidationError{Field: "types", Reason: fmt.Sprintf("unknown content type %q", t)}
			}
		}
	}
	return req, nil
}

func (e *Engine) threshold(req Request) float64 {
	if req.Threshold != nil {
		return *req.Threshold
	}
	return e.cfg.DefaultThreshold
}

// Semantic searches by vector similarity. Without vector support, or when
// the semantic path itself fails, it behaves exactly like Keyword and marks
// the response degraded.
func (e *Engine) Semantic(ctx context.Context, req Request) (Response, error) {
	req, err := e.prepare(req)
	if err != nil {
		return Response{}, err
	}
	if !e.store.VectorSupported() {
		return e.keywordFallback(ctx, req, "vector support unavailable")
	}

	results, err := e.semanticResults(ctx, req)
	if err != nil {
		e.logger.Warn("semantic path failed, falling back to keyword matching", "error", err)
		return e.keywordFallback(ctx, req, err.Error())
	}
	for i := range results {
		results[i].Snippet = semanticSnippet(results[i].Record.Body, req.Query)
	}
	return Response{Results: results, Mode: ModeSemantic}, nil
}

// Keyword searches by weighted token matching only.
func (e *Engine) Keyword(ctx context.Context, req Request) (Response, error) {
	req, err := e.prepare(req)
	if err != nil {
		return Response{}, err
	}
	results, err := e.keywordResults(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Mode: ModeKeyword}, nil
}

// Hybrid runs the semantic and keyword paths concurrently and fuses their
// scores. One failing path degrades to the other; the request only errors
// when both fail.
func (e *Engine) Hybrid(ctx context.Context, req Request) (Response, error) {
	req, err := e.prepare(req)
	if err != nil {
		return Response{}, err
	}
	if !e.store.VectorSupported() {
		return e.keywordFallback(ctx, req, "vector support unavailable")
	}

	var semResults, kwResults []Result
	var semErr, kwErr error
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semResults, semErr = e.semanticResults(gCtx, req)
		return nil
	})
	g.Go(func() error {
		kwResults, kwErr = e.keywordResults(gCtx, req)
		return nil
	})
	g.Wait()

	switch {
	case semErr != nil && kwErr != nil:
		return Response{}, fmt.Errorf("hybrid search failed: %w", errors.Join(semErr, kwErr))
	case semErr != nil:
		e.logger.Warn("semantic path failed, serving keyword results", "error", semErr)
		return Response{Results: e.capResults(kwResults, req.MaxResults), Mode: ModeKeyword, Degraded: true}, nil
	case kwErr != nil:
		e.logger.Warn("keyword path failed, serving semantic results", "error", kwErr)
		results := e.capResults(semResults, req.MaxResults)
		for i := range results {
			results[i].Snippet = semanticSnippet(results[i].Record.Body, req.Query)
		}
		return Response{Results: results, Mode: ModeSemantic}, nil
	}

	fused := fuse(semResults, kwResults, e.cfg.SemanticWeight, e.cfg.KeywordWeight)
	sortResults(fused)
	fused = e.capResults(fused, req.MaxResults)
	for i := range fused {
		if fused[i].Snippet == "" {
			fused[i].Snippet = semanticSnippet(fused[i].Record.Body, req.Query)
		}
	}
	return Response{Results: fused, Mode: ModeHybrid}, nil
}

// Similar finds records close to an existing one, preferring its stored
// vector, embedding on the fly when it has none, and falling back to a
// keyword match on the title when vectors are out of reach entirely.
func (e *Engine) Similar(ctx context.Context, contentType, id string, opts SimilarOptions) (Response, error) {
	if !store.ValidContentType(contentType) {
		return Response{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown content type %q", contentType)}
	}
	if opts.Threshold != nil && (*opts.Threshold < 0 || *opts.Threshold > 1) {
		return Response{}, &ValidationError{Field: "threshold", Reason: "must be within [0, 1]"}
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = e.cfg.DefaultMaxResults
	}
	if maxResults > e.cfg.MaxResultsCap {
		maxResults = e.cfg.MaxResultsCap
	}
	th := e.cfg.DefaultThreshold
	if opts.Threshold != nil {
		th = *opts.Threshold
	}

	rec, err := e.store.GetRecord(ctx, contentType, id)
	if err != nil {
		return Response{}, err
	}

	if e.store.VectorSupported() {
		vec := rec.Embedding
		if vec == nil {
			v, embErr := e.embedder.Embed(ctx, rec.Title+"\n\n"+rec.Body)
			if embErr != nil {
				e.logger.Warn("embedding source record failed, falling back to title match", "id", id, "error", embErr)
			} else {
				vec = v
			}
		}
		if vec != nil {
			scored, err := e.store.SearchByVector(ctx, store.VectorSearchParams{
				ContentType: contentType,
				Vector:      vec,
				Threshold:   th,
				Limit:       maxResults,
				ExcludeID:   id,
			})
			if err != nil {
				return Response{}, err
			}
			results := make([]Result, len(scored))
			for i, sr := range scored {
				results[i] = Result{
					Record:        sr.Record,
					Score:         sr.Score,
					SemanticScore: sr.Score,
					MatchedBy:     ModeSemantic,
					Snippet:       semanticSnippet(sr.Record.Body, rec.Title),
				}
			}
			return Response{Results: results, Mode: ModeSemantic}, nil
		}
	}

	// A reference title too short to search yields an empty degraded
	// response, not a validation error.
	req, err := e.prepare(Request{Query: rec.Title, Types: []string{contentType}, MaxResults: maxResults})
	if err != nil {
		return Response{Mode: ModeKeyword, Degraded: true}, nil
	}
	results, err := e.keywordResults(ctx, req)
	if err != nil {
		return Response{}, err
	}
	filtered := results[:0]
	for _, r := range results {
		if r.Record.ID != id {
			filtered = append(filtered, r)
		}
	}
	return Response{Results: filtered, Mode: ModeKeyword, Degraded: true}, nil
}

// Autocomplete suggests record titles for a prefix, spreading the result
// budget across the requested types. Prefixes under two characters return
// nothing.
func (e *Engine) Autocomplete(ctx context.Context, prefix string, types []string, limit int) ([]string, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if len(prefix) < 2 {
		return nil, nil
	}
	if limit <= 0 || limit > autocompleteMax {
		limit = autocompleteMax
	}
	if len(types) == 0 {
		types = store.ContentTypes
	} else {
		for _, t := range types {
			if !store.ValidContentType(t) {
				return nil, &ValidationError{Field: "types", Reason: fmt.Sprintf("unknown content type %q", t)}
			}
		}
	}

	budget := limit / len(types)
	if budget < 1 {
		budget = 1
	}

	var suggestions []string
	seen := make(map[string]bool)
	for _, ct := range types {
		recs, err := e.store.SearchByKeywords(ctx, store.KeywordSearchParams{
			ContentType: ct,
			Tokens:      []string{prefix},
			TitleOnly:   true,
			Limit:       50,
		})
		if err != nil {
			return nil, err
		}
		count := 0
		for _, rec := range recs {
			if count >= budget {
				break
			}
			title := strings.TrimSpace(rec.Title)
			lower := strings.ToLower(title)
			if !titlePrefixMatch(lower, prefix) || seen[lower] {
				continue
			}
			seen[lower] = true
			suggestions = append(suggestions, title)
			count++
		}
	}
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions, nil
}

// titlePrefixMatch reports whether the title or any word in it starts with
// the prefix.
func titlePrefixMatch(lowerTitle, prefix string) bool {
	for _, w := range strings.Fields(lowerTitle) {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) semanticResults(ctx context.Context, req Request) ([]Result, error) {
	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Each type gets a slice of the result budget so one crowded table
	// cannot push the others out entirely.
	budget := req.MaxResults / len(req.Types)
	if budget < 1 {
		budget = 1
	}

	th := e.threshold(req)
	var all []Result
	for _, ct := range req.Types {
		scored, err := e.store.SearchByVector(ctx, store.VectorSearchParams{
			ContentType: ct,
			Vector:      vec,
			Threshold:   th,
			Limit:       budget,
			ProjectID:   req.ProjectID,
			Tags:        req.Tags,
		})
		if err != nil {
			return nil, err
		}
		for _, sr := range scored {
			all = append(all, Result{
				Record:        sr.Record,
				Score:         sr.Score,
				SemanticScore: sr.Score,
				MatchedBy:     ModeSemantic,
			})
		}
	}
	sortResults(all)
	return e.capResults(all, req.MaxResults), nil
}

func (e *Engine) keywordResults(ctx context.Context, req Request) ([]Result, error) {
	tokens := tokenize(req.Query)
	phrase := strings.ToLower(req.Query)

	var candidates []store.Record
	for _, ct := range req.Types {
		recs, err := e.store.SearchByKeywords(ctx, store.KeywordSearchParams{
			ContentType: ct,
			Tokens:      tokens,
			ProjectID:   req.ProjectID,
			Tags:        req.Tags,
			Limit:       candidateLimit(req.MaxResults),
		})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, recs...)
	}

	ranked := rankKeyword(candidates, tokens, phrase)
	if len(ranked) > req.MaxResults {
		ranked = ranked[:req.MaxResults]
	}
	results := make([]Result, len(ranked))
	for i, c := range ranked {
		results[i] = Result{
			Record:       c.rec,
			Score:        c.score,
			KeywordScore: c.score,
			MatchedBy:    ModeKeyword,
			Snippet:      keywordSnippet(c.rec.Body, tokens),
		}
	}
	return results, nil
}

func (e *Engine) keywordFallback(ctx context.Context, req Request, reason string) (Response, error) {
	e.logger.Warn("search degraded to keyword matching", "reason", reason)
	results, err := e.keywordResults(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results, Mode: ModeKeyword, Degraded: true}, nil
}

// candidateLimit is how many raw candidates the keyword path pulls per type
// before scoring reorders them.
func candidateLimit(maxResults int) int {
	limit := maxResults * 10
	if limit < 200 {
		limit = 200
	}
	return limit
}

func (e *Engine) capResults(results []Result, max int) []Result {
	if len(results) > max {
		return results[:max]
	}
	return results
}

// fuse merges the two result sets by record identity. Records found by both
// paths get the weighted sum of their path scores, single-path records keep
// their own normalized score.
func fuse(sem, kw []Result, wSem, wKw float64) []Result {
	type key struct{ typ, id string }
	out := make([]Result, 0, len(sem)+len(kw))
	idx := make(map[key]int, len(sem))

	for _, r := range sem {
		idx[key{r.Record.Type, r.Record.ID}] = len(out)
		out = append(out, r)
	}
	for _, r := range kw {
		k := key{r.Record.Type, r.Record.ID}
		i, ok := idx[k]
		if !ok {
			out = append(out, r)
			continue
		}
		out[i].KeywordScore = r.KeywordScore
		out[i].Score = wSem*out[i].SemanticScore + wKw*r.KeywordScore
		out[i].MatchedBy = ModeHybrid
		out[i].Snippet = r.Snippet
	}
	return out
}

// sortResults orders by score, then recency, then id, for a total and
// deterministic ordering.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Record.UpdatedAt.Equal(results[j].Record.UpdatedAt) {
			return results[i].Record.UpdatedAt.After(results[j].Record.UpdatedAt)
		}
		return results[i].Record.ID < results[j].Record.ID
	})
}
