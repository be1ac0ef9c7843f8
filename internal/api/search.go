package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/recall/internal/search"
)

// suggestionFloor is the result count under which a search response also
// carries title suggestions.
const suggestionFloor = 5

type searchRequest struct {
	Query        string   `json:"query"`
	Mode         string   `json:"mode,omitempty"`
	ContentTypes []string `json:"content_types,omitempty"`
	ProjectID    string   `json:"project_id,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
	MaxResults   int      `json:"max_results,omitempty"`
}

type searchResponse struct {
	Query            string                     `json:"query"`
	Mode             search.Mode                `json:"mode"`
	Degraded         bool                       `json:"degraded,omitempty"`
	TotalResults     int                        `json:"total_results"`
	ProcessingTimeMs float64                    `json:"processing_time_ms"`
	ResultsByType    map[string][]search.Result `json:"results_by_type"`
	Suggestions      []string                   `json:"suggestions,omitempty"`
}

// handleSearch serves both search routes. The hybrid route honors an
// optional mode override in the request body; the semantic route always
// runs semantic.
func handleSearch(deps Deps, route search.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		mode := route
		if route == search.ModeHybrid && req.Mode != "" {
			switch search.Mode(req.Mode) {
			case search.ModeSemantic, search.ModeKeyword, search.ModeHybrid:
				mode = search.Mode(req.Mode)
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown search mode %q", req.Mode)
				return
			}
		}

		start := time.Now()
		resp, err := runSearch(r.Context(), deps.Engine, mode, search.Request{
			Query:      req.Query,
			Types:      req.ContentTypes,
			ProjectID:  req.ProjectID,
			Tags:       req.Tags,
			Threshold:  req.Threshold,
			MaxResults: req.MaxResults,
		})
		if err != nil {
			searchRequests.WithLabelValues(string(mode), "error").Inc()
			writeError(w, err)
			return
		}

		outcome := "ok"
		if resp.Degraded {
			outcome = "degraded"
		}
		searchRequests.WithLabelValues(string(mode), outcome).Inc()

		out := searchResponse{
			Query:            req.Query,
			Mode:             resp.Mode,
			Degraded:         resp.Degraded,
			TotalResults:     len(resp.Results),
			ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			ResultsByType:    bucketByType(resp.Results),
		}
		if out.TotalResults < suggestionFloor {
			out.Suggestions = suggestTitles(r.Context(), deps.Engine, req.Query)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func runSearch(ctx context.Context, eng *search.Engine, mode search.Mode, req search.Request) (search.Response, error) {
	switch mode {
	case search.ModeSemantic:
		return eng.Semantic(ctx, req)
	case search.ModeKeyword:
		return eng.Keyword(ctx, req)
	default:
		return eng.Hybrid(ctx, req)
	}
}

// bucketByType groups ranked results per content type, keeping rank order
// inside each bucket.
func bucketByType(results []search.Result) map[string][]search.Result {
	buckets := make(map[string][]search.Result)
	for _, res := range results {
		buckets[res.Record.Type] = append(buckets[res.Record.Type], res)
	}
	return buckets
}

// suggestTitles offers nearby titles when a search comes back sparse.
// Best-effort: failures just mean no suggestions.
func suggestTitles(ctx context.Context, eng *search.Engine, query string) []string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil
	}
	suggestions, err := eng.Autocomplete(ctx, fields[0], nil, suggestionFloor)
	if err != nil {
		return nil
	}
	return suggestions
}

func handleSimilar(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentType := chi.URLParam(r, "type")
		id := chi.URLParam(r, "id")
		opts := search.SimilarOptions{MaxResults: parseIntParam(r, "maxResults", 10, 100)}
		if raw := r.URL.Query().Get("threshold"); raw != "" {
			th, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid threshold %q", raw)
				return
			}
			opts.Threshold = &th
		}

		start := time.Now()
		resp, err := deps.Engine.Similar(r.Context(), contentType, id, opts)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(searchResponse{
			Mode:             resp.Mode,
			Degraded:         resp.Degraded,
			TotalResults:     len(resp.Results),
			ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
			ResultsByType:    bucketByType(resp.Results),
		})
	}
}

func handleAutocomplete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit := parseIntParam(r, "limit", 10, 10)
		var types []string
		if raw := r.URL.Query().Get("types"); raw != "" {
			types = strings.Split(raw, ",")
		}

		suggestions, err := deps.Engine.Autocomplete(r.Context(), q, types, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if suggestions == nil {
			suggestions = []string{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"suggestions": suggestions})
	}
}
