// Package api exposes the search, record, and ingestion surfaces over
// HTTP, plus the MCP server for agent integrations.
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/recall/internal/ingest"
	"github.com/kalambet/recall/internal/search"
	"github.com/kalambet/recall/internal/store"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxDocumentBodySize = 10 << 20 // 10MB, for record uploads
	maxURLFetchSize     = 5 << 20  // 5MB
)

// Deps bundles everything the HTTP layer serves. HTTPClient is used for
// URL-sourced record creation and defaults to http.DefaultClient.
type Deps struct {
	Store      *store.Manager
	Engine     *search.Engine
	Ingest     *ingest.Service
	APIKey     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewHandler builds the router. Search and read routes are open; record
// mutations and job management sit behind bearer auth when a key is set.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(Metrics)

	r.Get("/health", handleHealth(deps))
	r.Get("/health/deep", handleDeepHealth(deps))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/search/semantic", handleSearch(deps, search.ModeSemantic))
	r.Post("/search/hybrid", handleSearch(deps, search.ModeHybrid))
	r.Get("/search/similar/{type}/{id}", handleSimilar(deps))
	r.Get("/search/autocomplete", handleAutocomplete(deps))
	r.Get("/records/{type}/{id}", handleGetRecord(deps))

	r.Group(func(g chi.Router) {
		g.Use(BearerAuth(deps.APIKey))
		g.Post("/records", handleCreateRecord(deps))
		g.Delete("/records/{type}/{id}", handleDeleteRecord(deps))
		g.Post("/embeddings/process", handleProcessEmbeddings(deps))
		g.Get("/embeddings/jobs", handleListJobs(deps))
		g.Get("/embeddings/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
