// Package search implements the retrieval engine: semantic search over
// stored vectors, weighted keyword matching, and hybrid fusion of the two,
// with graceful degradation to keyword-only when vectors are unavailable.
package search

import (
	"fmt"

	"github.com/kalambet/recall/internal/store"
)

// Mode identifies the retrieval path that produced a result set or matched
// an individual record.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// Request is a search query with its filters. Zero values fall back to the
// engine defaults.
type Request struct {
	Query      string
	Types      []string
	ProjectID  string
	Tags       []string
	Threshold  *float64
	MaxResults int
}

// SimilarOptions tunes a similarity lookup. Zero values fall back to the
// engine defaults.
type SimilarOptions struct {
	MaxResults int
	Threshold  *float64
}

// Result is one scored record. SemanticScore and KeywordScore carry the
// per-path scores that went into Score; for single-path results the missing
// side stays zero and MatchedBy names the path that found it.
type Result struct {
	Record        store.Record `json:"record"`
	Score         float64      `json:"score"`
	SemanticScore float64      `json:"semantic_score,omitempty"`
	KeywordScore  float64      `json:"keyword_score,omitempty"`
	MatchedBy     Mode         `json:"matched_by"`
	Snippet       string       `json:"snippet,omitempty"`
}

// Response is an ordered result set. Mode is the path that actually ran;
// Degraded marks a semantic or hybrid request that fell back to keyword
// matching.
type Response struct {
	Results  []Result `json:"results"`
	Mode     Mode     `json:"mode"`
	Degraded bool     `json:"degraded,omitempty"`
}

// ValidationError reports a request rejected before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("search: invalid %s: %s", e.Field, e.Reason)
}
