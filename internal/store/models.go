package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ContentTypes lists the queryable content types in their canonical order.
// Each type is backed by its own table with an identical schema.
var ContentTypes = []string{"decisions", "patterns", "notes"}

// tableFor maps a content type to its table name. Only whitelisted types
// resolve; everything else is rejected before any SQL is built.
func tableFor(contentType string) (string, error) {
	for _, t := range ContentTypes {
		if t == contentType {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown content type %q", contentType)
}

// ValidContentType reports whether the given content type is queryable.
func ValidContentType(contentType string) bool {
	_, err := tableFor(contentType)
	return err == nil
}

// Record is a searchable document: a decision record, a reusable pattern,
// or a knowledge note. Embedding is nil until an ingestion job fills it and
// never leaves the process as JSON.
type Record struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Tags       []string  `json:"tags,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	Embedding  []float32 `json:"-"`
	EmbeddedAt time.Time `json:"embedded_at,omitzero"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScoredRecord is a Record with a cosine similarity score in [0,1].
type ScoredRecord struct {
	Record
	Score float64
}

// Job statuses. Transitions are monotonic: queued → running → terminal.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobPartial   = "partial"
	JobFailed    = "failed"
)

// FailedItem records one record that could not be embedded during a job.
type FailedItem struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Job tracks one batch embedding run over a content type.
type Job struct {
	ID             string       `json:"id"`
	ContentType    string       `json:"content_type"`
	ProjectID      string       `json:"project_id,omitempty"`
	BatchSize      int          `json:"batch_size"`
	Status         string       `json:"status"`
	TotalItems     int          `json:"total_items"`
	ProcessedItems int          `json:"processed_items"`
	FailedItems    []FailedItem `json:"failed_items,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      time.Time    `json:"started_at,omitzero"`
	FinishedAt     time.Time    `json:"finished_at,omitzero"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Remaining returns the number of items not yet attempted.
func (j Job) Remaining() int {
	r := j.TotalItems - j.ProcessedItems
	if r < 0 {
		return 0
	}
	return r
}

// Terminal reports whether the job reached a final status.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobPartial, JobFailed:
		return true
	}
	return false
}
