// Package ingest runs batch embedding jobs: it walks records that have no
// stored vector, embeds them through the gateway, and writes the vectors
// back, tracking progress in a persistent job row.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/recall/internal/store"
)

// ServiceStore is the subset of store operations the enqueue side needs.
type ServiceStore interface {
	CountMissingEmbeddings(ctx context.Context, contentType, projectID string) (int, error)
	CreateJob(ctx context.Context, job store.Job) error
	GetJob(ctx context.Context, id string) (store.Job, error)
	ListJobs(ctx context.Context, limit int) ([]store.Job, error)
}

// Service accepts embedding jobs and answers status queries. The actual
// processing happens in the Runner, which claims queued jobs from the store.
type Service struct {
	store     ServiceStore
	batchSize int
	logger    *slog.Logger
}

// NewService creates a Service. batchSize is the default when a job does not
// specify its own.
func NewService(st ServiceStore, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, batchSize: batchSize, logger: logger}
}

// Enqueue creates a queued job covering every record of the given type that
// has no embedding yet. The returned job carries the pending count as its
// item estimate; the runner re-counts when it claims the job.
func (s *Service) Enqueue(ctx context.Context, contentType, projectID string, batchSize int) (store.Job, error) {
	if !store.ValidContentType(contentType) {
		return store.Job{}, fmt.Errorf("unknown content type %q", contentType)
	}
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	pending, err := s.store.CountMissingEmbeddings(ctx, contentType, projectID)
	if err != nil {
		return store.Job{}, fmt.Errorf("counting pending records: %w", err)
	}

	job := store.Job{
		ID:          uuid.NewString(),
		ContentType: contentType,
		ProjectID:   projectID,
		BatchSize:   batchSize,
		Status:      store.JobQueued,
		TotalItems:  pending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return store.Job{}, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("embedding job queued", "job_id", job.ID, "content_type", contentType, "pending", pending)
	return job, nil
}

// Job returns the current state of a job.
func (s *Service) Job(ctx context.Context, id string) (store.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Jobs returns recent jobs, newest first.
func (s *Service) Jobs(ctx context.Context, limit int) ([]store.Job, error) {
	return s.store.ListJobs(ctx, limit)
}
