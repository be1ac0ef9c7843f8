package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/recall/internal/embed"
	"github.com/kalambet/recall/internal/store"
)

// RunnerStore is the subset of store operations job processing needs.
type RunnerStore interface {
	ClaimNextJob(ctx context.Context) (*store.Job, error)
	SetJobTotal(ctx context.Context, id string, total int) error
	MissingEmbeddingIDs(ctx context.Context, contentType, projectID string) ([]string, error)
	RecordsByIDs(ctx context.Context, contentType string, ids []string) ([]store.Record, error)
	SaveEmbeddings(ctx context.Context, contentType string, updates []store.EmbeddingUpdate) error
	UpdateJobProgress(ctx context.Context, id string, processed int, failed []store.FailedItem) error
	FinishJob(ctx context.Context, id, status string, processed int, failed []store.FailedItem, lastError string) error
}

// Embedder turns a batch of texts into vectors with per-item outcomes.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) []embed.BatchResult
}

// Runner claims queued jobs and processes them on a bounded worker pool.
// Submit blocks once the pool is saturated, so the claim loop naturally
// stops pulling work when every slot is busy.
type Runner struct {
	store    RunnerStore
	embedder Embedder
	pool     *ants.Pool
	poll     time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a Runner processing at most maxJobs jobs concurrently.
func NewRunner(st RunnerStore, e Embedder, maxJobs int, poll time.Duration, logger *slog.Logger) (*Runner, error) {
	if maxJobs <= 0 {
		maxJobs = 2
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(maxJobs)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &Runner{store: st, embedder: e, pool: pool, poll: poll, logger: logger}, nil
}

// Run claims and dispatches jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.store.ClaimNextJob(ctx)
		if err != nil {
			r.logger.Error("claiming job failed", "error", err)
		}
		if job != nil {
			r.wg.Add(1)
			submitErr := r.pool.Submit(func() {
				defer r.wg.Done()
				r.Process(ctx, job)
			})
			if submitErr != nil {
				r.wg.Done()
				r.logger.Error("submitting job to pool failed", "job_id", job.ID, "error", submitErr)
			} else {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and processes a single job synchronously. Returns true if a
// job was processed.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	r.Process(ctx, job)
	return true, nil
}

// Close waits for in-flight jobs and releases the pool.
func (r *Runner) Close() {
	r.wg.Wait()
	r.pool.Release()
}

// Process runs one claimed job to its terminal status. Individual item
// failures are recorded and do not abort the job; the job only fails when
// nothing can be processed at all.
func (r *Runner) Process(ctx context.Context, job *store.Job) {
	start := time.Now()
	log := r.logger.With("job_id", job.ID, "content_type", job.ContentType)

	ids, err := r.store.MissingEmbeddingIDs(ctx, job.ContentType, job.ProjectID)
	if err != nil {
		log.Error("listing pending records failed", "error", err)
		r.finish(ctx, job, store.JobFailed, 0, nil, fmt.Sprintf("listing pending records: %v", err))
		return
	}
	if err := r.store.SetJobTotal(ctx, job.ID, len(ids)); err != nil {
		log.Warn("updating job total failed", "error", err)
	}
	if len(ids) == 0 {
		r.finish(ctx, job, store.JobCompleted, 0, nil, "")
		log.Info("embedding job completed", "items", 0, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	batchSize := job.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	processed := 0
	var failed []store.FailedItem
	cancelled := false

	for begin := 0; begin < len(ids); begin += batchSize {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		end := begin + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[begin:end]

		batchFailed := r.processBatch(ctx, job, batch)
		failed = append(failed, batchFailed...)
		processed += len(batch)

		if err := r.store.UpdateJobProgress(ctx, job.ID, processed, failed); err != nil {
			log.Warn("recording job progress failed", "error", err)
		}
	}

	status := store.JobCompleted
	lastError := ""
	switch {
	case cancelled:
		status = store.JobFailed
		lastError = "shut down before completion"
	case len(failed) >= len(ids):
		status = store.JobFailed
		lastError = "all items failed"
	case len(failed) > 0:
		status = store.JobPartial
	}

	r.finish(ctx, job, status, processed, failed, lastError)
	log.Info("embedding job finished",
		"status", status,
		"processed", processed,
		"failed", len(failed),
		"duration_ms", time.Since(start).Milliseconds())
}

// processBatch embeds one batch of records and persists the vectors.
// Store-level failures are retried once before the batch's items are marked
// failed; per-item embedding failures never abort the batch.
func (r *Runner) processBatch(ctx context.Context, job *store.Job, batch []string) []store.FailedItem {
	recs, err := r.loadBatch(ctx, job.ContentType, batch)
	if err != nil {
		r.logger.Warn("loading batch failed", "job_id", job.ID, "error", err)
		return failAll(batch, fmt.Sprintf("loading batch: %v", err))
	}

	// Records deleted since the candidate list was taken simply drop out.
	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.Title + "\n\n" + rec.Body
	}

	results := r.embedder.EmbedBatch(ctx, texts)
	var failed []store.FailedItem
	updates := make([]store.EmbeddingUpdate, 0, len(recs))
	for i, res := range results {
		if res.Err != nil {
			failed = append(failed, store.FailedItem{ID: recs[i].ID, Error: res.Err.Error()})
			continue
		}
		updates = append(updates, store.EmbeddingUpdate{ID: recs[i].ID, Vector: res.Vector})
	}

	if len(updates) > 0 {
		if err := r.saveBatch(ctx, job.ContentType, updates); err != nil {
			r.logger.Warn("saving batch failed", "job_id", job.ID, "error", err)
			for _, u := range updates {
				failed = append(failed, store.FailedItem{ID: u.ID, Error: fmt.Sprintf("saving embedding: %v", err)})
			}
		}
	}
	return failed
}

// loadBatch fetches the batch records, retrying once on a transient store
// error.
func (r *Runner) loadBatch(ctx context.Context, contentType string, ids []string) ([]store.Record, error) {
	recs, err := r.store.RecordsByIDs(ctx, contentType, ids)
	if err != nil && store.IsRetryable(err) && ctx.Err() == nil {
		recs, err = r.store.RecordsByIDs(ctx, contentType, ids)
	}
	return recs, err
}

func (r *Runner) saveBatch(ctx context.Context, contentType string, updates []store.EmbeddingUpdate) error {
	err := r.store.SaveEmbeddings(ctx, contentType, updates)
	if err != nil && store.IsRetryable(err) && ctx.Err() == nil {
		err = r.store.SaveEmbeddings(ctx, contentType, updates)
	}
	return err
}

func failAll(ids []string, msg string) []store.FailedItem {
	items := make([]store.FailedItem, len(ids))
	for i, id := range ids {
		items[i] = store.FailedItem{ID: id, Error: msg}
	}
	return items
}

func (r *Runner) finish(ctx context.Context, job *store.Job, status string, processed int, failed []store.FailedItem, lastError string) {
	// The job row must reach a terminal state even when ctx was cancelled
	// mid-job during shutdown.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := r.store.FinishJob(ctx, job.ID, status, processed, failed, lastError); err != nil {
		r.logger.Error("finishing job failed", "job_id", job.ID, "status", status, "error", err)
	}
}
