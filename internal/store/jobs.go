package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func encodeFailedItems(items []FailedItem) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeFailedItems(raw string) []FailedItem {
	if raw == "" || raw == "[]" {
		return nil
	}
	var items []FailedItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

// CreateJob inserts a queued job row.
func (m *Manager) CreateJob(ctx context.Context, job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if !ValidContentType(job.ContentType) {
		return fmt.Errorf("unknown content type %q", job.ContentType)
	}
	now := time.Now().UTC()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	var project any
	if job.ProjectID != "" {
		project = job.ProjectID
	}
	_, err := m.Exec(ctx, `INSERT INTO embedding_jobs
		(id, content_type, project_id, batch_size, status, total_items, processed_items, failed_items, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '[]', '', ?, ?)`,
		job.ID, job.ContentType, project, job.BatchSize, JobQueued, job.TotalItems,
		formatTime(created), formatTime(now))
	return err
}

// ClaimNextJob atomically moves the oldest queued job to running and returns
// it. Returns nil when no job is queued. The transition only succeeds from
// queued, so concurrent claimers cannot double-run a job.
func (m *Manager) ClaimNextJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := m.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id FROM embedding_jobs
			WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, JobQueued)
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		now := formatTime(time.Now().UTC())
		res, err := tx.ExecContext(ctx, `UPDATE embedding_jobs
			SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`, JobRunning, now, now, id, JobQueued)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}

		job, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SetJobTotal fixes the item count of a running job. The enqueue-time count
// is an estimate, the claim-time candidate list is authoritative.
func (m *Manager) SetJobTotal(ctx context.Context, id string, total int) error {
	_, err := m.Exec(ctx, `UPDATE embedding_jobs SET total_items = ?, updated_at = ? WHERE id = ? AND status = ?`,
		total, formatTime(time.Now().UTC()), id, JobRunning)
	return err
}

// UpdateJobProgress records batch completion for a running job. Progress is
// monotonic: an update that would lower processed_items is a no-op.
func (m *Manager) UpdateJobProgress(ctx context.Context, id string, processed int, failed []FailedItem) error {
	_, err := m.Exec(ctx, `UPDATE embedding_jobs
		SET processed_items = ?, failed_items = ?, updated_at = ?
		WHERE id = ? AND status = ? AND processed_items <= ?`,
		processed, encodeFailedItems(failed), formatTime(time.Now().UTC()),
		id, JobRunning, processed)
	return err
}

// FinishJob moves a running job to a terminal status. Finishing a job that
// is not running returns ErrNotFound, terminal states never change again.
func (m *Manager) FinishJob(ctx context.Context, id, status string, processed int, failed []FailedItem, lastError string) error {
	switch status {
	case JobCompleted, JobPartial, JobFailed:
	default:
		return fmt.Errorf("invalid terminal status %q", status)
	}
	now := formatTime(time.Now().UTC())
	affected, err := m.Exec(ctx, `UPDATE embedding_jobs
		SET status = ?, processed_items = ?, failed_items = ?, last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, processed, encodeFailedItems(failed), lastError, now, now, id, JobRunning)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailInterruptedJobs marks every job still in running state as failed.
// Called once at startup, since a job left running by a crashed process
// will never make progress again.
func (m *Manager) FailInterruptedJobs(ctx context.Context) (int64, error) {
	now := formatTime(time.Now().UTC())
	return m.Exec(ctx, `UPDATE embedding_jobs
		SET status = ?, last_error = 'interrupted by restart', finished_at = ?, updated_at = ?
		WHERE status = ?`, JobFailed, now, now, JobRunning)
}

const jobSelect = `SELECT id, content_type, project_id, batch_size, status, total_items, processed_items, failed_items, last_error, created_at, started_at, finished_at, updated_at
	FROM embedding_jobs`

// GetJob loads a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := m.QueryRow(ctx, jobSelect+` WHERE id = ?`, []any{id}, func(row *sql.Row) error {
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns the most recent jobs, newest first.
func (m *Manager) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []Job
	err := m.Query(ctx, jobSelect+` ORDER BY created_at DESC, id DESC LIMIT ?`, []any{limit}, func(rows *sql.Rows) error {
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	return jobs, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var project, startedAt, finishedAt sql.NullString
	var failed, createdAt, updatedAt string
	if err := row.Scan(&job.ID, &job.ContentType, &project, &job.BatchSize, &job.Status,
		&job.TotalItems, &job.ProcessedItems, &failed, &job.LastError,
		&createdAt, &startedAt, &finishedAt, &updatedAt); err != nil {
		return Job{}, err
	}
	job.ProjectID = project.String
	job.FailedItems = decodeFailedItems(failed)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	if startedAt.Valid {
		job.StartedAt = parseTime(startedAt.String)
	}
	if finishedAt.Valid {
		job.FinishedAt = parseTime(finishedAt.String)
	}
	return job, nil
}
