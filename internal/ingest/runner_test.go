package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/recall/internal/embed"
	"github.com/kalambet/recall/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory job and record store for runner tests. Error
// injection counters make the next N calls of an operation fail with a
// retryable store error.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*store.Job
	records     map[string]store.Record
	embedded    map[string][]float32
	progressLog []int

	failLoads int
	failSaves int
	loadCalls int
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*store.Job),
		records:  make(map[string]store.Record),
		embedded: make(map[string][]float32),
	}
}

func (f *fakeStore) seedRecords(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("rec-%03d", i)
		f.records[id] = store.Record{
			ID:    id,
			Type:  "notes",
			Title: "note " + id,
			Body:  "body text long enough to embed for " + id,
		}
	}
}

func retryableErr(msg string) error {
	return &store.QueryError{Kind: "query", Retryable: true, Err: errors.New(msg)}
}

func (f *fakeStore) CountMissingEmbeddings(_ context.Context, _, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id := range f.records {
		if _, ok := f.embedded[id]; !ok {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateJob(_ context.Context, job store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := job
	j.Status = store.JobQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	f.jobs[j.ID] = &j
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (f *fakeStore) ListJobs(_ context.Context, _ int) ([]store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []store.Job
	for _, j := range f.jobs {
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (f *fakeStore) ClaimNextJob(_ context.Context) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *store.Job
	for _, j := range f.jobs {
		if j.Status != store.JobQueued {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = store.JobRunning
	oldest.StartedAt = time.Now()
	claimed := *oldest
	return &claimed, nil
}

func (f *fakeStore) SetJobTotal(_ context.Context, id string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok && j.Status == store.JobRunning {
		j.TotalItems = total
	}
	return nil
}

func (f *fakeStore) MissingEmbeddingIDs(_ context.Context, _, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.records {
		if _, ok := f.embedded[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) RecordsByIDs(_ context.Context, _ string, ids []string) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	if f.failLoads > 0 {
		f.failLoads--
		return nil, retryableErr("load failed")
	}
	var recs []store.Record
	for _, id := range ids {
		if rec, ok := f.records[id]; ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (f *fakeStore) SaveEmbeddings(_ context.Context, _ string, updates []store.EmbeddingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.failSaves > 0 {
		f.failSaves--
		return retryableErr("save failed")
	}
	for _, u := range updates {
		f.embedded[u.ID] = u.Vector
	}
	return nil
}

func (f *fakeStore) UpdateJobProgress(_ context.Context, id string, processed int, failed []store.FailedItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressLog = append(f.progressLog, processed)
	if j, ok := f.jobs[id]; ok && j.Status == store.JobRunning && processed >= j.ProcessedItems {
		j.ProcessedItems = processed
		j.FailedItems = append([]store.FailedItem(nil), failed...)
	}
	return nil
}

func (f *fakeStore) FinishJob(_ context.Context, id, status string, processed int, failed []store.FailedItem, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != store.JobRunning {
		return store.ErrNotFound
	}
	j.Status = status
	j.ProcessedItems = processed
	j.FailedItems = append([]store.FailedItem(nil), failed...)
	j.LastError = lastError
	j.FinishedAt = time.Now()
	return nil
}

// fakeEmbedder returns fixed-size vectors, permanently failing any text that
// contains one of the poisoned markers.
type fakeEmbedder struct {
	failOn []string
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) []embed.BatchResult {
	results := make([]embed.BatchResult, len(texts))
	for i, text := range texts {
		results[i].Index = i
		poisoned := false
		for _, marker := range f.failOn {
			if strings.Contains(text, marker) {
				poisoned = true
				break
			}
		}
		if poisoned {
			results[i].Err = &embed.Error{StatusCode: 400, Err: errors.New("cannot embed")}
			continue
		}
		results[i].Vector = []float32{1, 0, 0}
	}
	return results
}

func newTestRunner(t *testing.T, st *fakeStore, e Embedder) *Runner {
	t.Helper()
	r, err := NewRunner(st, e, 2, time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

// TestProcessPartialJob runs a 120-item job in batches of 50 where one item
// permanently fails: the job must end partial with every item attempted,
// the failure recorded, and batch progress strictly increasing.
func TestProcessPartialJob(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(120)
	svc := NewService(st, 50, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{failOn: []string{"rec-075"}})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 50)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.TotalItems != 120 {
		t.Errorf("enqueue estimate = %d, want 120", job.TotalItems)
	}

	done, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce processed no job")
	}

	got, err := svc.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != store.JobPartial {
		t.Errorf("Status = %q, want partial", got.Status)
	}
	if got.ProcessedItems != 120 {
		t.Errorf("ProcessedItems = %d, want 120 (failures still count as attempted)", got.ProcessedItems)
	}
	if got.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", got.Remaining())
	}
	if len(got.FailedItems) != 1 || got.FailedItems[0].ID != "rec-075" {
		t.Errorf("FailedItems = %v, want just rec-075", got.FailedItems)
	}

	if len(st.progressLog) != 3 {
		t.Fatalf("progress updates = %d, want one per batch (3)", len(st.progressLog))
	}
	want := []int{50, 100, 120}
	for i, p := range st.progressLog {
		if p != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, p, want[i])
		}
	}

	if len(st.embedded) != 119 {
		t.Errorf("embedded %d records, want 119", len(st.embedded))
	}
	if _, ok := st.embedded["rec-075"]; ok {
		t.Error("failed item got an embedding stored")
	}
}

// TestProcessCompletesWhenAllSucceed verifies the clean path.
func TestProcessCompletesWhenAllSucceed(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(7)
	svc := NewService(st, 3, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := svc.Job(ctx, job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ProcessedItems != 7 || len(got.FailedItems) != 0 {
		t.Errorf("ProcessedItems/FailedItems = %d/%d, want 7/0", got.ProcessedItems, len(got.FailedItems))
	}
}

// TestProcessEmptyJobCompletes verifies a job with nothing to do finishes
// as completed.
func TestProcessEmptyJobCompletes(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, 50, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := svc.Job(ctx, job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.TotalItems != 0 {
		t.Errorf("TotalItems = %d, want 0", got.TotalItems)
	}
}

// TestProcessFailsWhenAllItemsFail verifies total failure is a failed job,
// not a partial one.
func TestProcessFailsWhenAllItemsFail(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(4)
	svc := NewService(st, 2, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{failOn: []string{"rec-"}})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := svc.Job(ctx, job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.LastError == "" {
		t.Error("failed job has no last_error")
	}
	if len(got.FailedItems) != 4 {
		t.Errorf("FailedItems = %d, want 4", len(got.FailedItems))
	}
}

// TestBatchLoadRetriesOnce verifies one transient store failure while
// loading a batch is absorbed by the retry.
func TestBatchLoadRetriesOnce(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(3)
	st.failLoads = 1
	svc := NewService(st, 10, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 10)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := svc.Job(ctx, job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("Status = %q, want completed after retry", got.Status)
	}
	if st.loadCalls != 2 {
		t.Errorf("load calls = %d, want 2 (original plus one retry)", st.loadCalls)
	}
}

// TestBatchSaveFailureMarksItems verifies a batch whose save fails twice has
// its items recorded as failed while later batches continue.
func TestBatchSaveFailureMarksItems(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(4)
	st.failSaves = 2
	svc := NewService(st, 2, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	ctx := context.Background()
	job, err := svc.Enqueue(ctx, "notes", "", 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := svc.Job(ctx, job.ID)
	if got.Status != store.JobPartial {
		t.Errorf("Status = %q, want partial", got.Status)
	}
	if got.ProcessedItems != 4 {
		t.Errorf("ProcessedItems = %d, want 4", got.ProcessedItems)
	}
	if len(got.FailedItems) != 2 {
		t.Errorf("FailedItems = %d, want the 2 items of the failed batch", len(got.FailedItems))
	}
	if len(st.embedded) != 2 {
		t.Errorf("embedded %d records, want 2 from the healthy batch", len(st.embedded))
	}
}

// TestRunOnceWithoutJobs verifies an empty queue is not an error.
func TestRunOnceWithoutJobs(t *testing.T) {
	st := newFakeStore()
	r := newTestRunner(t, st, &fakeEmbedder{})

	done, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce reported work with an empty queue")
	}
}

// TestProcessCancelledContext verifies a job claimed under a cancelled
// context still reaches a terminal state.
func TestProcessCancelledContext(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(5)
	svc := NewService(st, 2, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	job, err := svc.Enqueue(context.Background(), "notes", "", 2)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	claimed, err := st.ClaimNextJob(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextJob: %v, %v", claimed, err)
	}
	cancel()
	r.Process(ctx, claimed)

	got, _ := svc.Job(context.Background(), job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("Status = %q, want failed after cancellation", got.Status)
	}
	if got.LastError == "" {
		t.Error("cancelled job has no last_error")
	}
}

// TestRunDispatchesJobs starts the claim loop, waits for a queued job to
// reach a terminal state, and verifies cancellation stops the loop.
func TestRunDispatchesJobs(t *testing.T) {
	st := newFakeStore()
	st.seedRecords(3)
	svc := NewService(st, 10, testLogger())
	r := newTestRunner(t, st, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	job, err := svc.Enqueue(ctx, "notes", "", 10)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := svc.Job(ctx, job.ID)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if got.Terminal() {
			if got.Status != store.JobCompleted {
				t.Errorf("Status = %q, want completed", got.Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached a terminal state")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

// TestServiceEnqueueRejectsUnknownType verifies content type validation
// happens before any store call.
func TestServiceEnqueueRejectsUnknownType(t *testing.T) {
	svc := NewService(newFakeStore(), 50, testLogger())
	if _, err := svc.Enqueue(context.Background(), "users", "", 0); err == nil {
		t.Fatal("expected error for unknown content type")
	}
}
