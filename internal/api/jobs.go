package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/recall/internal/store"
)

// perItemEstimate is the planning figure for one embedding round trip,
// used only for the estimate returned on job creation.
const perItemEstimate = 250 * time.Millisecond

type processRequest struct {
	ContentType string `json:"content_type"`
	ProjectID   string `json:"project_id,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

type processResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	TotalItems       int    `json:"total_items"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

type jobResponse struct {
	store.Job
	Remaining int `json:"remaining"`
}

// handleProcessEmbeddings enqueues a batch embedding job and answers
// immediately with a handle; progress is read back through the jobs routes.
func handleProcessEmbeddings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !store.ValidContentType(req.ContentType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown content type %q", req.ContentType)
			return
		}

		job, err := deps.Ingest.Enqueue(r.Context(), req.ContentType, req.ProjectID, req.BatchSize)
		if err != nil {
			writeError(w, err)
			return
		}

		estimated := time.Duration(job.TotalItems) * perItemEstimate
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(processResponse{
			JobID:            job.ID,
			Status:           job.Status,
			TotalItems:       job.TotalItems,
			EstimatedSeconds: int(estimated.Seconds()),
		})
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Ingest.Job(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobResponse{Job: job, Remaining: job.Remaining()})
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Ingest.Jobs(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}

		out := make([]jobResponse, len(jobs))
		for i, job := range jobs {
			out[i] = jobResponse{Job: job, Remaining: job.Remaining()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}
