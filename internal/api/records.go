package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/recall/internal/content"
	"github.com/kalambet/recall/internal/store"
)

const urlFetchTimeout = 10 * time.Second

type recordRequest struct {
	ID        string   `json:"id,omitempty"`
	Type      string   `json:"type"`
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	URL       string   `json:"url,omitempty"`
	File      string   `json:"file,omitempty"` // base64 document, extracted server-side
}

// handleCreateRecord creates a record from raw fields, a fetched URL, or an
// uploaded document run through content extraction. A changed body leaves
// the record unembedded until the next ingestion job.
func handleCreateRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req recordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !store.ValidContentType(req.Type) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown content type %q", req.Type)
			return
		}

		switch {
		case req.URL != "":
			ctx, cancel := context.WithTimeout(r.Context(), urlFetchTimeout)
			defer cancel()

			httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid url: %v", err)
				return
			}
			resp, err := deps.HTTPClient.Do(httpReq)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				httpError(w, http.StatusBadGateway, "api_error", "url returned status %d", resp.StatusCode)
				return
			}
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to read url response: %v", err)
				return
			}
			doc, err := content.Extract(data, resp.Header.Get("Content-Type"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting document: %v", err)
				return
			}
			applyDocument(&req, doc, req.URL)

		case req.File != "":
			data, err := base64.StdEncoding.DecodeString(req.File)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 file content")
				return
			}
			doc, err := content.Extract(data, "")
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting document: %v", err)
				return
			}
			applyDocument(&req, doc, "")
		}

		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "record title must not be empty")
			return
		}
		if strings.TrimSpace(req.Body) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "record body must not be empty")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		rec := store.Record{
			ID:        req.ID,
			Type:      req.Type,
			Title:     req.Title,
			Body:      req.Body,
			Tags:      req.Tags,
			ProjectID: req.ProjectID,
		}
		if err := deps.Store.SaveRecord(r.Context(), rec); err != nil {
			writeError(w, err)
			return
		}

		saved, err := deps.Store.GetRecord(r.Context(), req.Type, req.ID)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(saved)
	}
}

// applyDocument fills empty request fields from an extracted document.
// Explicit fields always win over extracted ones.
func applyDocument(req *recordRequest, doc content.Document, sourceURL string) {
	if req.Body == "" {
		req.Body = doc.Text
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if req.Title == "" {
		req.Title = sourceURL
	}
}

// handleGetRecord returns one record and counts the read.
func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentType := chi.URLParam(r, "type")
		id := chi.URLParam(r, "id")
		if !store.ValidContentType(contentType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown content type %q", contentType)
			return
		}

		rec, err := deps.Store.GetRecord(r.Context(), contentType, id)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Store.TouchRecordUsage(r.Context(), contentType, id); err != nil {
			deps.Logger.Warn("recording usage failed", "type", contentType, "id", id, "error", err)
		} else {
			rec.UsageCount++
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)
	}
}

func handleDeleteRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		contentType := chi.URLParam(r, "type")
		if !store.ValidContentType(contentType) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown content type %q", contentType)
			return
		}

		if err := deps.Store.DeleteRecord(r.Context(), contentType, chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
