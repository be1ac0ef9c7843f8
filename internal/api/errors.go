package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/recall/internal/embed"
	"github.com/kalambet/recall/internal/search"
	"github.com/kalambet/recall/internal/store"
)

// httpError writes the JSON error envelope every endpoint shares.
func httpError(w http.ResponseWriter, status int, code string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}

// writeError maps domain errors onto HTTP statuses: validation to 400,
// missing rows to 404, retryable store trouble and transient embedding
// trouble to 503, the rest to 500.
func writeError(w http.ResponseWriter, err error) {
	var verr *search.ValidationError
	var cerr *store.ConnectionError
	var eerr *embed.Error
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Error())
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s", err.Error())
	case errors.As(err, &cerr), store.IsRetryable(err):
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%s", err.Error())
	case errors.As(err, &eerr) && eerr.Transient:
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%s", err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s", err.Error())
	}
}
