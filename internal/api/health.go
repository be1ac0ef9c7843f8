package api

import (
	"encoding/json"
	"net/http"

	"github.com/kalambet/recall/internal/store"
)

type healthResponse struct {
	Status string `json:"status"`
	store.Health
}

func healthStatus(h store.Health) string {
	if !h.Connected {
		return "degraded"
	}
	return "ok"
}

// handleHealth serves the cached snapshot. It never touches the database,
// so it stays responsive while the store is down.
func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Store.Health()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{Status: healthStatus(h), Health: h})
	}
}

type deepHealthResponse struct {
	Status string `json:"status"`
	store.Health
	Store store.StoreInfo `json:"store"`
}

// handleDeepHealth adds live store gauges on top of the snapshot. A failed
// probe still returns the snapshot, with 503.
func handleDeepHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, info, err := deps.Store.DeepHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(deepHealthResponse{Status: "degraded", Health: h, Store: info})
			return
		}
		json.NewEncoder(w).Encode(deepHealthResponse{Status: healthStatus(h), Health: h, Store: info})
	}
}
