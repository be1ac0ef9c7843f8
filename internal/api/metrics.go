package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/recall/internal/store"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_http_requests_total",
			Help: "HTTP requests by route pattern and status code.",
		},
		[]string{"route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recall_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"route"},
	)

	searchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_search_requests_total",
			Help: "Search requests by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, searchRequests)
}

var poolMetricsOnce sync.Once

// RegisterPoolMetrics exports live gauges from the store manager. Safe to
// call more than once; only the first manager wins.
func RegisterPoolMetrics(m *store.Manager) {
	poolMetricsOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "recall_pool_open_connections",
				Help: "Open connections in the store pool.",
			}, func() float64 { return float64(m.Health().Pool.Open) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "recall_pool_in_use_connections",
				Help: "Connections currently serving queries.",
			}, func() float64 { return float64(m.Health().Pool.InUse) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "recall_store_vector_supported",
				Help: "1 when vector similarity is available, 0 in degraded mode.",
			}, func() float64 {
				if m.VectorSupported() {
					return 1
				}
				return 0
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "recall_store_reconnects_total",
				Help: "Store reconnects since process start.",
			}, func() float64 { return float64(m.Health().Queries.Reconnects) }),
		)
	})
}

// Metrics is chi middleware recording request counts and latency.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
