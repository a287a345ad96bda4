package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"pingrobot/internal/storage"
)

// NewRouter registers the API handlers. When gatherer is non-nil its metrics
// are served at /internal/metrics; /metrics is the attempt aggregate.
func NewRouter(store storage.Storer, gatherer prometheus.Gatherer, log zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	h := NewHandlers(store, log)

	r.HandleFunc("/", h.Root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	r.HandleFunc("/targets", h.CreateTarget).Methods(http.MethodPost)
	r.HandleFunc("/targets", h.ListTargets).Methods(http.MethodGet)
	r.HandleFunc("/targets/{id}", h.GetTarget).Methods(http.MethodGet)

	r.HandleFunc("/schedules", h.CreateSchedule).Methods(http.MethodPost)
	r.HandleFunc("/schedules", h.ListSchedules).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}", h.GetSchedule).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}/pause", h.PauseSchedule).Methods(http.MethodPost)

	r.HandleFunc("/runs", h.ListRuns).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.Metrics).Methods(http.MethodGet)

	if gatherer != nil {
		r.Handle("/internal/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}
