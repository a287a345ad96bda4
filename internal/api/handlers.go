package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

// Handlers holds dependencies for the API handlers.
type Handlers struct {
	store storage.Storer
	log   zerolog.Logger
	now   func() time.Time
}

// NewHandlers creates a new Handlers struct.
func NewHandlers(store storage.Storer, log zerolog.Logger) *Handlers {
	return &Handlers{store: store, log: log, now: time.Now}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Root describes the service.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Ping Robot API",
		"status":  "running",
		"version": "1.0.0",
	})
}

// Health is a simple health check endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ping-robot-api",
	})
}

// CreateTarget handles the creation of a new target.
func (h *Handlers) CreateTarget(w http.ResponseWriter, r *http.Request) {
	var spec models.TargetSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := h.store.CreateTarget(r.Context(), spec)
	if err != nil {
		writeStoreError(w, h.log, err, "target not found")
		return
	}
	h.log.Info().Str("target_id", target.ID).Str("url", target.URL).Str("method", target.Method).Msg("target created")
	writeJSON(w, http.StatusCreated, target)
}

// ListTargets returns every target.
func (h *Handlers) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := h.store.ListTargets(r.Context())
	if err != nil {
		writeStoreError(w, h.log, err, "target not found")
		return
	}
	if targets == nil {
		targets = []models.Target{}
	}
	writeJSON(w, http.StatusOK, targets)
}

// GetTarget returns one target.
func (h *Handlers) GetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := h.store.GetTarget(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, h.log, err, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, target)
}

// CreateSchedule handles the creation of a new schedule for an existing target.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var spec models.ScheduleSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sc, err := h.store.CreateSchedule(r.Context(), spec, h.now())
	if err != nil {
		writeStoreError(w, h.log, err, "target not found")
		return
	}
	h.log.Info().
		Str("schedule_id", sc.ID).
		Str("target_id", sc.TargetID).
		Int("interval_seconds", sc.IntervalSeconds).
		Time("ends_at", sc.EndsAt).
		Msg("schedule created")
	writeJSON(w, http.StatusCreated, sc)
}

// ListSchedules returns schedules, optionally filtered by ?status=.
// It is a pure read and does not expire schedules.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	var params storage.ListSchedulesParams
	switch status := models.ScheduleStatus(r.URL.Query().Get("status")); status {
	case "", models.ScheduleActive, models.SchedulePaused:
		params.Status = status
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", status))
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), params)
	if err != nil {
		writeStoreError(w, h.log, err, "schedule not found")
		return
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	writeJSON(w, http.StatusOK, schedules)
}

// GetSchedule returns one schedule.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.store.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, h.log, err, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// PauseSchedule pauses a schedule. Pausing a paused schedule succeeds.
func (h *Handlers) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.store.PauseSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, h.log, err, "schedule not found")
		return
	}
	h.log.Info().Str("schedule_id", sc.ID).Msg("schedule paused")
	writeJSON(w, http.StatusOK, sc)
}

type runsResponse struct {
	Total int          `json:"total"`
	Runs  []models.Run `json:"runs"`
}

func parseIntParam(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &models.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return &v, nil
}

// ListRuns returns a page of runs. total counts every matching run.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	params := storage.QueryRunsParams{ScheduleID: r.URL.Query().Get("schedule_id")}

	limit, err := parseIntParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.Limit = limit

	offset, err := parseIntParam(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if offset != nil {
		params.Offset = *offset
	}

	page, err := h.store.QueryRuns(r.Context(), params)
	if err != nil {
		writeStoreError(w, h.log, err, "run not found")
		return
	}
	runs := page.Runs
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runsResponse{Total: page.Total, Runs: runs})
}

// Metrics aggregates attempts, optionally for one schedule.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.Aggregate(r.Context(), r.URL.Query().Get("schedule_id"))
	if err != nil {
		writeStoreError(w, h.log, err, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}
