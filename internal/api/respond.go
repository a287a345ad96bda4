package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"pingrobot/internal/models"
	"pingrobot/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps a store error to a response. notFound is the message
// used for storage.ErrNotFound.
func writeStoreError(w http.ResponseWriter, log zerolog.Logger, err error, notFound string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	default:
		log.Error().Err(err).Msg("store request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
