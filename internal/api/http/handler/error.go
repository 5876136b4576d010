package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crosslink-io/identity-server/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps domain errors to HTTP statuses. A NotFound
// escaping the service means a broken cluster invariant, which is an
// internal error rather than a client miss.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, model.ErrInvalidInput.Error())
	case errors.Is(err, model.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
