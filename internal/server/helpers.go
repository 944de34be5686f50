package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/reelforge/internal/orcherr"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteDomainError maps the domain error kinds (spec §7) onto HTTP
// status codes and writes the response.
func WriteDomainError(w http.ResponseWriter, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orcherr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orcherr.ErrPrecondition):
		status = http.StatusPreconditionFailed
	case errors.Is(err, orcherr.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, orcherr.ErrHandlerFailure), errors.Is(err, orcherr.ErrStuck):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, orcherr.ErrStoreInconsistency):
		status = http.StatusInternalServerError
	}
	return WriteError(w, status, err.Error())
}

// decodeBody parses a JSON request body into target.
func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
