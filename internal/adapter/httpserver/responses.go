// Package httpserver contains the HTTP handlers, SSE streams, IDE
// reverse proxies and middleware in front of the session services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status, code := errorStatus(err)
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}

// errorStatus maps domain sentinels onto HTTP statuses. Everything not
// in the table is a 500.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, domain.ErrInProgress):
		return http.StatusBadRequest, "IN_PROGRESS"
	case errors.Is(err, domain.ErrNoSSHKey):
		return http.StatusBadRequest, "NO_SSH_KEY"
	case errors.Is(err, domain.ErrBusy):
		return http.StatusTooManyRequests, "BUSY"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
