// Package api is the Control Surface: a thin HTTP+WS adapter translating
// externally-initiated actions into Task Store and Scheduler operations
// (spec §4.7, §6). Grounded on dronerd/server/serverUtils.go's envelope
// and dronerd/server/router.go's chi wiring, extended with the error
// taxonomy of spec §7.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskforge/taskforge/internal/store"
)

type responseStatus string

const (
	statusSuccess responseStatus = "success"
	statusFailed  responseStatus = "failed"
)

// errorCode mirrors spec §6.1's surfaced error conditions.
type errorCode string

const (
	codeValidation      errorCode = "validation_error"
	codeNotFound        errorCode = "not_found"
	codeStateConflict   errorCode = "state_conflict"
	codeUnauthenticated errorCode = "unauthenticated"
	codeInternal        errorCode = "internal"
)

type errorEnvelope struct {
	Status  responseStatus `json:"status"`
	Code    errorCode      `json:"code"`
	Message string         `json:"message"`
}

func newError(code errorCode, message string) *errorEnvelope {
	return &errorEnvelope{Status: statusFailed, Code: code, Message: message}
}

type renderOption func(w http.ResponseWriter)

func withStatus(status int) renderOption {
	return func(w http.ResponseWriter) { w.WriteHeader(status) }
}

func renderJSON(w http.ResponseWriter, payload any, opts ...renderOption) {
	w.Header().Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(w)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func renderError(w http.ResponseWriter, status int, code errorCode, message string) {
	renderJSON(w, newError(code, message), withStatus(status))
}

// writeErr maps a core error to the taxonomy of spec §7 and writes the
// matching envelope.
func writeErr(w http.ResponseWriter, err error) {
	var validation *store.ValidationError
	var notFound *store.NotFound
	var conflict *store.StateConflict

	switch {
	case errors.As(err, &validation):
		renderError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.As(err, &notFound):
		renderError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.As(err, &conflict):
		renderError(w, http.StatusConflict, codeStateConflict, err.Error())
	default:
		renderError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
