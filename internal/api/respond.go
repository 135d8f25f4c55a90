// SPDX-License-Identifier: MIT

// Package api exposes the daemon's HTTP surface: job control, batch
// submission, artifact status, coverage, orphan repair, and the SSE event
// stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/jobs"
	"github.com/ManuGH/mediad/internal/log"
)

// envelope is the uniform JSON response shape.
type envelope struct {
	Status  string `json:"status"` // "success" or "error"
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(envelope{Status: "success", Data: data}); err != nil {
		l := log.L()
		l.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Message: msg})
}

// writeDomainError maps domain sentinels onto status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrBatchInvalid), errors.Is(err, artifact.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
