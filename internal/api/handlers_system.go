// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReadyz reports readiness: the library index must answer queries.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.Library.Count(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "library index unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	files, err := s.opts.Library.Count(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     s.opts.Version,
		"files":       files,
		"stats":       s.opts.Scheduler.Stats(),
		"subscribers": s.opts.Bus.SubscriberCount(),
		"lastScan":    s.opts.Library.LastScan(),
	})
}
