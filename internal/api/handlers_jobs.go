// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/jobs"
)

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  s.opts.Store.List(),
		"stats": s.opts.Scheduler.Stats(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.opts.Store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Scheduler.Cancel(id); err != nil {
		writeDomainError(w, err)
		return
	}
	j, _ := s.opts.Store.Get(id)
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	n := s.opts.Scheduler.CancelQueued()
	writeJSON(w, http.StatusOK, map[string]int{"canceled": n})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := s.opts.Scheduler.CancelAll()
	writeJSON(w, http.StatusAccepted, map[string]int{"canceled": n})
}

func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	n := s.opts.Store.ClearFinished()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.opts.Scheduler.Paused()})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	paused, err := strconv.ParseBool(r.URL.Query().Get("paused"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"paused\" must be true or false")
		return
	}
	if paused {
		s.opts.Scheduler.Pause()
	} else {
		s.opts.Scheduler.Resume()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
}

// concurrencyDTO is the wire shape of the tunable concurrency settings.
type concurrencyDTO struct {
	Value    int            `json:"value"`
	ToolCaps map[string]int `json:"toolCaps"`
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	cfg := s.opts.Scheduler.Snapshot()
	caps := make(map[string]int, len(cfg.ToolCaps))
	for class, n := range cfg.ToolCaps {
		caps[string(class)] = n
	}
	writeJSON(w, http.StatusOK, concurrencyDTO{Value: cfg.GlobalMax, ToolCaps: caps})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"value\" must be an integer")
		return
	}
	if err := s.opts.Scheduler.SetGlobalMax(n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleGetConcurrency(w, r)
}

func (s *Server) handleSetToolConcurrency(w http.ResponseWriter, r *http.Request) {
	class := artifact.ToolClass(r.URL.Query().Get("class"))
	n, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"value\" must be an integer")
		return
	}
	if err := s.opts.Scheduler.SetToolCap(class, n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.handleGetConcurrency(w, r)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req jobs.BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.opts.Planner.Plan(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path     string         `json:"path"`
		Artifact string         `json:"artifact"`
		Params   map[string]any `json:"params,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := artifact.ParseKind(req.Artifact)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := s.opts.Planner.Submit(req.Path, kind, req.Params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// handleJobEvents streams the bus over SSE. Named events carry the JSON
// payload; a comment heartbeat keeps idle connections alive. A client that
// falls too far behind is disconnected by the bus rather than slowing
// everyone else down.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.opts.Bus.Subscribe()
	defer sub.Close()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C():
			if !open {
				// Dropped for lagging; the client reconnects.
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
