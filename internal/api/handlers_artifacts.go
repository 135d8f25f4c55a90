// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ManuGH/mediad/internal/orphan"
)

func (s *Server) handleArtifactStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "query parameter \"path\" is required")
		return
	}
	rel, err := s.opts.Resolver.Canonicalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	states, err := s.opts.Probe.States(r.Context(), rel)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      rel,
		"artifacts": states,
	})
}

func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	relDir := "."
	if raw := r.URL.Query().Get("path"); raw != "" {
		rel, err := s.opts.Resolver.Canonicalize(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		relDir = rel
	}
	recursive := true
	if raw := r.URL.Query().Get("recursive"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "query parameter \"recursive\" must be a boolean")
			return
		}
		recursive = b
	}
	rep, err := s.opts.Coverage.Report(r.Context(), relDir, recursive)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) scanScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	relDir := "."
	if raw := r.URL.Query().Get("path"); raw != "" {
		rel, err := s.opts.Resolver.Canonicalize(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return "", false
		}
		relDir = rel
	}
	return relDir, true
}

func (s *Server) handleOrphanScan(w http.ResponseWriter, r *http.Request) {
	relDir, ok := s.scanScope(w, r)
	if !ok {
		return
	}
	orphans, err := s.opts.OrphanScanner.Scan(r.Context(), relDir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    relDir,
		"count":   len(orphans),
		"orphans": orphans,
	})
}

// handleRepairPreview returns the full suggestion set in one response.
func (s *Server) handleRepairPreview(w http.ResponseWriter, r *http.Request) {
	relDir, ok := s.scanScope(w, r)
	if !ok {
		return
	}
	orphans, err := s.opts.OrphanScanner.Scan(r.Context(), relDir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  relDir,
		"count": len(orphans),
		"items": orphans,
	})
}

// handleRepairPreviewStream streams scan results as NDJSON, one orphan per
// line, so large libraries render incrementally.
func (s *Server) handleRepairPreviewStream(w http.ResponseWriter, r *http.Request) {
	relDir, ok := s.scanScope(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	err := s.opts.OrphanScanner.Stream(r.Context(), relDir, func(o orphan.Orphan) error {
		if err := enc.Encode(o); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are gone; the truncated stream is the error signal.
		s.logger.Warn().Err(err).Str("scope", relDir).Msg("orphan preview aborted")
	}
}

func (s *Server) handleOrphanRepair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []orphan.RepairItem `json:"items"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "no repair items given")
		return
	}
	outcomes := s.opts.Repairer.Apply(r.Context(), req.Items)
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func queryBool(r *http.Request, key string, def bool) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}

// handleCleanup resolves orphans in bulk: reassociate where a suggestion
// exists, then keep or delete the rest. With use_preview the client supplies
// the orphan set from an earlier repair-preview instead of rescanning.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var opts orphan.CleanupOptions
	var err error
	if opts.DryRun, err = queryBool(r, "dry_run", false); err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"dry_run\" must be a boolean")
		return
	}
	if opts.KeepOrphans, err = queryBool(r, "keep_orphans", false); err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"keep_orphans\" must be a boolean")
		return
	}
	if opts.Reassociate, err = queryBool(r, "reassociate", false); err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"reassociate\" must be a boolean")
		return
	}
	if opts.LocalOnly, err = queryBool(r, "local_only", false); err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"local_only\" must be a boolean")
		return
	}
	usePreview, err := queryBool(r, "use_preview", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter \"use_preview\" must be a boolean")
		return
	}

	var orphans []orphan.Orphan
	if usePreview {
		var req struct {
			Items []orphan.Orphan `json:"items"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		orphans = req.Items
	} else {
		relDir, ok := s.scanScope(w, r)
		if !ok {
			return
		}
		orphans, err = s.opts.OrphanScanner.Scan(r.Context(), relDir)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, s.opts.Repairer.Cleanup(r.Context(), orphans, opts))
}
