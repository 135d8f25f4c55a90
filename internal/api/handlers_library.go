// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ManuGH/mediad/internal/library"
)

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := library.ListOptions{Query: q.Get("search")}
	if opts.Query == "" {
		opts.Query = q.Get("q")
	}
	if raw := q.Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}
	if raw := q.Get("limit"); raw != "" && opts.Limit == 0 {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.Limit = n
		}
	}
	if raw := q.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 1 {
			size := opts.Limit
			if size <= 0 {
				size = 100
			}
			opts.Offset = (n - 1) * size
		}
	}
	if raw := q.Get("offset"); raw != "" && opts.Offset == 0 {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	items, total, err := s.opts.Library.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  total,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Server) handleLibraryFile(w http.ResponseWriter, r *http.Request) {
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
	item, err := s.opts.Library.Get(r.Context(), rel)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "file not indexed: "+rel)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleLibraryRescan(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Library.Rescan(r.Context())
	if err != nil {
		if errors.Is(err, library.ErrScanInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
