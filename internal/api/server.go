// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/coverage"
	"github.com/ManuGH/mediad/internal/events"
	"github.com/ManuGH/mediad/internal/jobs"
	"github.com/ManuGH/mediad/internal/library"
	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/orphan"
)

// Options wires the server's collaborators.
type Options struct {
	Resolver      *artifact.Resolver
	Probe         *artifact.CachedProbe
	Store         *jobs.Store
	Scheduler     *jobs.Scheduler
	Planner       *jobs.Planner
	Bus           *events.Bus
	Coverage      *coverage.Aggregator
	OrphanScanner *orphan.Scanner
	Repairer      *orphan.Repairer
	Library       *library.Service

	RatePerMinute  int
	TracingService string // empty disables otelhttp wrapping
	Version        string
}

// Server carries the handler dependencies.
type Server struct {
	opts   Options
	logger zerolog.Logger
}

// NewServer returns an API server.
func NewServer(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: log.WithComponent("api"),
	}
}

// Handler builds the full route tree with the canonical middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(requestLogger)
	if s.opts.RatePerMinute > 0 {
		r.Use(rateLimit(s.opts.RatePerMinute))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/jobs/events", s.handleJobEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Post("/jobs/cancel-queued", s.handleCancelQueued)
			r.Post("/jobs/cancel-all", s.handleCancelAll)
			r.Post("/jobs/clear-completed", s.handleClearFinished)
			r.Get("/pause", s.handleGetPause)
			r.Post("/pause", s.handleSetPause)
			r.Get("/concurrency", s.handleGetConcurrency)
			r.Post("/concurrency", s.handleSetConcurrency)
			r.Post("/concurrency/tool", s.handleSetToolConcurrency)
			r.Get("/coverage", s.handleCoverage)
			r.Post("/batch", s.handleBatch)
			r.Post("/generate", s.handleGenerate)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/status", s.handleArtifactStatus)
			r.Get("/orphans", s.handleOrphanScan)
			r.Post("/repair-preview", s.handleRepairPreview)
			r.Post("/repair-preview/stream", s.handleRepairPreviewStream)
			r.Post("/repair", s.handleOrphanRepair)
			r.Post("/cleanup", s.handleCleanup)
		})

		r.Route("/library", func(r chi.Router) {
			r.Get("/", s.handleLibraryList)
			r.Get("/file", s.handleLibraryFile)
			r.Post("/rescan", s.handleLibraryRescan)
		})
	})

	if s.opts.TracingService != "" {
		return otelhttp.NewHandler(r, s.opts.TracingService)
	}
	return r
}
