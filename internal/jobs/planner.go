// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/metrics"
	"github.com/ManuGH/mediad/internal/worker"
)

// Batch modes.
const (
	// ModeMissing generates only pairs that probe absent or stale.
	ModeMissing = "missing"
	// ModeAll regenerates every pair regardless of presence.
	ModeAll = "all"
	// ModeClear deletes existing sidecars instead of generating.
	ModeClear = "clear"
)

// OperationAll expands to every registered kind in generation order.
const OperationAll = "all"

// Batch scopes.
const (
	// ScopeAll targets every media file under the directory scope.
	ScopeAll = "all"
	// ScopeSelected targets the explicit selectedPaths list.
	ScopeSelected = "selected"
)

// Skip reasons reported per suppressed (file, kind) pair.
const (
	SkipReasonPresent  = "present"
	SkipReasonConflict = "conflict"
)

// ErrBatchInvalid marks request validation failures (bad operation, bad
// params, missing tools). Handlers map it to a 4xx.
var ErrBatchInvalid = errors.New("invalid batch request")

// FileLister enumerates media files under a root-relative directory.
// The library index implements it.
type FileLister interface {
	ListUnder(ctx context.Context, relDir string, recursive bool) ([]string, error)
}

// BatchRequest describes one batch submission. Scope "selected" takes the
// explicit SelectedPaths list (Paths is a shorthand alias); scope "all", or
// no scope with no paths, takes the Path/Recursive directory scope (default:
// the whole library, recursive).
type BatchRequest struct {
	Operation     string         `json:"operation"`
	Mode          string         `json:"mode,omitempty"`
	Scope         string         `json:"scope,omitempty"`
	SelectedPaths []string       `json:"selectedPaths,omitempty"`
	Paths         []string       `json:"paths,omitempty"`
	Path          string         `json:"path,omitempty"`
	Recursive     *bool          `json:"recursive,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// SkippedItem is one (file, kind) pair the planner refused to enqueue.
type SkippedItem struct {
	File   string `json:"file"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// BatchResult is the synchronous planner response. Jobs run asynchronously;
// FileCount is the number of distinct files that received at least one job.
type BatchResult struct {
	BatchID   string        `json:"batchId"`
	FileCount int           `json:"fileCount"`
	JobCount  int           `json:"jobCount"`
	Cleared   int           `json:"cleared,omitempty"`
	Skipped   []SkippedItem `json:"skipped,omitempty"`
}

// Planner expands batch requests into individual jobs. Expansion is
// synchronous and cheap (path math plus stat calls); generation itself is
// left to the scheduler.
type Planner struct {
	resolver *artifact.Resolver
	probe    *artifact.Probe
	cache    *artifact.CachedProbe
	registry *worker.Registry
	store    *Store
	sched    *Scheduler
	lister   FileLister
	logger   zerolog.Logger
}

// NewPlanner wires a planner. cache may be nil when no status cache is
// configured; clear-mode then skips invalidation.
func NewPlanner(resolver *artifact.Resolver, probe *artifact.Probe, cache *artifact.CachedProbe, registry *worker.Registry, store *Store, sched *Scheduler, lister FileLister) *Planner {
	return &Planner{
		resolver: resolver,
		probe:    probe,
		cache:    cache,
		registry: registry,
		store:    store,
		sched:    sched,
		lister:   lister,
		logger:   log.WithComponent("jobs.planner"),
	}
}

// Plan validates and expands one batch request. On success the returned
// result reflects everything enqueued (or cleared); on validation failure
// nothing was enqueued at all.
func (p *Planner) Plan(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	kinds, err := p.expandOperation(req.Operation)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeMissing
	}
	switch mode {
	case ModeMissing, ModeAll, ModeClear:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrBatchInvalid, req.Mode)
	}

	files, err := p.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	// Per-kind validation runs once per batch, before anything is enqueued.
	// A single bad param rejects the whole batch.
	params := make(map[artifact.Kind]worker.Params, len(kinds))
	for _, k := range kinds {
		w, ok := p.registry.Get(k)
		if !ok {
			return nil, fmt.Errorf("%w: no worker for kind %s", ErrBatchInvalid, k)
		}
		normalized, err := w.Validate(worker.Params(req.Params))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
		}
		params[k] = normalized
	}

	if mode == ModeClear {
		return p.clear(ctx, files, kinds, params)
	}

	if missing := p.registry.MissingTools(kinds); len(missing) > 0 {
		return nil, fmt.Errorf("%w: required tools not found: %s", ErrBatchInvalid, strings.Join(missing, ", "))
	}

	return p.enqueue(files, kinds, params, mode)
}

// expandOperation maps the operation name to an ordered kind list.
func (p *Planner) expandOperation(op string) ([]artifact.Kind, error) {
	if op == "" {
		return nil, fmt.Errorf("%w: operation required", ErrBatchInvalid)
	}
	if op == OperationAll {
		kinds := p.registry.Kinds()
		if len(kinds) == 0 {
			return nil, fmt.Errorf("%w: no workers registered", ErrBatchInvalid)
		}
		return kinds, nil
	}
	k, err := artifact.ParseKind(op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
	}
	return []artifact.Kind{k}, nil
}

// resolveScope turns the request's path selection into a canonical, ordered
// media file list.
func (p *Planner) resolveScope(ctx context.Context, req BatchRequest) ([]string, error) {
	selected := req.SelectedPaths
	if len(selected) == 0 {
		selected = req.Paths
	}
	switch req.Scope {
	case "":
		// Path lists imply selected; otherwise the directory scope applies.
	case ScopeAll:
		selected = nil
	case ScopeSelected:
		if len(selected) == 0 {
			return nil, fmt.Errorf("%w: scope %q requires selectedPaths", ErrBatchInvalid, ScopeSelected)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scope %q", ErrBatchInvalid, req.Scope)
	}

	if len(selected) > 0 {
		out := make([]string, 0, len(selected))
		seen := make(map[string]struct{}, len(selected))
		for _, raw := range selected {
			rel, err := p.resolver.Canonicalize(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
			}
			abs, err := p.resolver.Abs(rel)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				return nil, fmt.Errorf("%w: not a media file: %s", ErrBatchInvalid, rel)
			}
			if _, dup := seen[rel]; dup {
				continue
			}
			seen[rel] = struct{}{}
			out = append(out, rel)
		}
		return out, nil
	}

	dir := "."
	if req.Path != "" {
		rel, err := p.resolver.Canonicalize(req.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
		}
		dir = rel
	}
	recursive := true
	if req.Recursive != nil {
		recursive = *req.Recursive
	}
	files, err := p.lister.ListUnder(ctx, dir, recursive)
	if err != nil {
		return nil, fmt.Errorf("list media under %s: %w", dir, err)
	}
	return files, nil
}

// enqueue creates jobs kind-major: every file gets its fast artifacts queued
// before any file's slow ones, which keeps cheap coverage climbing while
// heavyweight producers grind.
func (p *Planner) enqueue(files []string, kinds []artifact.Kind, params map[artifact.Kind]worker.Params, mode string) (*BatchResult, error) {
	res := &BatchResult{BatchID: NewID()}
	touched := make(map[string]struct{})

	for _, kind := range kinds {
		kindParams := params[kind]
		if mode == ModeAll {
			// Regeneration is unconditional; the worker contract still gets
			// told so producers can clobber rather than resume.
			kindParams = kindParams.Clone()
			kindParams["overwrite"] = true
		}
		for _, file := range files {
			if mode == ModeMissing {
				if st := p.probe.Check(file, kind).State; st == artifact.StatePresent {
					metrics.BatchSkippedTotal.WithLabelValues(SkipReasonPresent).Inc()
					continue
				}
			}
			if p.store.HasActive(file, kind) {
				res.Skipped = append(res.Skipped, SkippedItem{File: file, Kind: string(kind), Reason: SkipReasonConflict})
				metrics.BatchSkippedTotal.WithLabelValues(SkipReasonConflict).Inc()
				continue
			}

			j := Job{
				ID:        NewID(),
				BatchID:   res.BatchID,
				Task:      string(kind),
				Target:    file,
				Artifact:  kind,
				ToolClass: artifact.ToolClassFor(kind),
				Params:    kindParams,
			}
			if err := p.sched.Enqueue(j); err != nil {
				// Duplicate suppression raced with another submitter.
				res.Skipped = append(res.Skipped, SkippedItem{File: file, Kind: string(kind), Reason: SkipReasonConflict})
				metrics.BatchSkippedTotal.WithLabelValues(SkipReasonConflict).Inc()
				continue
			}
			metrics.BatchPlannedTotal.WithLabelValues(string(kind)).Inc()
			touched[file] = struct{}{}
			res.JobCount++
		}
	}

	res.FileCount = len(touched)
	p.logger.Info().
		Str("batch", res.BatchID).
		Str("mode", mode).
		Int("files", res.FileCount).
		Int("jobs", res.JobCount).
		Int("skipped", len(res.Skipped)).
		Msg("batch planned")
	return res, nil
}

// clear deletes the planned sidecars for every (file, kind) pair. Pairs with
// an active generation job are skipped rather than raced.
func (p *Planner) clear(ctx context.Context, files []string, kinds []artifact.Kind, params map[artifact.Kind]worker.Params) (*BatchResult, error) {
	res := &BatchResult{BatchID: NewID()}
	touched := make(map[string]struct{})

	for _, kind := range kinds {
		w, _ := p.registry.Get(kind)
		for _, file := range files {
			if p.store.HasActive(file, kind) {
				res.Skipped = append(res.Skipped, SkippedItem{File: file, Kind: string(kind), Reason: SkipReasonConflict})
				metrics.BatchSkippedTotal.WithLabelValues(SkipReasonConflict).Inc()
				continue
			}
			// Union of the params-sensitive plan and every template variant,
			// so a default-params clear still removes previews generated with
			// a different container.
			targets := w.Plan(file, params[kind])
			targets = append(targets, artifact.Sidecars(file, kind)...)
			seen := make(map[string]struct{}, len(targets))
			for _, rel := range targets {
				if _, dup := seen[rel]; dup {
					continue
				}
				seen[rel] = struct{}{}
				abs, err := p.resolver.Abs(rel)
				if err != nil {
					continue
				}
				if err := os.Remove(abs); err == nil {
					res.Cleared++
					touched[file] = struct{}{}
				} else if !errors.Is(err, os.ErrNotExist) {
					p.logger.Warn().Err(err).Str("sidecar", rel).Msg("clear failed")
				}
			}
			if p.cache != nil {
				p.cache.Invalidate(ctx, file, kind)
			}
		}
	}

	res.FileCount = len(touched)
	p.logger.Info().
		Str("batch", res.BatchID).
		Int("files", res.FileCount).
		Int("cleared", res.Cleared).
		Msg("batch cleared")
	return res, nil
}

// Submit enqueues a single (file, kind) job outside any batch. Duplicate
// suppression matches the planner's.
func (p *Planner) Submit(file string, kind artifact.Kind, rawParams map[string]any) (Job, error) {
	rel, err := p.resolver.Canonicalize(file)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
	}
	abs, err := p.resolver.Abs(rel)
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.Mode().IsRegular() {
		return Job{}, fmt.Errorf("%w: not a media file: %s", ErrBatchInvalid, rel)
	}

	w, ok := p.registry.Get(kind)
	if !ok {
		return Job{}, fmt.Errorf("%w: no worker for kind %s", ErrBatchInvalid, kind)
	}
	normalized, err := w.Validate(worker.Params(rawParams))
	if err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrBatchInvalid, err)
	}
	if missing := p.registry.MissingTools([]artifact.Kind{kind}); len(missing) > 0 {
		return Job{}, fmt.Errorf("%w: required tools not found: %s", ErrBatchInvalid, strings.Join(missing, ", "))
	}
	if p.store.HasActive(rel, kind) {
		return Job{}, fmt.Errorf("%w: generation already active for %s/%s", ErrBatchInvalid, rel, kind)
	}

	j := Job{
		ID:        NewID(),
		Task:      string(kind),
		Target:    rel,
		Artifact:  kind,
		ToolClass: artifact.ToolClassFor(kind),
		Params:    normalized,
	}
	if err := p.sched.Enqueue(j); err != nil {
		return Job{}, err
	}
	metrics.BatchPlannedTotal.WithLabelValues(string(kind)).Inc()
	return j, nil
}
