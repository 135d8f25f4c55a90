// SPDX-License-Identifier: MIT

// Package worker defines the uniform artifact-producer contract and the
// registry of producers for every artifact kind.
package worker

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/ManuGH/mediad/internal/artifact"
)

// Params is the opaque parameter map forwarded from batch requests.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Bool reads a boolean parameter with a default.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Float reads a numeric parameter with a default. JSON numbers decode as
// float64, so that is the canonical representation.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// String reads a string parameter with a default.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Worker produces the sidecars of one artifact kind.
//
// Contract: on success every planned sidecar exists, is nonzero, and has
// mtime >= source mtime. On cancel the worker returns promptly and leaves no
// partial sidecar. On error nothing is published and the error message
// carries only root-relative paths.
type Worker interface {
	Kind() artifact.Kind
	ToolClass() artifact.ToolClass
	// RequiredTools lists the external binaries the worker shells out to.
	// The planner rejects batches whose tools are absent.
	RequiredTools() []string
	// Validate normalizes params or rejects them. Called once per kind per
	// batch before any job is enqueued.
	Validate(params Params) (Params, error)
	// Plan returns the root-relative sidecars Run will publish. Used by the
	// probe-driven planner and by mode=clear deletion.
	Plan(mediaPath string, params Params) []string
	// Run produces the sidecars for rc.MediaPath, publishing through rc.
	Run(ctx context.Context, rc *RunContext) (map[string]any, error)
}

// Registry maps kinds to their producer implementations.
type Registry struct {
	mu      sync.RWMutex
	workers map[artifact.Kind]Worker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[artifact.Kind]Worker)}
}

// Register adds a worker. Registering two workers for one kind is a
// programming error.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.workers[w.Kind()]; dup {
		return fmt.Errorf("worker already registered for kind %s", w.Kind())
	}
	r.workers[w.Kind()] = w
	return nil
}

// Get returns the worker for kind.
func (r *Registry) Get(kind artifact.Kind) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[kind]
	return w, ok
}

// Kinds returns the registered kinds in generation order.
func (r *Registry) Kinds() []artifact.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]artifact.Kind, 0, len(r.workers))
	for _, k := range artifact.AllKinds() {
		if _, ok := r.workers[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// MissingTools returns the external binaries absent from PATH for the given
// kinds, deduplicated and sorted.
func (r *Registry) MissingTools(kinds []artifact.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	missing := map[string]struct{}{}
	for _, k := range kinds {
		w, ok := r.workers[k]
		if !ok {
			continue
		}
		for _, tool := range w.RequiredTools() {
			if tool == "" {
				continue
			}
			if _, err := exec.LookPath(tool); err != nil {
				missing[tool] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(missing))
	for t := range missing {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
