// SPDX-License-Identifier: MIT

// Package coverage aggregates artifact presence over the library into
// per-kind counts for the dashboard.
package coverage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/events"
	"github.com/ManuGH/mediad/internal/jobs"
	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/metrics"
)

// DefaultTTL bounds how long a computed report may be served unchanged.
const DefaultTTL = 30 * time.Second

// KindCoverage is the per-kind tally for one scope. Processed counts files
// with a present artifact, missing is everything else, and the two always
// sum to total; the remaining fields break missing down for the dashboard.
type KindCoverage struct {
	Processed  int     `json:"processed"`
	Missing    int     `json:"missing"`
	Total      int     `json:"total"`
	Present    int     `json:"present"`
	Absent     int     `json:"absent"`
	Stale      int     `json:"stale"`
	Failed     int     `json:"failed"`
	Generating int     `json:"generating"`
	Percent    float64 `json:"percent"` // processed / total, 100 for an empty scope
}

// Report is one coverage snapshot.
type Report struct {
	Path        string                         `json:"path"`
	Recursive   bool                           `json:"recursive"`
	Files       int                            `json:"files"`
	Kinds       map[artifact.Kind]KindCoverage `json:"kinds"`
	GeneratedAt time.Time                      `json:"generatedAt"`
}

type cached struct {
	report Report
	at     time.Time
}

// Aggregator computes coverage reports through the status cache, memoizing
// per scope and collapsing concurrent requests for the same scope into one
// computation.
type Aggregator struct {
	probe  *artifact.CachedProbe
	lister jobs.FileLister
	store  *jobs.Store
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	reports map[string]cached
	group   singleflight.Group
}

// New wires an aggregator. A non-positive ttl falls back to DefaultTTL.
func New(probe *artifact.CachedProbe, lister jobs.FileLister, store *jobs.Store, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{
		probe:   probe,
		lister:  lister,
		store:   store,
		ttl:     ttl,
		logger:  log.WithComponent("coverage"),
		reports: make(map[string]cached),
	}
}

func scopeKey(relDir string, recursive bool) string {
	if recursive {
		return relDir + "\x00r"
	}
	return relDir + "\x00f"
}

// Report returns coverage for the given scope, computing on cache miss.
func (a *Aggregator) Report(ctx context.Context, relDir string, recursive bool) (Report, error) {
	key := scopeKey(relDir, recursive)

	a.mu.Lock()
	if c, ok := a.reports[key]; ok && time.Since(c.at) <= a.ttl {
		a.mu.Unlock()
		metrics.IncCoverageCache("hit")
		return c.report, nil
	}
	a.mu.Unlock()
	metrics.IncCoverageCache("miss")

	v, err, _ := a.group.Do(key, func() (any, error) {
		rep, err := a.compute(ctx, relDir, recursive)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.reports[key] = cached{report: rep, at: time.Now()}
		a.mu.Unlock()
		return rep, nil
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (a *Aggregator) compute(ctx context.Context, relDir string, recursive bool) (Report, error) {
	started := time.Now()
	files, err := a.lister.ListUnder(ctx, relDir, recursive)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		Path:        relDir,
		Recursive:   recursive,
		Files:       len(files),
		Kinds:       make(map[artifact.Kind]KindCoverage, len(artifact.AllKinds())),
		GeneratedAt: time.Now().UTC(),
	}
	tallies := make(map[artifact.Kind]*KindCoverage, len(artifact.AllKinds()))
	for _, k := range artifact.AllKinds() {
		tallies[k] = &KindCoverage{}
	}

	for _, file := range files {
		states, err := a.probe.States(ctx, file)
		if err != nil {
			return Report{}, err
		}
		for k, st := range states {
			t, ok := tallies[k]
			if !ok {
				continue
			}
			// An active job outranks the on-disk state for display.
			if a.store != nil && a.store.HasActive(file, k) {
				t.Generating++
				continue
			}
			switch st {
			case artifact.StatePresent:
				t.Present++
			case artifact.StateStale:
				t.Stale++
			case artifact.StateFailed:
				t.Failed++
			default:
				t.Absent++
			}
		}
	}

	for k, t := range tallies {
		t.Processed = t.Present
		t.Total = rep.Files
		t.Missing = t.Total - t.Processed
		if t.Total > 0 {
			t.Percent = float64(t.Processed) / float64(t.Total) * 100
		} else {
			t.Percent = 100
		}
		rep.Kinds[k] = *t
	}

	a.logger.Debug().
		Str("path", relDir).
		Int("files", rep.Files).
		Dur("took", time.Since(started)).
		Msg("coverage computed")
	return rep, nil
}

// flush drops every memoized report. The next request recomputes.
func (a *Aggregator) flush() {
	a.mu.Lock()
	a.reports = make(map[string]cached)
	a.mu.Unlock()
}

// Run consumes the event bus until ctx is done, invalidating the status
// cache on finished jobs and flushing memoized reports whenever job
// lifecycle changes could shift the tallies.
func (a *Aggregator) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeFinished:
				if ev.File != "" && ev.Artifact != "" {
					a.probe.Invalidate(ctx, ev.File, artifact.Kind(ev.Artifact))
				}
				a.flush()
			case events.TypeQueued, events.TypeStarted, events.TypeCanceled, events.TypeError:
				a.flush()
			}
		}
	}
}
