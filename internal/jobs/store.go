// SPDX-License-Identifier: MIT

package jobs

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/log"
)

// snapshotVersion guards the on-disk snapshot format.
const snapshotVersion = 1

// DefaultRetention is how long terminal jobs survive a restart.
const DefaultRetention = 24 * time.Hour

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

// ErrTransition is returned for state changes the monotone graph forbids.
var ErrTransition = errors.New("invalid job transition")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh job id. ULIDs from a monotonic source sort
// lexicographically by creation order, so FIFO selection falls out of a
// plain string sort.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Store holds all job records in memory and snapshots them to a JSON file.
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	logger zerolog.Logger
}

// NewStore returns an empty job store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]*Job),
		logger: log.WithComponent("jobs.store"),
	}
}

// Add inserts a new queued job. The job must carry a unique id.
func (s *Store) Add(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		return errors.New("job id required")
	}
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("duplicate job id %s", j.ID)
	}
	if j.State == "" {
		j.State = StateQueued
	}
	if j.Created.IsZero() {
		j.Created = time.Now().UTC()
	}
	cp := j.Clone()
	s.jobs[j.ID] = &cp
	return nil
}

// Get returns a snapshot of one job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// Transition moves a job along the monotone state graph. mutate, if non-nil,
// runs on the record after the state change while the lock is held; it is the
// hook for setting timestamps, progress and error text atomically with the
// transition.
func (s *Store) Transition(id string, to State, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !j.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrTransition, j.State, to, id)
	}
	j.State = to
	switch to {
	case StateStarting:
		j.Paused = false
		j.Started = time.Now().UTC()
	case StateCompleted, StateFailed, StateCanceled:
		j.Ended = time.Now().UTC()
	}
	if mutate != nil {
		mutate(j)
	}
	// progress == 100 is reserved for completed records.
	if to == StateCompleted {
		full := 100.0
		j.Progress = &full
	} else if to.IsTerminal() && j.Progress != nil && *j.Progress >= 100 {
		capped := 99.0
		j.Progress = &capped
	}
	return nil
}

// Update applies mutate to a job without changing its state. Used for
// progress reporting on running jobs.
func (s *Store) Update(id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	mutate(j)
	return nil
}

// List returns snapshots of all jobs, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID > out[k].ID })
	return out
}

// QueuedFIFO returns snapshots of queued jobs in admission order.
func (s *Store) QueuedFIFO() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0)
	for _, j := range s.jobs {
		if j.State == StateQueued {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// HasActive reports whether any non-terminal job targets (path, kind).
// This is the duplicate-suppression check the planner and single-file
// submission both go through.
func (s *Store) HasActive(mediaPath string, kind artifact.Kind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.State.IsActive() && j.Target == mediaPath && j.Artifact == kind {
			return true
		}
	}
	return false
}

// SetPausedAll flips the Paused flag on every queued job.
func (s *Store) SetPausedAll(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.State == StateQueued {
			j.Paused = paused
		}
	}
}

// ClearFinished removes terminal jobs and returns how many were dropped.
func (s *Store) ClearFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.State.IsTerminal() {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Stats counts jobs per state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, j := range s.jobs {
		switch j.State {
		case StateQueued:
			st.Queued++
		case StateStarting:
			st.Starting++
		case StateRunning:
			st.Running++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		case StateCanceled:
			st.Canceled++
		}
	}
	return st
}

// snapshot is the on-disk layout of the job store.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Jobs    []Job     `json:"jobs"`
}

// Save writes the full job list atomically to path.
func (s *Store) Save(path string) error {
	snap := snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC(),
		Jobs:    s.List(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write job snapshot: %w", err)
	}
	s.logger.Debug().Int("jobs", len(snap.Jobs)).Str("path", path).Msg("job snapshot saved")
	return nil
}

// Load restores a snapshot written by Save. Jobs that were in flight when the
// snapshot was taken come back queued and paused so the operator decides when
// work resumes. Terminal jobs older than retention are dropped.
func (s *Store) Load(path string, retention time.Duration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read job snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode job snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported job snapshot version %d", snap.Version)
	}

	cutoff := time.Now().UTC().Add(-retention)
	restored, dropped := 0, 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range snap.Jobs {
		j := snap.Jobs[i]
		if j.State.IsTerminal() {
			if j.Ended.Before(cutoff) {
				dropped++
				continue
			}
		} else {
			// In-flight progress did not survive the restart.
			j.State = StateQueued
			j.Paused = true
			j.Started = time.Time{}
			j.Progress = nil
			j.Processed = 0
		}
		cp := j.Clone()
		s.jobs[j.ID] = &cp
		restored++
	}
	s.logger.Info().Int("restored", restored).Int("dropped", dropped).Msg("job snapshot loaded")
	return nil
}
