// SPDX-License-Identifier: MIT

// Package jobs implements the job record store, the scheduler, and the
// batch planner for artifact generation.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/worker"
)

// State represents the current state of a job.
//
// State provides type safety for job lifecycle management, preventing
// string-based typos and enabling exhaustive switch statements.
type State string

const (
	// StateQueued indicates the job is waiting for admission.
	StateQueued State = "queued"

	// StateStarting indicates the scheduler has claimed the job and is
	// setting up its worker.
	StateStarting State = "starting"

	// StateRunning indicates the worker is executing.
	StateRunning State = "running"

	// StateCompleted indicates the job finished successfully.
	StateCompleted State = "completed"

	// StateFailed indicates the job terminated with an error.
	StateFailed State = "failed"

	// StateCanceled indicates the job was canceled.
	StateCanceled State = "canceled"
)

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// IsValid checks whether the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateStarting, StateRunning, StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsTerminal checks whether the state is final. A job in a terminal state
// never transitions again.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job in this state holds a (path, kind) claim.
func (s State) IsActive() bool {
	switch s {
	case StateQueued, StateStarting, StateRunning:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks the monotone state graph:
//
//	queued -> starting | canceled
//	starting -> running | failed | canceled
//	running -> completed | failed | canceled
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StateQueued:
		return target == StateStarting || target == StateCanceled
	case StateStarting:
		return target == StateRunning || target == StateFailed || target == StateCanceled
	case StateRunning:
		return target == StateCompleted || target == StateFailed || target == StateCanceled
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if !state.IsValid() {
		return fmt.Errorf("invalid job state: %q", str)
	}
	*s = state
	return nil
}

// Job is one unit of artifact generation work. IDs are ULIDs: opaque strings
// that sort by creation time, which is what FIFO selection keys on.
type Job struct {
	ID        string             `json:"id"`
	BatchID   string             `json:"batchId,omitempty"`
	Task      string             `json:"task"`
	Target    string             `json:"target"` // root-relative media path, empty for multi
	Artifact  artifact.Kind      `json:"artifact,omitempty"`
	ToolClass artifact.ToolClass `json:"toolClass,omitempty"`
	Params    worker.Params      `json:"params,omitempty"`

	State  State `json:"state"`
	Paused bool  `json:"paused,omitempty"` // queued only; set while globally paused or after restore

	Created time.Time `json:"created"`
	Started time.Time `json:"started,omitzero"`
	Ended   time.Time `json:"ended,omitzero"`

	Progress  *float64 `json:"progress,omitempty"` // [0,100]
	Processed int64    `json:"processed,omitempty"`
	Total     int64    `json:"total,omitempty"`

	Error  string         `json:"error,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

// Clone returns a copy safe to hand out as a snapshot.
func (j *Job) Clone() Job {
	cp := *j
	if j.Progress != nil {
		v := *j.Progress
		cp.Progress = &v
	}
	cp.Params = j.Params.Clone()
	if j.Result != nil {
		r := make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			r[k] = v
		}
		cp.Result = r
	}
	return cp
}

// Stats aggregates queue counts for the jobs listing endpoint.
type Stats struct {
	Queued    int            `json:"queued"`
	Starting  int            `json:"starting"`
	Running   int            `json:"running"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Canceled  int            `json:"canceled"`
	Paused    bool           `json:"paused"`
	ByClass   map[string]int `json:"runningByClass,omitempty"`
}
