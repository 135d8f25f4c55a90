// SPDX-License-Identifier: MIT

package jobs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediad/internal/artifact"
)

func newQueuedJob(target string, kind artifact.Kind) Job {
	return Job{
		ID:        NewID(),
		Task:      string(kind),
		Target:    target,
		Artifact:  kind,
		ToolClass: artifact.ToolClassFor(kind),
		State:     StateQueued,
		Created:   time.Now().UTC(),
	}
}

func TestStateGraph(t *testing.T) {
	assert.True(t, StateQueued.CanTransitionTo(StateStarting))
	assert.True(t, StateQueued.CanTransitionTo(StateCanceled))
	assert.False(t, StateQueued.CanTransitionTo(StateRunning))
	assert.True(t, StateStarting.CanTransitionTo(StateRunning))
	assert.True(t, StateRunning.CanTransitionTo(StateCompleted))
	assert.True(t, StateRunning.CanTransitionTo(StateFailed))
	assert.True(t, StateRunning.CanTransitionTo(StateCanceled))

	for _, terminal := range []State{StateCompleted, StateFailed, StateCanceled} {
		for _, target := range []State{StateQueued, StateStarting, StateRunning, StateCompleted, StateFailed, StateCanceled} {
			assert.False(t, terminal.CanTransitionTo(target), "%s -> %s", terminal, target)
		}
	}
}

func TestStoreTransitions(t *testing.T) {
	s := NewStore()
	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, s.Add(j))

	require.NoError(t, s.Transition(j.ID, StateStarting, nil))
	require.NoError(t, s.Transition(j.ID, StateRunning, nil))

	err := s.Transition(j.ID, StateQueued, nil)
	require.ErrorIs(t, err, ErrTransition)

	require.NoError(t, s.Transition(j.ID, StateCompleted, nil))
	got, ok := s.Get(j.ID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100.0, *got.Progress, "completed jobs report exactly 100")
	assert.False(t, got.Ended.IsZero())

	err = s.Transition(j.ID, StateFailed, nil)
	require.ErrorIs(t, err, ErrTransition, "terminal states are final")
}

func TestStoreProgressNeverHundredUnlessCompleted(t *testing.T) {
	s := NewStore()
	j := newQueuedJob("a.mp4", artifact.KindPreview)
	require.NoError(t, s.Add(j))
	require.NoError(t, s.Transition(j.ID, StateStarting, nil))
	require.NoError(t, s.Transition(j.ID, StateRunning, nil))

	full := 100.0
	require.NoError(t, s.Update(j.ID, func(rec *Job) { rec.Progress = &full }))
	require.NoError(t, s.Transition(j.ID, StateFailed, func(rec *Job) { rec.Error = "boom" }))

	got, _ := s.Get(j.ID)
	require.NotNil(t, got.Progress)
	assert.Less(t, *got.Progress, 100.0)
}

func TestStoreFIFOAndDuplicates(t *testing.T) {
	s := NewStore()
	first := newQueuedJob("a.mp4", artifact.KindThumbnail)
	second := newQueuedJob("b.mp4", artifact.KindThumbnail)
	require.NoError(t, s.Add(first))
	require.NoError(t, s.Add(second))
	require.Error(t, s.Add(first), "duplicate id rejected")

	queued := s.QueuedFIFO()
	require.Len(t, queued, 2)
	assert.Equal(t, first.ID, queued[0].ID, "ULIDs sort by creation")

	assert.True(t, s.HasActive("a.mp4", artifact.KindThumbnail))
	assert.False(t, s.HasActive("a.mp4", artifact.KindPreview))

	require.NoError(t, s.Transition(first.ID, StateCanceled, nil))
	assert.False(t, s.HasActive("a.mp4", artifact.KindThumbnail))
}

func TestStoreClearFinished(t *testing.T) {
	s := NewStore()
	done := newQueuedJob("a.mp4", artifact.KindThumbnail)
	live := newQueuedJob("b.mp4", artifact.KindThumbnail)
	require.NoError(t, s.Add(done))
	require.NoError(t, s.Add(live))
	require.NoError(t, s.Transition(done.ID, StateCanceled, nil))

	assert.Equal(t, 1, s.ClearFinished())
	_, ok := s.Get(done.ID)
	assert.False(t, ok)
	_, ok = s.Get(live.ID)
	assert.True(t, ok)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	s := NewStore()
	queued := newQueuedJob("a.mp4", artifact.KindThumbnail)
	running := newQueuedJob("b.mp4", artifact.KindPreview)
	finished := newQueuedJob("c.mp4", artifact.KindMetadata)
	for _, j := range []Job{queued, running, finished} {
		require.NoError(t, s.Add(j))
	}
	require.NoError(t, s.Transition(running.ID, StateStarting, nil))
	require.NoError(t, s.Transition(running.ID, StateRunning, nil))
	require.NoError(t, s.Transition(finished.ID, StateStarting, nil))
	require.NoError(t, s.Transition(finished.ID, StateRunning, nil))
	require.NoError(t, s.Transition(finished.ID, StateCompleted, nil))
	require.NoError(t, s.Save(path))

	restored := NewStore()
	require.NoError(t, restored.Load(path, DefaultRetention))

	// In-flight work comes back queued and paused.
	got, ok := restored.Get(running.ID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, got.State)
	assert.True(t, got.Paused)
	assert.Nil(t, got.Progress)

	got, ok = restored.Get(queued.ID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, got.State)
	assert.True(t, got.Paused)

	got, ok = restored.Get(finished.ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, got.State)
}

func TestSnapshotDropsOldTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s := NewStore()
	old := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, s.Add(old))
	require.NoError(t, s.Transition(old.ID, StateCanceled, nil))
	require.NoError(t, s.Save(path))

	restored := NewStore()
	require.NoError(t, restored.Load(path, 0))
	_, ok := restored.Get(old.ID)
	assert.False(t, ok, "terminal jobs past retention are dropped")
}

func TestSnapshotMissingFileIsFine(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(filepath.Join(t.TempDir(), "nope.json"), DefaultRetention))
	assert.Empty(t, s.List())
}
