// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/events"
	"github.com/ManuGH/mediad/internal/worker"
)

type stubWorker struct {
	kind  artifact.Kind
	class artifact.ToolClass
	tools []string
	run   func(ctx context.Context, rc *worker.RunContext) (map[string]any, error)
}

func (w *stubWorker) Kind() artifact.Kind           { return w.kind }
func (w *stubWorker) ToolClass() artifact.ToolClass { return w.class }
func (w *stubWorker) RequiredTools() []string       { return w.tools }

func (w *stubWorker) Validate(p worker.Params) (worker.Params, error) { return p.Clone(), nil }

func (w *stubWorker) Plan(mediaPath string, _ worker.Params) []string {
	return artifact.Sidecars(mediaPath, w.kind)
}

func (w *stubWorker) Run(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
	if w.run != nil {
		return w.run(ctx, rc)
	}
	return nil, nil
}

type testRig struct {
	sched    *Scheduler
	store    *Store
	bus      *events.Bus
	registry *worker.Registry
	root     string
}

func newTestRig(t *testing.T, cfg Config, workers ...worker.Worker) *testRig {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("video"), 0o640))
	}

	registry := worker.NewRegistry()
	for _, w := range workers {
		require.NoError(t, registry.Register(w))
	}

	store := NewStore()
	bus := events.NewBus(events.DefaultQueueSize)
	resolver := artifact.NewResolver(root)
	sched := NewScheduler(cfg, store, registry, resolver, bus)
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	return &testRig{sched: sched, store: store, bus: bus, registry: registry, root: root}
}

func (r *testRig) waitState(t *testing.T, id string, want State) Job {
	t.Helper()
	var got Job
	require.Eventually(t, func() bool {
		j, ok := r.store.Get(id)
		got = j
		return ok && j.State == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last: %s)", id, want, got.State)
	return got
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			rc.Report(1, 2, "half")
			return map[string]any{"frames": 2}, nil
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)
	sub := rig.bus.Subscribe()
	defer sub.Close()

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))

	got := rig.waitState(t, j.ID, StateCompleted)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100.0, *got.Progress)
	assert.Equal(t, map[string]any{"frames": 2}, got.Result)

	// Lifecycle events arrive in order for this job.
	var seen []events.Type
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-sub.C():
			if ev.JobID == j.ID && ev.Type != events.TypeProgress {
				seen = append(seen, ev.Type)
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []events.Type{events.TypeCreated, events.TypeQueued, events.TypeStarted, events.TypeCurrent}, seen[:4])
}

func TestSchedulerEnqueuePublishesQueuedState(t *testing.T) {
	rig := newTestRig(t, Config{GlobalMax: 2, StartPaused: true},
		&stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg})
	sub := rig.bus.Subscribe()
	defer sub.Close()

	// Submitters hand over jobs without state or timestamps; the lifecycle
	// events must still carry the stored queued snapshot.
	j := Job{
		ID:        NewID(),
		Task:      string(artifact.KindThumbnail),
		Target:    "a.mp4",
		Artifact:  artifact.KindThumbnail,
		ToolClass: artifact.ToolClassFor(artifact.KindThumbnail),
	}
	require.NoError(t, rig.sched.Enqueue(j))

	deadline := time.After(2 * time.Second)
	for _, want := range []events.Type{events.TypeCreated, events.TypeQueued} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, want, ev.Type)
			assert.Equal(t, string(StateQueued), ev.State)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSchedulerGlobalCap(t *testing.T) {
	release := make(chan struct{})
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-release
			return nil, nil
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 1}, w)

	first := newQueuedJob("a.mp4", artifact.KindThumbnail)
	second := newQueuedJob("b.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(first))
	require.NoError(t, rig.sched.Enqueue(second))

	rig.waitState(t, first.ID, StateRunning)
	time.Sleep(50 * time.Millisecond)
	got, _ := rig.store.Get(second.ID)
	assert.Equal(t, StateQueued, got.State, "second job must wait for the global cap")

	close(release)
	rig.waitState(t, first.ID, StateCompleted)
	rig.waitState(t, second.ID, StateCompleted)
}

func TestSchedulerToolClassCap(t *testing.T) {
	release := make(chan struct{})
	slow := &stubWorker{kind: artifact.KindSubtitles, class: artifact.ToolSubtitleBackend,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-release
			return nil, nil
		},
	}
	fast := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg}
	rig := newTestRig(t, Config{
		GlobalMax: 4,
		ToolCaps:  map[artifact.ToolClass]int{artifact.ToolSubtitleBackend: 1},
	}, slow, fast)

	s1 := newQueuedJob("a.mp4", artifact.KindSubtitles)
	s2 := newQueuedJob("b.mp4", artifact.KindSubtitles)
	thumb := newQueuedJob("c.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(s1))
	require.NoError(t, rig.sched.Enqueue(s2))
	require.NoError(t, rig.sched.Enqueue(thumb))

	rig.waitState(t, s1.ID, StateRunning)
	// A capped class does not block other classes behind it in the queue.
	rig.waitState(t, thumb.ID, StateCompleted)
	got, _ := rig.store.Get(s2.ID)
	assert.Equal(t, StateQueued, got.State)

	close(release)
	rig.waitState(t, s1.ID, StateCompleted)
	rig.waitState(t, s2.ID, StateCompleted)
}

func TestSchedulerClaimPreventsConcurrentPair(t *testing.T) {
	release := make(chan struct{})
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-release
			return nil, nil
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 4}, w)

	first := newQueuedJob("a.mp4", artifact.KindThumbnail)
	dup := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(first))
	require.NoError(t, rig.sched.Enqueue(dup))

	rig.waitState(t, first.ID, StateRunning)
	time.Sleep(50 * time.Millisecond)
	got, _ := rig.store.Get(dup.ID)
	assert.Equal(t, StateQueued, got.State, "claim must hold the duplicate back")

	close(release)
	rig.waitState(t, first.ID, StateCompleted)
	rig.waitState(t, dup.ID, StateCompleted)
}

func TestSchedulerPauseFencesQueue(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)

	rig.sched.Pause()
	require.True(t, rig.sched.Paused())

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))

	time.Sleep(50 * time.Millisecond)
	got, _ := rig.store.Get(j.ID)
	require.Equal(t, StateQueued, got.State)
	require.True(t, got.Paused, "jobs enqueued while paused are fenced")

	rig.sched.Resume()
	rig.waitState(t, j.ID, StateCompleted)
}

func TestSchedulerCancelQueued(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg}
	rig := newTestRig(t, Config{GlobalMax: 2, StartPaused: true}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	require.NoError(t, rig.sched.Cancel(j.ID))

	got, _ := rig.store.Get(j.ID)
	assert.Equal(t, StateCanceled, got.State)

	// Canceling a terminal job is a no-op.
	require.NoError(t, rig.sched.Cancel(j.ID))
	require.ErrorIs(t, rig.sched.Cancel("no-such-job"), ErrNotFound)
}

func TestSchedulerCancelRunningCooperative(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	rig.waitState(t, j.ID, StateRunning)

	require.NoError(t, rig.sched.Cancel(j.ID))
	got := rig.waitState(t, j.ID, StateCanceled)
	assert.Empty(t, got.Error)
}

func TestSchedulerCancelGraceForcesTermination(t *testing.T) {
	hang := make(chan struct{})
	defer close(hang)
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-hang // ignores cancellation entirely
			return nil, nil
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 2, CancelGrace: 50 * time.Millisecond}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	rig.waitState(t, j.ID, StateRunning)

	require.NoError(t, rig.sched.Cancel(j.ID))
	got := rig.waitState(t, j.ID, StateCanceled)
	assert.Contains(t, got.Error, "cancel grace")

	// The freed slot admits new work even though the old worker still hangs.
	next := newQueuedJob("b.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(next))
	rig.waitState(t, next.ID, StateCompleted)
}

func TestSchedulerTimeout(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	rig := newTestRig(t, Config{
		GlobalMax:    2,
		ToolTimeouts: map[artifact.ToolClass]time.Duration{artifact.ToolFFmpeg: 30 * time.Millisecond},
	}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	got := rig.waitState(t, j.ID, StateFailed)
	assert.Equal(t, "timeout", got.Error)
}

func TestSchedulerWorkerPanicFailsJob(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			panic("kaboom")
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	got := rig.waitState(t, j.ID, StateFailed)
	assert.Contains(t, got.Error, "worker panic")

	// The scheduler survives and keeps admitting.
	okWorker := newQueuedJob("b.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(okWorker))
	rig.waitState(t, okWorker.ID, StateFailed) // same panicking worker
}

func TestSchedulerErrorScrubbing(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg,
		run: func(ctx context.Context, rc *worker.RunContext) (map[string]any, error) {
			abs, _ := rc.SourceAbs()
			return nil, &os.PathError{Op: "open", Path: abs, Err: os.ErrPermission}
		},
	}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	got := rig.waitState(t, j.ID, StateFailed)
	assert.NotContains(t, got.Error, rig.root, "absolute root must be scrubbed from errors")
	assert.Contains(t, got.Error, "a.mp4")
}

func TestSchedulerUnregisteredKindFails(t *testing.T) {
	rig := newTestRig(t, Config{GlobalMax: 2}) // no workers registered

	j := newQueuedJob("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rig.sched.Enqueue(j))
	got := rig.waitState(t, j.ID, StateFailed)
	assert.Contains(t, got.Error, "no worker registered")
}

func TestSchedulerCapAdjustment(t *testing.T) {
	w := &stubWorker{kind: artifact.KindThumbnail, class: artifact.ToolFFmpeg}
	rig := newTestRig(t, Config{GlobalMax: 2}, w)

	require.NoError(t, rig.sched.SetGlobalMax(8))
	require.Error(t, rig.sched.SetGlobalMax(0))
	require.Error(t, rig.sched.SetGlobalMax(1000))

	require.NoError(t, rig.sched.SetToolCap(artifact.ToolFFmpeg, 2))
	require.Error(t, rig.sched.SetToolCap("bogus", 2))

	cfg := rig.sched.Snapshot()
	assert.Equal(t, 8, cfg.GlobalMax)
	assert.Equal(t, 2, cfg.ToolCaps[artifact.ToolFFmpeg])
}
