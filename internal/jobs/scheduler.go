// SPDX-License-Identifier: MIT

package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/events"
	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/metrics"
	"github.com/ManuGH/mediad/internal/worker"
)

const (
	// DefaultGlobalMax is the default overall concurrency cap.
	DefaultGlobalMax = 4

	// DefaultCancelGrace is how long a canceled worker gets to exit before
	// its job record is forced to canceled without it.
	DefaultCancelGrace = 10 * time.Second

	// progressInterval bounds per-job progress event emission.
	progressInterval = 250 * time.Millisecond

	// maxConcurrency is the upper bound accepted for any cap adjustment.
	maxConcurrency = 128
)

// Config carries the scheduler's tunables.
type Config struct {
	GlobalMax    int
	ToolCaps     map[artifact.ToolClass]int
	ToolTimeouts map[artifact.ToolClass]time.Duration
	CancelGrace  time.Duration
	StartPaused  bool
}

func (c *Config) normalize() {
	if c.GlobalMax <= 0 {
		c.GlobalMax = DefaultGlobalMax
	}
	if c.ToolCaps == nil {
		c.ToolCaps = map[artifact.ToolClass]int{}
	}
	if c.ToolTimeouts == nil {
		c.ToolTimeouts = map[artifact.ToolClass]time.Duration{}
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
}

// runSlot tracks one admitted job.
type runSlot struct {
	cancel     context.CancelFunc
	class      artifact.ToolClass
	graceTimer *time.Timer
}

// Scheduler admits queued jobs under the global and per-tool-class caps,
// runs their workers, and publishes lifecycle events. One scheduler owns all
// execution; everything else observes through the store and the bus.
type Scheduler struct {
	store    *Store
	registry *worker.Registry
	resolver *artifact.Resolver
	bus      *events.Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	paused  bool
	stopped bool
	claims  map[string]string // claim key -> job id
	running map[string]*runSlot
	byClass map[artifact.ToolClass]int

	kick   chan struct{}
	quit   chan struct{}
	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// NewScheduler wires a scheduler. Call Start to begin admitting work.
func NewScheduler(cfg Config, store *Store, registry *worker.Registry, resolver *artifact.Resolver, bus *events.Bus) *Scheduler {
	cfg.normalize()
	return &Scheduler{
		store:    store,
		registry: registry,
		resolver: resolver,
		bus:      bus,
		logger:   log.WithComponent("jobs.scheduler"),
		cfg:      cfg,
		paused:   cfg.StartPaused,
		claims:   make(map[string]string),
		running:  make(map[string]*runSlot),
		byClass:  make(map[artifact.ToolClass]int),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

func claimKey(mediaPath string, kind artifact.Kind) string {
	return mediaPath + "\x00" + string(kind)
}

// Start launches the admission loop.
func (s *Scheduler) Start() {
	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		for {
			select {
			case <-s.quit:
				return
			case <-s.kick:
				s.admit()
			}
		}
	}()
	s.Kick()
}

// Kick nudges the admission loop. Coalesces: a pending kick is enough.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Enqueue adds a queued job and publishes created and queued events.
// Jobs enqueued while the scheduler is paused carry the paused flag and wait
// for an explicit resume.
func (s *Scheduler) Enqueue(j Job) error {
	s.mu.Lock()
	if s.paused {
		j.Paused = true
	}
	s.mu.Unlock()

	if err := s.store.Add(j); err != nil {
		return err
	}
	// Publish the stored snapshot so subscribers see the queued state and
	// creation time, not the caller's zero values.
	if stored, ok := s.store.Get(j.ID); ok {
		j = stored
	}
	metrics.JobsQueued.Inc()
	s.publish(j, events.TypeCreated)
	s.publish(j, events.TypeQueued)
	s.Kick()
	return nil
}

// admit walks the queue in FIFO order and starts every job the caps and
// claim set allow. A job blocked by its tool-class cap or a held claim does
// not block jobs behind it; a full global cap does.
func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return
	}

	for _, j := range s.store.QueuedFIFO() {
		if len(s.running) >= s.cfg.GlobalMax {
			return
		}
		if j.Paused {
			continue
		}
		w, ok := s.registry.Get(j.Artifact)
		if !ok {
			s.failUnstartable(j, fmt.Sprintf("no worker registered for kind %s", j.Artifact))
			continue
		}
		class := w.ToolClass()
		if cap, capped := s.cfg.ToolCaps[class]; capped && s.byClass[class] >= cap {
			continue
		}
		key := claimKey(j.Target, j.Artifact)
		if _, held := s.claims[key]; held {
			continue
		}

		if err := s.store.Transition(j.ID, StateStarting, nil); err != nil {
			s.logger.Error().Err(err).Str("job", j.ID).Msg("admission transition failed")
			continue
		}
		metrics.JobsQueued.Dec()
		metrics.JobsRunning.WithLabelValues(string(class)).Inc()
		s.claims[key] = j.ID
		s.byClass[class]++
		slot := &runSlot{class: class}
		s.running[j.ID] = slot

		s.jobWG.Add(1)
		go s.runJob(j, w, slot)
	}
}

// failUnstartable handles queued jobs that can never run. The queued ->
// starting -> failed path keeps the transition graph monotone.
func (s *Scheduler) failUnstartable(j Job, msg string) {
	if err := s.store.Transition(j.ID, StateStarting, nil); err != nil {
		return
	}
	metrics.JobsQueued.Dec()
	_ = s.store.Transition(j.ID, StateFailed, func(rec *Job) { rec.Error = msg })
	metrics.IncJobTerminal(string(StateFailed), string(j.Artifact))
	if rec, ok := s.store.Get(j.ID); ok {
		s.publish(rec, events.TypeError)
	}
}

func (s *Scheduler) runJob(j Job, w worker.Worker, slot *runSlot) {
	defer s.jobWG.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if timeout, ok := s.cfg.ToolTimeouts[slot.class]; ok && timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, timeout)
		defer tcancel()
	}
	s.mu.Lock()
	slot.cancel = cancel
	s.mu.Unlock()

	workspace, err := s.makeWorkspace(j)
	if err != nil {
		s.finish(j, time.Now(), nil, fmt.Errorf("workspace: %w", err))
		return
	}
	defer os.RemoveAll(workspace)

	if err := s.store.Transition(j.ID, StateRunning, nil); err != nil {
		// Forced cancel won the race during setup.
		return
	}
	if rec, ok := s.store.Get(j.ID); ok {
		s.publish(rec, events.TypeStarted)
		s.publish(rec, events.TypeCurrent)
	}
	started := time.Now()

	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	progress := func(processed, total int64, note string) {
		var pct *float64
		if total > 0 {
			v := float64(processed) / float64(total) * 100
			if v > 99.9 {
				v = 99.9 // 100 is reserved for completion
			}
			pct = &v
		}
		_ = s.store.Update(j.ID, func(rec *Job) {
			rec.Processed = processed
			rec.Total = total
			if pct != nil {
				rec.Progress = pct
			}
		})
		if limiter.Allow() {
			s.bus.Publish(events.Event{
				Type:     events.TypeProgress,
				JobID:    j.ID,
				Task:     j.Task,
				Artifact: string(j.Artifact),
				File:     j.Target,
				State:    string(StateRunning),
				Progress: pct,
			})
		}
	}

	rc := worker.NewRunContext(s.resolver, j.Target, j.Params, workspace, progress)
	result, runErr := s.invoke(ctx, w, rc, j)
	s.finish(j, started, result, runErr)
}

// invoke runs the worker with panic isolation. A panicking worker fails its
// own job; the scheduler keeps going.
func (s *Scheduler) invoke(ctx context.Context, w worker.Worker, rc *worker.RunContext, j Job) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job", j.ID).
				Str("artifact", string(j.Artifact)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panicked")
			result = nil
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w.Run(ctx, rc)
}

// makeWorkspace creates the per-job temp dir inside the media file's
// .artifacts sibling. Same volume as every sidecar destination, so publish
// stays a rename.
func (s *Scheduler) makeWorkspace(j Job) (string, error) {
	dirAbs, err := s.resolver.Abs(path.Dir(j.Target))
	if err != nil {
		return "", err
	}
	parent := filepath.Join(dirAbs, artifact.ArtifactsDirName)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return "", err
	}
	return os.MkdirTemp(parent, ".work-")
}

// finish settles a job's terminal state, releases its slot and claim, and
// publishes the terminal event. A job already forced to canceled by the
// grace timer is left alone.
func (s *Scheduler) finish(j Job, started time.Time, result map[string]any, runErr error) {
	s.mu.Lock()
	slot, live := s.running[j.ID]
	if live {
		s.releaseLocked(j.ID, slot)
	}
	s.mu.Unlock()
	if !live {
		return
	}

	var state State
	var errMsg string
	switch {
	case runErr == nil:
		state = StateCompleted
	case errors.Is(runErr, context.DeadlineExceeded):
		state = StateFailed
		errMsg = "timeout"
	case errors.Is(runErr, context.Canceled):
		state = StateCanceled
	default:
		state = StateFailed
		errMsg = s.scrub(runErr.Error())
	}

	err := s.store.Transition(j.ID, state, func(rec *Job) {
		rec.Error = errMsg
		rec.Result = result
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job", j.ID).Msg("terminal transition failed")
		return
	}
	metrics.IncJobTerminal(string(state), string(j.Artifact))
	if state == StateCompleted {
		metrics.ObserveJobDuration(string(j.Artifact), time.Since(started).Seconds())
	}

	rec, _ := s.store.Get(j.ID)
	switch state {
	case StateCompleted:
		s.publish(rec, events.TypeFinished)
	case StateCanceled:
		s.publish(rec, events.TypeCanceled)
	default:
		s.publish(rec, events.TypeError)
	}

	evt := s.logger.Info()
	if state == StateFailed {
		evt = s.logger.Warn()
	}
	evt.Str("job", j.ID).
		Str("artifact", string(j.Artifact)).
		Str("file", j.Target).
		Str("state", string(state)).
		Dur("took", time.Since(started)).
		Msg("job finished")

	s.Kick()
}

// releaseLocked frees the slot, claim and class count for a job.
// Caller holds s.mu.
func (s *Scheduler) releaseLocked(id string, slot *runSlot) {
	if slot.graceTimer != nil {
		slot.graceTimer.Stop()
	}
	delete(s.running, id)
	delete(s.claims, claimKey(s.targetOf(id)))
	s.byClass[slot.class]--
	metrics.JobsRunning.WithLabelValues(string(slot.class)).Dec()
}

// targetOf looks up the claim coordinates for a job id.
func (s *Scheduler) targetOf(id string) (string, artifact.Kind) {
	if j, ok := s.store.Get(id); ok {
		return j.Target, j.Artifact
	}
	return "", ""
}

// Cancel cancels one job. Queued jobs go terminal immediately; running jobs
// get their context canceled and the configured grace period to exit before
// the record is forced to canceled anyway. Canceling a terminal job is a
// no-op.
func (s *Scheduler) Cancel(id string) error {
	j, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if j.State.IsTerminal() {
		return nil
	}
	if j.State == StateQueued {
		if err := s.store.Transition(id, StateCanceled, nil); err != nil {
			return err
		}
		metrics.JobsQueued.Dec()
		metrics.IncJobTerminal(string(StateCanceled), string(j.Artifact))
		if rec, ok := s.store.Get(id); ok {
			s.publish(rec, events.TypeCanceled)
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	slot, running := s.running[id]
	if !running {
		return nil
	}
	if slot.cancel != nil {
		slot.cancel()
	}
	if slot.graceTimer == nil {
		grace := s.cfg.CancelGrace
		slot.graceTimer = time.AfterFunc(grace, func() { s.forceCancel(id) })
	}
	return nil
}

// forceCancel settles a job whose worker outlived the cancel grace period.
// The worker's eventual return is discarded.
func (s *Scheduler) forceCancel(id string) {
	s.mu.Lock()
	slot, live := s.running[id]
	if !live {
		s.mu.Unlock()
		return
	}
	s.releaseLocked(id, slot)
	s.mu.Unlock()

	j, ok := s.store.Get(id)
	if !ok || j.State.IsTerminal() {
		return
	}
	if err := s.store.Transition(id, StateCanceled, func(rec *Job) {
		rec.Error = "worker did not exit within cancel grace"
	}); err != nil {
		s.logger.Error().Err(err).Str("job", id).Msg("forced cancel transition failed")
		return
	}
	metrics.IncJobTerminal(string(StateCanceled), string(j.Artifact))
	s.logger.Warn().Str("job", id).Str("file", j.Target).Msg("worker exceeded cancel grace, job forced to canceled")
	if rec, ok := s.store.Get(id); ok {
		s.publish(rec, events.TypeCanceled)
	}
	s.Kick()
}

// CancelQueued cancels every queued job and returns how many.
func (s *Scheduler) CancelQueued() int {
	n := 0
	for _, j := range s.store.QueuedFIFO() {
		if err := s.Cancel(j.ID); err == nil {
			n++
		}
	}
	return n
}

// CancelAll cancels every queued and running job.
func (s *Scheduler) CancelAll() int {
	n := s.CancelQueued()
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Cancel(id); err == nil {
			n++
		}
	}
	return n
}

// Pause stops admissions. Running jobs continue; the queue is fenced so that
// jobs enqueued while paused also wait for resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.store.SetPausedAll(true)
	s.logger.Info().Msg("scheduler paused")
}

// Resume lifts a pause, unfences all queued jobs and kicks admission.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.store.SetPausedAll(false)
	s.logger.Info().Msg("scheduler resumed")
	s.Kick()
}

// Paused reports whether admissions are currently fenced.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetGlobalMax adjusts the overall concurrency cap. Takes effect at the next
// admission; running jobs are never preempted.
func (s *Scheduler) SetGlobalMax(n int) error {
	if n < 1 || n > maxConcurrency {
		return fmt.Errorf("global concurrency must be in [1,%d], got %d", maxConcurrency, n)
	}
	s.mu.Lock()
	s.cfg.GlobalMax = n
	s.mu.Unlock()
	s.Kick()
	return nil
}

// SetToolCap adjusts one tool class cap.
func (s *Scheduler) SetToolCap(class artifact.ToolClass, n int) error {
	if !class.IsValid() {
		return fmt.Errorf("unknown tool class %q", class)
	}
	if n < 1 || n > maxConcurrency {
		return fmt.Errorf("tool class concurrency must be in [1,%d], got %d", maxConcurrency, n)
	}
	s.mu.Lock()
	s.cfg.ToolCaps[class] = n
	s.mu.Unlock()
	s.Kick()
	return nil
}

// Snapshot returns the current scheduler configuration.
func (s *Scheduler) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.ToolCaps = make(map[artifact.ToolClass]int, len(s.cfg.ToolCaps))
	for k, v := range s.cfg.ToolCaps {
		cfg.ToolCaps[k] = v
	}
	cfg.ToolTimeouts = make(map[artifact.ToolClass]time.Duration, len(s.cfg.ToolTimeouts))
	for k, v := range s.cfg.ToolTimeouts {
		cfg.ToolTimeouts[k] = v
	}
	cfg.StartPaused = s.paused
	return cfg
}

// Stats returns queue counts plus the pause flag and running-per-class view.
func (s *Scheduler) Stats() Stats {
	st := s.store.Stats()
	s.mu.Lock()
	st.Paused = s.paused
	st.ByClass = make(map[string]int, len(s.byClass))
	for class, n := range s.byClass {
		if n > 0 {
			st.ByClass[string(class)] = n
		}
	}
	s.mu.Unlock()
	return st
}

// Shutdown stops admissions, cancels running workers, and waits for them to
// drain or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, slot := range s.running {
		if slot.cancel != nil {
			slot.cancel()
		}
	}
	s.mu.Unlock()
	close(s.quit)
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain: %w", ctx.Err())
	}
}

// scrub strips the absolute library root out of operator-facing error text.
func (s *Scheduler) scrub(msg string) string {
	root := s.resolver.Root()
	msg = strings.ReplaceAll(msg, root+string(filepath.Separator), "")
	return strings.ReplaceAll(msg, root, "")
}

func (s *Scheduler) publish(j Job, t events.Type) {
	s.bus.Publish(events.Event{
		Type:     t,
		JobID:    j.ID,
		Task:     j.Task,
		Artifact: string(j.Artifact),
		File:     j.Target,
		State:    string(j.State),
		Progress: j.Progress,
		Error:    j.Error,
	})
}
