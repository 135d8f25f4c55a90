// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/mediad/internal/artifact"
)

// ProgressFunc receives raw progress counters from a worker. The scheduler
// coalesces these into bus events.
type ProgressFunc func(processed, total int64, note string)

// RunContext carries everything a worker needs for one job: the target file,
// normalized params, a temp workspace, a progress callback, and the atomic
// publish helpers. The scheduler owns its lifecycle and guarantees the
// workspace is removed after Run returns.
type RunContext struct {
	Resolver  *artifact.Resolver
	MediaPath string // root-relative
	Params    Params
	Workspace string // absolute temp dir, cleaned by the scheduler

	progress ProgressFunc
}

// NewRunContext assembles a run context. progress may be nil.
func NewRunContext(resolver *artifact.Resolver, mediaPath string, params Params, workspace string, progress ProgressFunc) *RunContext {
	return &RunContext{
		Resolver:  resolver,
		MediaPath: mediaPath,
		Params:    params,
		Workspace: workspace,
		progress:  progress,
	}
}

// Report forwards progress counters to the scheduler. Safe to call from any
// goroutine; also serves as a cancellation checkpoint for workers that call
// it regularly.
func (rc *RunContext) Report(processed, total int64, note string) {
	if rc.progress != nil {
		rc.progress(processed, total, note)
	}
}

// SourceAbs returns the absolute, confined path of the media file.
func (rc *RunContext) SourceAbs() (string, error) {
	return rc.Resolver.Abs(rc.MediaPath)
}

// WorkPath returns an absolute path inside the workspace for a scratch file.
func (rc *RunContext) WorkPath(name string) string {
	return filepath.Join(rc.Workspace, name)
}

// PublishFile atomically moves a finished scratch file onto the root-relative
// sidecar path. The workspace lives on the same volume as the sidecar, so the
// final step is a rename: a partial write is never observable as present.
func (rc *RunContext) PublishFile(scratchAbs, relSidecar string) error {
	destAbs, err := rc.Resolver.Abs(relSidecar)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destAbs), 0o750); err != nil {
		return fmt.Errorf("create sidecar dir for %s: %w", path.Dir(relSidecar), err)
	}
	info, err := os.Stat(scratchAbs)
	if err != nil {
		return fmt.Errorf("stat scratch output for %s: %w", relSidecar, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("refusing to publish empty sidecar %s", relSidecar)
	}
	if err := os.Rename(scratchAbs, destAbs); err != nil {
		return fmt.Errorf("publish sidecar %s: %w", relSidecar, err)
	}
	return nil
}

// PublishBytes atomically writes data to the root-relative sidecar path via
// a fsynced temp file and rename.
func (rc *RunContext) PublishBytes(relSidecar string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("refusing to publish empty sidecar %s", relSidecar)
	}
	destAbs, err := rc.Resolver.Abs(relSidecar)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destAbs), 0o750); err != nil {
		return fmt.Errorf("create sidecar dir for %s: %w", path.Dir(relSidecar), err)
	}
	if err := renameio.WriteFile(destAbs, data, 0o640); err != nil {
		return fmt.Errorf("publish sidecar %s: %w", relSidecar, err)
	}
	return nil
}

// CheckCancel is an explicit cancellation checkpoint.
func CheckCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
