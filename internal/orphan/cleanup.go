// SPDX-License-Identifier: MIT

package orphan

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/metrics"
)

// CleanupOptions controls what Cleanup does with each orphan.
type CleanupOptions struct {
	// DryRun plans actions without touching the filesystem.
	DryRun bool
	// KeepOrphans keeps sidecars that have no accepted new home instead of
	// deleting them.
	KeepOrphans bool
	// Reassociate moves orphans onto their suggested media file when a
	// suggestion exists.
	Reassociate bool
	// LocalOnly restricts cleanup to sidecars colocated with media; sidecars
	// under artifact directories are left alone.
	LocalOnly bool
}

// Cleanup action outcomes, in addition to the repair outcomes.
const (
	OutcomeDeleted = "deleted"
	OutcomeKept    = "kept"
	OutcomePlanned = "planned"
)

// CleanupAction records what was (or would be) done to one sidecar.
type CleanupAction struct {
	Sidecar string `json:"sidecar"`
	Action  string `json:"action"` // move, delete or keep
	To      string `json:"to,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	DryRun  bool            `json:"dryRun"`
	Scanned int             `json:"scanned"`
	Moved   int             `json:"moved"`
	Deleted int             `json:"deleted"`
	Kept    int             `json:"kept"`
	Failed  int             `json:"failed"`
	Actions []CleanupAction `json:"actions"`
}

// Cleanup resolves a set of orphans in one pass: reassociate what has a
// suggestion, then keep or delete the rest. Failures are per-item and never
// abort the pass.
func (r *Repairer) Cleanup(ctx context.Context, orphans []Orphan, opts CleanupOptions) CleanupResult {
	res := CleanupResult{DryRun: opts.DryRun, Scanned: len(orphans), Actions: make([]CleanupAction, 0, len(orphans))}
	for _, o := range orphans {
		select {
		case <-ctx.Done():
			res.Kept++
			res.Actions = append(res.Actions, CleanupAction{
				Sidecar: o.Sidecar, Action: "keep", Outcome: OutcomeKept, Reason: "canceled",
			})
			continue
		default:
		}
		act := r.cleanupOne(o, opts)
		switch act.Outcome {
		case OutcomeMoved:
			res.Moved++
		case OutcomeDeleted:
			res.Deleted++
		case OutcomeFailed:
			res.Failed++
		case OutcomePlanned:
			// Dry run: count what would happen.
			if act.Action == "move" {
				res.Moved++
			} else {
				res.Deleted++
			}
		default:
			res.Kept++
		}
		res.Actions = append(res.Actions, act)
	}
	r.logger.Info().
		Bool("dryRun", opts.DryRun).
		Int("scanned", res.Scanned).
		Int("moved", res.Moved).
		Int("deleted", res.Deleted).
		Int("kept", res.Kept).
		Int("failed", res.Failed).
		Msg("orphan cleanup finished")
	return res
}

func (r *Repairer) cleanupOne(o Orphan, opts CleanupOptions) CleanupAction {
	if opts.LocalOnly && underArtifactsDir(o.Sidecar) {
		return CleanupAction{Sidecar: o.Sidecar, Action: "keep", Outcome: OutcomeKept, Reason: "not colocated"}
	}

	if opts.Reassociate && o.Suggestion != nil {
		act := CleanupAction{Sidecar: o.Sidecar, Action: "move", To: o.Suggestion.NewSidecar}
		if opts.DryRun {
			act.Outcome = OutcomePlanned
			return act
		}
		out := r.applyOne(RepairItem{Sidecar: o.Sidecar, To: o.Suggestion.NewSidecar})
		act.Outcome = out.Outcome
		act.Reason = out.Reason
		if out.Outcome == OutcomeSkipped {
			act.Outcome = OutcomeKept
		}
		return act
	}

	if opts.KeepOrphans {
		return CleanupAction{Sidecar: o.Sidecar, Action: "keep", Outcome: OutcomeKept}
	}

	act := CleanupAction{Sidecar: o.Sidecar, Action: "delete"}
	if opts.DryRun {
		act.Outcome = OutcomePlanned
		return act
	}
	abs, err := r.resolver.Abs(o.Sidecar)
	if err != nil {
		act.Outcome = OutcomeFailed
		act.Reason = fmt.Sprintf("invalid sidecar path: %v", err)
		return act
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			act.Outcome = OutcomeKept
			act.Reason = "already gone"
			return act
		}
		act.Outcome = OutcomeFailed
		act.Reason = fmt.Sprintf("remove: %v", err)
		return act
	}
	metrics.IncRepair(OutcomeDeleted)
	act.Outcome = OutcomeDeleted
	return act
}

func underArtifactsDir(relSidecar string) bool {
	return path.Base(path.Dir(relSidecar)) == artifact.ArtifactsDirName ||
		strings.Contains(relSidecar, "/"+artifact.ArtifactsDirName+"/")
}
