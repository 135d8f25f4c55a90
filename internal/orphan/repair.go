// SPDX-License-Identifier: MIT

package orphan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/log"
	"github.com/ManuGH/mediad/internal/metrics"
)

// Repair outcomes.
const (
	OutcomeMoved   = "moved"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// RepairItem is one requested sidecar move.
type RepairItem struct {
	Sidecar string `json:"sidecar"`
	To      string `json:"to"`
}

// RepairOutcome reports what happened to one item. The batch never aborts:
// every item gets its own outcome.
type RepairOutcome struct {
	Sidecar string `json:"sidecar"`
	To      string `json:"to"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Repairer applies accepted suggestions by renaming sidecars into place.
type Repairer struct {
	resolver *artifact.Resolver
	logger   zerolog.Logger
}

// NewRepairer returns a repairer using the given resolver.
func NewRepairer(resolver *artifact.Resolver) *Repairer {
	return &Repairer{
		resolver: resolver,
		logger:   log.WithComponent("orphan.repairer"),
	}
}

// Apply moves each sidecar to its target. Moves are plain renames on one
// volume: atomic, and never overwriting an existing target.
func (r *Repairer) Apply(ctx context.Context, items []RepairItem) []RepairOutcome {
	out := make([]RepairOutcome, 0, len(items))
	for _, item := range items {
		select {
		case <-ctx.Done():
			out = append(out, r.record(item, OutcomeSkipped, "canceled"))
			continue
		default:
		}
		out = append(out, r.applyOne(item))
	}
	return out
}

func (r *Repairer) applyOne(item RepairItem) RepairOutcome {
	srcAbs, err := r.resolver.Abs(item.Sidecar)
	if err != nil {
		return r.record(item, OutcomeFailed, fmt.Sprintf("invalid source: %v", err))
	}
	dstAbs, err := r.resolver.Abs(item.To)
	if err != nil {
		return r.record(item, OutcomeFailed, fmt.Sprintf("invalid target: %v", err))
	}

	if info, err := os.Lstat(srcAbs); err != nil {
		return r.record(item, OutcomeSkipped, "source vanished")
	} else if !info.Mode().IsRegular() {
		return r.record(item, OutcomeSkipped, "source is not a regular file")
	}
	if _, err := os.Lstat(dstAbs); err == nil {
		return r.record(item, OutcomeSkipped, "target already exists")
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o750); err != nil {
		return r.record(item, OutcomeFailed, fmt.Sprintf("create target dir: %v", err))
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return r.record(item, OutcomeFailed, fmt.Sprintf("rename: %v", err))
	}
	return r.record(item, OutcomeMoved, "")
}

func (r *Repairer) record(item RepairItem, outcome, reason string) RepairOutcome {
	metrics.IncRepair(outcome)
	evt := r.logger.Info()
	if outcome == OutcomeFailed {
		evt = r.logger.Warn()
	}
	evt.Str("sidecar", item.Sidecar).
		Str("to", item.To).
		Str("outcome", outcome).
		Str("reason", reason).
		Msg("orphan repair")
	return RepairOutcome{Sidecar: item.Sidecar, To: item.To, Outcome: outcome, Reason: reason}
}
