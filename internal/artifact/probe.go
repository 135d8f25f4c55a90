// SPDX-License-Identifier: MIT

package artifact

import (
	"os"
	"time"
)

// DefaultStaleTolerance is the mtime slack applied when comparing a sidecar
// against its source. Some filesystems round mtimes and atomic renames can
// land slightly behind the source under clock skew, so equality and small
// negative deltas still count as fresh.
const DefaultStaleTolerance = 2 * time.Second

// Status is the probe result for one (file, kind) pair.
type Status struct {
	State   State
	Sidecar string // root-relative primary sidecar path
	Size    int64
	ModTime time.Time
	Err     string // populated when State is StateFailed
}

// Probe performs cheap presence/staleness checks against the filesystem.
// It is side-effect free and safe for concurrent use.
type Probe struct {
	resolver  *Resolver
	tolerance time.Duration
}

// NewProbe returns a probe using the given resolver. A non-positive
// tolerance falls back to DefaultStaleTolerance.
func NewProbe(resolver *Resolver, tolerance time.Duration) *Probe {
	if tolerance <= 0 {
		tolerance = DefaultStaleTolerance
	}
	return &Probe{resolver: resolver, tolerance: tolerance}
}

// Check probes the primary sidecar of (mediaPath, kind).
//
// Mapping: missing sidecar or zero-byte sidecar -> absent; sidecar older
// than source beyond tolerance -> stale; any stat error other than
// not-found -> failed with the error captured.
func (p *Probe) Check(mediaPath string, kind Kind) Status {
	primary := p.resolver.Primary(mediaPath, kind)
	st := Status{State: StateAbsent, Sidecar: primary}
	if primary == "" {
		st.State = StateFailed
		st.Err = "no sidecar template for kind " + kind.String()
		return st
	}

	abs, err := p.resolver.Abs(primary)
	if err != nil {
		st.State = StateFailed
		st.Err = err.Error()
		return st
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return st
		}
		st.State = StateFailed
		st.Err = err.Error()
		return st
	}

	st.Size = info.Size()
	st.ModTime = info.ModTime()

	// A zero-byte sidecar is never present: a crashed producer must not be
	// mistaken for a finished one.
	if info.Size() == 0 {
		return st
	}

	srcAbs, err := p.resolver.Abs(mediaPath)
	if err != nil {
		st.State = StateFailed
		st.Err = err.Error()
		return st
	}
	srcInfo, err := os.Stat(srcAbs)
	if err != nil {
		if os.IsNotExist(err) {
			// Source gone: the sidecar is an orphan, not a live artifact.
			return st
		}
		st.State = StateFailed
		st.Err = err.Error()
		return st
	}

	if info.ModTime().Before(srcInfo.ModTime().Add(-p.tolerance)) {
		st.State = StateStale
		return st
	}

	st.State = StatePresent
	return st
}

// Present is a convenience wrapper returning whether the pair probes present.
func (p *Probe) Present(mediaPath string, kind Kind) bool {
	return p.Check(mediaPath, kind).State == StatePresent
}
