// SPDX-License-Identifier: MIT

// Package orphan finds sidecar files whose media file is gone and suggests
// repairs when a rename target is plausible.
package orphan

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/artifact"
	"github.com/ManuGH/mediad/internal/library"
	"github.com/ManuGH/mediad/internal/log"
)

// Orphan is one sidecar with no matching media file.
type Orphan struct {
	Sidecar    string        `json:"sidecar"` // root-relative
	Kind       artifact.Kind `json:"kind"`
	Stem       string        `json:"stem"`
	MediaDir   string        `json:"mediaDir"`
	SizeBytes  int64         `json:"sizeBytes"`
	ModTime    time.Time     `json:"modTime"`
	Suggestion *Suggestion   `json:"suggestion,omitempty"`
}

// Scanner walks the tree pairing sidecars against media stems.
type Scanner struct {
	resolver *artifact.Resolver
	logger   zerolog.Logger
}

// NewScanner returns an orphan scanner using the given resolver.
func NewScanner(resolver *artifact.Resolver) *Scanner {
	return &Scanner{
		resolver: resolver,
		logger:   log.WithComponent("orphan.scanner"),
	}
}

// Scan walks relDir and returns every orphaned sidecar, each with its best
// repair suggestion attached (nil when nothing clears the confidence floor).
// Job workspaces and dot directories other than artifact dirs are skipped.
func (s *Scanner) Scan(ctx context.Context, relDir string) ([]Orphan, error) {
	startAbs, err := s.resolver.Abs(relDir)
	if err != nil {
		return nil, err
	}
	rootAbs := s.resolver.Root()

	// stems maps media dir -> stem -> media path; sidecars collects every
	// file a declared template can explain.
	stems := make(map[string]map[string]string)
	var sidecars []Orphan

	err = filepath.WalkDir(startAbs, func(p string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if walkErr != nil {
			s.logger.Warn().Err(walkErr).Str("path", p).Msg("orphan walk error")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			name := d.Name()
			if p == startAbs {
				return nil
			}
			// Artifact dirs hold sidecars and must be walked; every other
			// hidden dir (workspaces included) is opaque.
			if strings.HasPrefix(name, ".") && name != artifact.ArtifactsDirName {
				return fs.SkipDir
			}
			if strings.HasPrefix(name, ".work-") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(rootAbs, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		name := d.Name()

		if library.IsMediaFile(name) && path.Base(path.Dir(relSlash)) != artifact.ArtifactsDirName {
			dir := path.Dir(relSlash)
			if stems[dir] == nil {
				stems[dir] = make(map[string]string)
			}
			stems[dir][artifact.Stem(relSlash)] = relSlash
			return nil
		}

		kind, stem, ok := s.resolver.InferFromSidecar(relSlash)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		sidecars = append(sidecars, Orphan{
			Sidecar:   relSlash,
			Kind:      kind,
			Stem:      stem,
			MediaDir:  s.resolver.MediaDirFor(relSlash),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	var orphans []Orphan
	for _, sc := range sidecars {
		if _, owned := stems[sc.MediaDir][sc.Stem]; owned {
			continue
		}
		// Candidates span the whole scan scope so a sidecar left behind by a
		// moved media file can still reattach; same-directory media ranks
		// first on ties.
		local := make([]string, 0, len(stems[sc.MediaDir]))
		for _, mediaPath := range stems[sc.MediaDir] {
			local = append(local, mediaPath)
		}
		sort.Strings(local)
		var remote []string
		for dir, byStem := range stems {
			if dir == sc.MediaDir {
				continue
			}
			for _, mediaPath := range byStem {
				remote = append(remote, mediaPath)
			}
		}
		sort.Strings(remote)
		sc.Suggestion = Suggest(sc, append(local, remote...))
		orphans = append(orphans, sc)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Sidecar < orphans[j].Sidecar })

	s.logger.Info().
		Str("scope", relDir).
		Int("sidecars", len(sidecars)).
		Int("orphans", len(orphans)).
		Msg("orphan scan finished")
	return orphans, nil
}

// Stream is the incremental form of Scan: emit is called once per orphan in
// sidecar path order. Used by the NDJSON preview endpoint.
func (s *Scanner) Stream(ctx context.Context, relDir string, emit func(Orphan) error) error {
	orphans, err := s.Scan(ctx, relDir)
	if err != nil {
		return err
	}
	for _, o := range orphans {
		if err := emit(o); err != nil {
			return err
		}
	}
	return nil
}
