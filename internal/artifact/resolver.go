// SPDX-License-Identifier: MIT

package artifact

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/ManuGH/mediad/internal/fsutil"
)

// ArtifactsDirName is the sibling directory holding non-colocated sidecars.
const ArtifactsDirName = ".artifacts"

// ErrInvalidPath is returned for inputs that escape the library root or are
// otherwise not a usable media path.
var ErrInvalidPath = errors.New("invalid path")

// template describes the sidecar layout of one kind. Extensions are listed
// primary-first; colocated templates sit next to the media file, the rest
// live under the media file's .artifacts sibling directory.
type template struct {
	colocated bool
	exts      []string
}

// sidecarTemplates is the single source of truth for sidecar layout.
// Clients never construct these paths themselves.
var sidecarTemplates = map[Kind]template{
	KindThumbnail:  {colocated: true, exts: []string{".jpg"}},
	KindPreview:    {colocated: true, exts: []string{".webm", ".mp4"}},
	KindSubtitles:  {colocated: true, exts: []string{".srt"}},
	KindSprites:    {colocated: false, exts: []string{".jpg", ".json"}},
	KindHeatmaps:   {colocated: false, exts: []string{".json", ".png"}},
	KindMarkers:    {colocated: false, exts: []string{".json"}},
	KindFaces:      {colocated: false, exts: []string{".json"}},
	KindEmbeddings: {colocated: false, exts: []string{".json"}},
	KindPhash:      {colocated: false, exts: []string{".json"}},
	KindMetadata:   {colocated: false, exts: []string{".json"}},
}

// Resolver maps (media path, kind) to canonical sidecar paths and back.
// All paths in and out are root-relative with POSIX separators; Abs confines
// them against the configured library root.
type Resolver struct {
	root string
}

// NewResolver returns a resolver rooted at the given library directory.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the configured library root.
func (r *Resolver) Root() string { return r.root }

// Stem returns the media file's basename without its container extension.
func Stem(mediaPath string) string {
	base := path.Base(mediaPath)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Sidecars returns the root-relative sidecar paths for (mediaPath, kind).
// The first entry is the primary sidecar used for presence checks.
// The mapping is pure path math: it never touches the filesystem.
func Sidecars(mediaPath string, kind Kind) []string {
	tpl, ok := sidecarTemplates[kind]
	if !ok {
		return nil
	}
	dir := path.Dir(mediaPath)
	stem := Stem(mediaPath)

	base := dir
	if !tpl.colocated {
		base = path.Join(dir, ArtifactsDirName)
	}

	out := make([]string, 0, len(tpl.exts))
	for _, ext := range tpl.exts {
		out = append(out, path.Join(base, stem+"."+string(kind)+ext))
	}
	return out
}

// PrimarySidecar returns the primary sidecar path for (mediaPath, kind).
func PrimarySidecar(mediaPath string, kind Kind) string {
	paths := Sidecars(mediaPath, kind)
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}

// Resolve is the resolver-bound form of Sidecars.
func (r *Resolver) Resolve(mediaPath string, kind Kind) []string {
	return Sidecars(mediaPath, kind)
}

// Primary is the resolver-bound form of PrimarySidecar.
func (r *Resolver) Primary(mediaPath string, kind Kind) string {
	return PrimarySidecar(mediaPath, kind)
}

// Canonicalize maps user input to a clean root-relative POSIX path.
// It rejects absolute paths, backslashes and ".." escapes. It does not touch
// the filesystem; callers that need existence checks use Abs plus a stat.
func (r *Resolver) Canonicalize(input string) (string, error) {
	if strings.Contains(input, "\\") {
		return "", fmt.Errorf("%w: contains backslash", ErrInvalidPath)
	}
	if strings.HasPrefix(input, "/") {
		return "", fmt.Errorf("%w: must be relative: %s", ErrInvalidPath, input)
	}
	clean := path.Clean(input)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: escapes root: %s", ErrInvalidPath, input)
	}
	if clean == "." || clean == "" {
		return ".", nil
	}
	return clean, nil
}

// Abs resolves a root-relative path to an absolute, symlink-confined path
// under the library root.
func (r *Resolver) Abs(rel string) (string, error) {
	if rel == "." || rel == "" {
		return r.root, nil
	}
	abs, err := fsutil.ConfineRelPath(r.root, filepath.FromSlash(rel))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return abs, nil
}

// InferFromSidecar inverts Resolve: given a root-relative sidecar path it
// returns the kind and media stem the sidecar belongs to. ok is false when
// the filename matches no declared template.
//
// Round-trip law: InferFromSidecar(Resolve(p, k)[0]) yields (k, Stem(p)).
func (r *Resolver) InferFromSidecar(sidecarPath string) (kind Kind, stem string, ok bool) {
	base := path.Base(sidecarPath)
	ext := path.Ext(base)
	if ext == "" {
		return "", "", false
	}
	rest := strings.TrimSuffix(base, ext)

	// rest must end in ".<kind>" for a declared kind with a matching ext.
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 {
		return "", "", false
	}
	candidate := Kind(rest[idx+1:])
	tpl, declared := sidecarTemplates[candidate]
	if !declared {
		return "", "", false
	}
	extOK := false
	for _, e := range tpl.exts {
		if e == ext {
			extOK = true
			break
		}
	}
	if !extOK {
		return "", "", false
	}

	// Colocation must match the template: sidecars under .artifacts must be
	// declared non-colocated and vice versa.
	inArtifactsDir := path.Base(path.Dir(sidecarPath)) == ArtifactsDirName
	if tpl.colocated == inArtifactsDir {
		return "", "", false
	}

	return candidate, rest[:idx], true
}

// MediaDirFor returns the root-relative directory a sidecar's media file
// would live in, unwrapping the .artifacts sibling if needed.
func (r *Resolver) MediaDirFor(sidecarPath string) string {
	dir := path.Dir(sidecarPath)
	if path.Base(dir) == ArtifactsDirName {
		dir = path.Dir(dir)
	}
	return dir
}
