// SPDX-License-Identifier: MIT

// Package artifact defines the closed set of derived-artifact kinds, the
// sidecar path resolver, the presence probe, and the per-file status cache.
package artifact

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one derived-artifact type.
//
// The set is closed: adding a kind means adding a constant, a template entry
// in the resolver, and a worker implementation. Nothing else changes.
type Kind string

const (
	KindMetadata   Kind = "metadata"
	KindThumbnail  Kind = "thumbnail"
	KindPreview    Kind = "preview"
	KindSprites    Kind = "sprites"
	KindHeatmaps   Kind = "heatmaps"
	KindMarkers    Kind = "markers"
	KindSubtitles  Kind = "subtitles"
	KindFaces      Kind = "faces"
	KindEmbeddings Kind = "embeddings"
	KindPhash      Kind = "phash"
)

// AllKinds returns every kind in generation order (fast producers first).
// The batch planner relies on this order when expanding composite requests.
func AllKinds() []Kind {
	return []Kind{
		KindMetadata,
		KindPhash,
		KindThumbnail,
		KindPreview,
		KindSprites,
		KindHeatmaps,
		KindMarkers,
		KindFaces,
		KindEmbeddings,
		KindSubtitles,
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string { return string(k) }

// IsValid reports whether k is one of the declared kinds.
// Singular aliases ("heatmap") and legacy names ("scenes") are not honored.
func (k Kind) IsValid() bool {
	switch k {
	case KindMetadata, KindThumbnail, KindPreview, KindSprites, KindHeatmaps,
		KindMarkers, KindSubtitles, KindFaces, KindEmbeddings, KindPhash:
		return true
	default:
		return false
	}
}

// ParseKind parses a string into a Kind, rejecting anything outside the
// canonical plural set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid artifact kind: %q", s)
	}
	return k, nil
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ToolClass groups workers that share an external resource. The scheduler
// derates concurrency per class.
type ToolClass string

const (
	ToolFFmpeg          ToolClass = "ffmpeg"
	ToolFFprobe         ToolClass = "ffprobe"
	ToolSubtitleBackend ToolClass = "subtitle-backend"
	ToolFaceBackend     ToolClass = "face-backend"
	ToolPure            ToolClass = "pure"
)

// IsValid reports whether c is a declared tool class.
func (c ToolClass) IsValid() bool {
	switch c {
	case ToolFFmpeg, ToolFFprobe, ToolSubtitleBackend, ToolFaceBackend, ToolPure:
		return true
	default:
		return false
	}
}

// ToolClassFor maps a kind to its scheduler tool class.
func ToolClassFor(k Kind) ToolClass {
	switch k {
	case KindMetadata:
		return ToolFFprobe
	case KindSubtitles:
		return ToolSubtitleBackend
	case KindFaces, KindEmbeddings:
		return ToolFaceBackend
	case KindThumbnail, KindPreview, KindSprites, KindHeatmaps, KindMarkers, KindPhash:
		return ToolFFmpeg
	default:
		return ToolPure
	}
}

// State is the probe-visible lifecycle of one (file, kind) pair.
type State string

const (
	StateAbsent     State = "absent"
	StatePresent    State = "present"
	StateStale      State = "stale"
	StateGenerating State = "generating"
	StateFailed     State = "failed"
)

// IsValid reports whether s is a declared state.
func (s State) IsValid() bool {
	switch s {
	case StateAbsent, StatePresent, StateStale, StateGenerating, StateFailed:
		return true
	}
	return false
}
