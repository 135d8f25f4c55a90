// SPDX-License-Identifier: MIT

package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o640))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

func TestProbeCheck(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root)
	p := NewProbe(r, 2*time.Second)

	srcTime := time.Now().Add(-time.Hour)
	writeFile(t, filepath.Join(root, "movies", "holiday.mp4"), []byte("video"), srcTime)

	t.Run("absent when no sidecar", func(t *testing.T) {
		st := p.Check("movies/holiday.mp4", KindThumbnail)
		require.Equal(t, StateAbsent, st.State)
		require.Equal(t, "movies/holiday.thumbnail.jpg", st.Sidecar)
	})

	t.Run("zero byte sidecar is absent", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "movies", "holiday.thumbnail.jpg"), nil, time.Now())
		st := p.Check("movies/holiday.mp4", KindThumbnail)
		require.Equal(t, StateAbsent, st.State)
	})

	t.Run("fresh sidecar is present", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "movies", "holiday.thumbnail.jpg"), []byte("jpg"), srcTime.Add(time.Minute))
		st := p.Check("movies/holiday.mp4", KindThumbnail)
		require.Equal(t, StatePresent, st.State)
	})

	t.Run("sidecar within tolerance is present", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "movies", "holiday.thumbnail.jpg"), []byte("jpg"), srcTime.Add(-time.Second))
		st := p.Check("movies/holiday.mp4", KindThumbnail)
		require.Equal(t, StatePresent, st.State)
	})

	t.Run("older sidecar is stale", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "movies", "holiday.thumbnail.jpg"), []byte("jpg"), srcTime.Add(-time.Minute))
		st := p.Check("movies/holiday.mp4", KindThumbnail)
		require.Equal(t, StateStale, st.State)
	})

	t.Run("non-colocated sidecar", func(t *testing.T) {
		writeFile(t, filepath.Join(root, "movies", ".artifacts", "holiday.metadata.json"), []byte("{}"), time.Now())
		st := p.Check("movies/holiday.mp4", KindMetadata)
		require.Equal(t, StatePresent, st.State)
	})
}

func TestProbeEscapingPathFails(t *testing.T) {
	r := NewResolver(t.TempDir())
	p := NewProbe(r, 0)
	st := p.Check("../outside.mp4", KindThumbnail)
	require.Equal(t, StateFailed, st.State)
	require.NotEmpty(t, st.Err)
}
