// SPDX-License-Identifier: MIT

package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediad/internal/artifact"
)

func newTestRunContext(t *testing.T) (*RunContext, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.mp4"), []byte("video"), 0o640))
	workspace := filepath.Join(root, ".artifacts", ".work-test")
	require.NoError(t, os.MkdirAll(workspace, 0o750))
	rc := NewRunContext(artifact.NewResolver(root), "a.mp4", nil, workspace, nil)
	return rc, root
}

func TestPublishBytes(t *testing.T) {
	rc, root := newTestRunContext(t)

	rel := artifact.PrimarySidecar("a.mp4", artifact.KindMetadata)
	require.NoError(t, rc.PublishBytes(rel, []byte(`{"ok":true}`)))

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	assert.Error(t, rc.PublishBytes(rel, nil), "empty payloads never publish")
}

func TestPublishFile(t *testing.T) {
	rc, root := newTestRunContext(t)

	scratch := rc.WorkPath("thumbnail.jpg")
	require.NoError(t, os.WriteFile(scratch, []byte("jpeg"), 0o640))

	rel := artifact.PrimarySidecar("a.mp4", artifact.KindThumbnail)
	require.NoError(t, rc.PublishFile(scratch, rel))

	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err), "scratch file moves, not copies")
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
}

func TestPublishFileRejectsEmptyScratch(t *testing.T) {
	rc, _ := newTestRunContext(t)

	scratch := rc.WorkPath("empty.jpg")
	require.NoError(t, os.WriteFile(scratch, nil, 0o640))
	err := rc.PublishFile(scratch, artifact.PrimarySidecar("a.mp4", artifact.KindThumbnail))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty sidecar")
}

func TestSourceAbsConfined(t *testing.T) {
	rc, root := newTestRunContext(t)

	abs, err := rc.SourceAbs()
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, resolved, abs)

	rc.MediaPath = "../escape.mp4"
	_, err = rc.SourceAbs()
	assert.Error(t, err)
}
