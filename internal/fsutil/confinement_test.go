// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfineRelPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "movies"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "movies", "a.mp4"), []byte("x"), 0o640))

	abs, err := ConfineRelPath(root, "movies/a.mp4")
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "movies", "a.mp4"))
	require.NoError(t, err)
	assert.Equal(t, resolved, abs)

	// Not-yet-existing entries under an existing parent are still confined.
	abs, err = ConfineRelPath(root, "movies/new.thumbnail.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(abs), "new.thumbnail.jpg")
}

func TestConfineRelPathRejections(t *testing.T) {
	root := t.TempDir()

	_, err := ConfineRelPath(root, "../outside.mp4")
	assert.Error(t, err)

	_, err = ConfineRelPath(root, "/etc/passwd")
	assert.Error(t, err)

	_, err = ConfineRelPath(root, "movies\\a.mp4")
	assert.Error(t, err)
}

func TestConfineRelPathSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o640))

	root := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := ConfineRelPath(root, "link/secret.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes root")
}

func TestConfineRelPathAllowsDotsInFilenames(t *testing.T) {
	root := t.TempDir()
	name := "movie..part1.mp4"
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o640))

	abs, err := ConfineRelPath(root, name)
	require.NoError(t, err)
	assert.Equal(t, name, filepath.Base(abs))
}

func TestToSlashRel(t *testing.T) {
	assert.Equal(t, ".", ToSlashRel(""))
	assert.Equal(t, ".", ToSlashRel("."))
	assert.Equal(t, "movies", ToSlashRel("./movies/"))
	assert.Equal(t, "a/b", ToSlashRel("a/b"))
}

func TestIsRegularFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o640))

	assert.NoError(t, IsRegularFile(file))
	assert.Error(t, IsRegularFile(root), "directories are not regular files")
	assert.Error(t, IsRegularFile(filepath.Join(root, "missing")))
}
