// SPDX-License-Identifier: MIT

package orphan

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediad/internal/artifact"
)

func cleanupOrphans() []Orphan {
	return []Orphan{
		{
			Sidecar:  "movies/old.thumbnail.jpg",
			Kind:     artifact.KindThumbnail,
			Stem:     "old",
			MediaDir: "movies",
			Suggestion: &Suggestion{
				MediaPath:  "movies/New.mp4",
				NewSidecar: "movies/New.thumbnail.jpg",
				Confidence: 0.85,
				Method:     "normalized-stem",
			},
		},
		{
			Sidecar:  "movies/.artifacts/stray.metadata.json",
			Kind:     artifact.KindMetadata,
			Stem:     "stray",
			MediaDir: "movies",
		},
	}
}

func TestCleanupReassociatesAndDeletes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/New.mp4",
		"movies/old.thumbnail.jpg",
		"movies/.artifacts/stray.metadata.json",
	)

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(context.Background(), cleanupOrphans(), CleanupOptions{Reassociate: true})

	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Failed)
	assert.FileExists(t, filepath.Join(root, "movies", "New.thumbnail.jpg"))
	assert.NoFileExists(t, filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.NoFileExists(t, filepath.Join(root, "movies", ".artifacts", "stray.metadata.json"))
}

func TestCleanupDryRunTouchesNothing(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/New.mp4",
		"movies/old.thumbnail.jpg",
		"movies/.artifacts/stray.metadata.json",
	)

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(context.Background(), cleanupOrphans(), CleanupOptions{DryRun: true, Reassociate: true})

	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 1, res.Deleted)
	for _, act := range res.Actions {
		assert.Equal(t, OutcomePlanned, act.Outcome)
	}
	assert.FileExists(t, filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.FileExists(t, filepath.Join(root, "movies", ".artifacts", "stray.metadata.json"))
}

func TestCleanupKeepOrphans(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/New.mp4",
		"movies/old.thumbnail.jpg",
		"movies/.artifacts/stray.metadata.json",
	)

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(context.Background(), cleanupOrphans(), CleanupOptions{Reassociate: true, KeepOrphans: true})

	assert.Equal(t, 1, res.Moved)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 0, res.Deleted)
	assert.FileExists(t, filepath.Join(root, "movies", ".artifacts", "stray.metadata.json"))
}

func TestCleanupLocalOnlySkipsArtifactDirs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/old.thumbnail.jpg",
		"movies/.artifacts/stray.metadata.json",
	)

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(context.Background(), cleanupOrphans(), CleanupOptions{LocalOnly: true})

	assert.Equal(t, 1, res.Deleted, "colocated orphan removed")
	assert.Equal(t, 1, res.Kept)
	assert.NoFileExists(t, filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.FileExists(t, filepath.Join(root, "movies", ".artifacts", "stray.metadata.json"))
}

func TestCleanupNeverOverwritesOnMove(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/New.mp4",
		"movies/New.thumbnail.jpg",
		"movies/old.thumbnail.jpg",
	)

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(context.Background(), cleanupOrphans()[:1], CleanupOptions{Reassociate: true})

	assert.Equal(t, 0, res.Moved)
	assert.Equal(t, 1, res.Kept)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "target already exists", res.Actions[0].Reason)
	assert.FileExists(t, filepath.Join(root, "movies", "old.thumbnail.jpg"))
}

func TestCleanupCanceledContextKeeps(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "movies/old.thumbnail.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRepairer(artifact.NewResolver(root))
	res := r.Cleanup(ctx, cleanupOrphans()[:1], CleanupOptions{})

	assert.Equal(t, 1, res.Kept)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "canceled", res.Actions[0].Reason)
	_, err := os.Stat(filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.NoError(t, err)
}
