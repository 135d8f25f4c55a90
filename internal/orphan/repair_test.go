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

func TestRepairMoves(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "movies/old.thumbnail.jpg", "movies/New.mp4")

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(context.Background(), []RepairItem{
		{Sidecar: "movies/old.thumbnail.jpg", To: "movies/New.thumbnail.jpg"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeMoved, out[0].Outcome)

	_, err := os.Stat(filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "movies", "New.thumbnail.jpg"))
	assert.NoError(t, err)
}

func TestRepairNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"movies/old.thumbnail.jpg",
		"movies/New.thumbnail.jpg",
	)
	original, err := os.ReadFile(filepath.Join(root, "movies", "New.thumbnail.jpg"))
	require.NoError(t, err)

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(context.Background(), []RepairItem{
		{Sidecar: "movies/old.thumbnail.jpg", To: "movies/New.thumbnail.jpg"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, "target already exists", out[0].Reason)

	after, err := os.ReadFile(filepath.Join(root, "movies", "New.thumbnail.jpg"))
	require.NoError(t, err)
	assert.Equal(t, original, after, "existing target untouched")
	_, err = os.Stat(filepath.Join(root, "movies", "old.thumbnail.jpg"))
	assert.NoError(t, err, "source stays put")
}

func TestRepairVanishedSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "movies"), 0o750))

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(context.Background(), []RepairItem{
		{Sidecar: "movies/gone.thumbnail.jpg", To: "movies/New.thumbnail.jpg"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, "source vanished", out[0].Reason)
}

func TestRepairRejectsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "movies/old.thumbnail.jpg")

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(context.Background(), []RepairItem{
		{Sidecar: "../outside.jpg", To: "movies/a.thumbnail.jpg"},
		{Sidecar: "movies/old.thumbnail.jpg", To: "../outside.jpg"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeFailed, out[0].Outcome)
	assert.Equal(t, OutcomeFailed, out[1].Outcome)
}

func TestRepairBatchNeverAborts(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "movies/good.thumbnail.jpg")

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(context.Background(), []RepairItem{
		{Sidecar: "movies/gone.thumbnail.jpg", To: "movies/x.thumbnail.jpg"},
		{Sidecar: "movies/good.thumbnail.jpg", To: "movies/y.thumbnail.jpg"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, OutcomeMoved, out[1].Outcome)
}

func TestRepairCanceledContextSkips(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "movies/old.thumbnail.jpg")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRepairer(artifact.NewResolver(root))
	out := r.Apply(ctx, []RepairItem{
		{Sidecar: "movies/old.thumbnail.jpg", To: "movies/New.thumbnail.jpg"},
	})
	require.Len(t, out, 1)
	assert.Equal(t, OutcomeSkipped, out[0].Outcome)
	assert.Equal(t, "canceled", out[0].Reason)
}
