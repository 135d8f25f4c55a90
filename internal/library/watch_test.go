// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (d *dropRecorder) Drop(_ context.Context, mediaPath string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, mediaPath)
}

func (d *dropRecorder) dropped() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.paths...)
}

func startWatcher(t *testing.T, store *Store, root string, inv Invalidator) {
	t.Helper()
	w, err := NewWatcher(store, root, inv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcherIndexesNewMedia(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	startWatcher(t, store, root, nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.mp4"), []byte("video"), 0o640))

	require.Eventually(t, func() bool {
		item, err := store.Get(context.Background(), "a.mp4")
		return err == nil && item != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherDropsRemovedMedia(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "a.mp4")
	store := newTestStore(t)
	require.NoError(t, store.Upsert(context.Background(), testItem("a.mp4")))

	rec := &dropRecorder{}
	startWatcher(t, store, root, rec)

	require.NoError(t, os.Remove(filepath.Join(root, "a.mp4")))

	require.Eventually(t, func() bool {
		item, err := store.Get(context.Background(), "a.mp4")
		return err == nil && item == nil
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, rec.dropped(), "a.mp4")
}

func TestWatcherIgnoresNonMediaAndHidden(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	startWatcher(t, store, root, nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden.mp4"), []byte("x"), 0o640))

	// Indexing a real file afterwards proves events were processed.
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.mp4"), []byte("video"), 0o640))
	require.Eventually(t, func() bool {
		item, err := store.Get(context.Background(), "real.mp4")
		return err == nil && item != nil
	}, 3*time.Second, 20*time.Millisecond)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
